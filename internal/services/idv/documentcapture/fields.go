package documentcapture

import (
	"github.com/louisbranch/idproof/internal/services/idv/capture"
	"github.com/louisbranch/idproof/internal/services/idv/formsteps"
	"github.com/louisbranch/idproof/internal/services/idv/quality"
	"github.com/louisbranch/idproof/internal/services/idv/upload"
)

// ChangeWrapper rewrites a form patch before it is applied.
type ChangeWrapper interface {
	Wrap(patch formsteps.Patch) (formsteps.Patch, error)
}

var _ ChangeWrapper = (*upload.Pipeline)(nil)

// CaptureOptions configures the capture fields a flow binds to image steps.
// A nil Camera leaves every field on the file upload fallback.
type CaptureOptions struct {
	Camera     capture.Camera
	Probe      capture.Probe
	Thresholds quality.Thresholds
	Accept     []string
}

// boundFields mounts required fields and opens a capture field for each.
type boundFields struct {
	flow   *Flow
	fields requiredFields
}

func (b boundFields) Mount(reg formsteps.Registrar) {
	b.fields.Mount(reg)
	b.flow.bindCaptures(b.fields)
}

func (f *Flow) bindSteps(steps []formsteps.Step) []formsteps.Step {
	bound := make([]formsteps.Step, len(steps))
	for i, step := range steps {
		if fields, ok := step.Form.(requiredFields); ok {
			step.Form = boundFields{flow: f, fields: fields}
		}
		bound[i] = step
	}
	return bound
}

// bindCaptures closes the capture fields of the step being left and opens one
// per image field of the step being mounted.
func (f *Flow) bindCaptures(names []string) {
	next := make(map[string]*capture.Field, len(names))
	for _, name := range names {
		next[name] = f.newCaptureField(name)
	}
	f.mu.Lock()
	previous := f.captures
	f.captures = next
	f.mu.Unlock()
	for _, field := range previous {
		field.Close()
	}
}

func (f *Flow) newCaptureField(name string) *capture.Field {
	opts := f.opts.Capture
	return capture.NewField(capture.FieldName(name), capture.Options{
		Camera:     opts.Camera,
		Probe:      opts.Probe,
		Thresholds: opts.Thresholds,
		Accept:     opts.Accept,
		OnChange: func(image *capture.Image) {
			value := formsteps.Absent()
			if image != nil {
				value = formsteps.Present(*image)
			}
			if err := f.Change(formsteps.Patch{name: value}); err != nil {
				f.Form().SetFieldError(name, err)
			}
		},
		OnError: func(err error) {
			// A cleared capture error always follows a Change, which
			// already dropped the field's errors.
			if err != nil {
				f.Form().SetFieldError(name, err)
			}
		},
	})
}

// CaptureField returns the capture field bound to name on the current step.
func (f *Flow) CaptureField(name string) (*capture.Field, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	field, ok := f.captures[name]
	return field, ok
}

// Close ends every open capture field. Background uploads already started
// keep running.
func (f *Flow) Close() {
	f.mu.Lock()
	previous := f.captures
	f.captures = nil
	f.mu.Unlock()
	for _, field := range previous {
		field.Close()
	}
}
