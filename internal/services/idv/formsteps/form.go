package formsteps

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	apperrors "github.com/louisbranch/idproof/internal/platform/errors"
)

var (
	// ErrRequiredValueMissing is reported for a mounted required field without a value.
	ErrRequiredValueMissing = apperrors.New(apperrors.CodeRequiredValueMissing, "required value missing")
	// ErrNoSteps is returned when submitting a form without steps.
	ErrNoSteps = apperrors.New(apperrors.CodeStepNotFound, "form has no steps")
)

// FieldError pairs a field name with the error shown for it.
type FieldError struct {
	Field string
	Err   error
}

// FieldOptions configures a registered field.
type FieldOptions struct {
	Required bool
}

// Registrar is the surface a step form uses while mounted.
type Registrar interface {
	RegisterField(name string, opts FieldOptions) *FieldRef
	Values() Values
	Change(patch Patch)
}

// StepForm mounts a step's fields.
type StepForm interface {
	Mount(r Registrar)
}

// Validator is optionally implemented by a StepForm to add errors beyond the
// required-field check. Validate runs while the form is locked and must not
// call back into the Registrar.
type Validator interface {
	Validate(values Values) []FieldError
}

// StepFooter is an optional trailing section rendered below a step.
type StepFooter interface {
	FooterName() string
}

// Footer is a StepFooter identified by name.
type Footer string

// FooterName implements StepFooter.
func (f Footer) FooterName() string {
	return string(f)
}

// Step is one named stage of a form.
type Step struct {
	Name   string
	Title  string
	Form   StepForm
	Footer StepFooter
}

// Outcome reports what a Submit did.
type Outcome int

const (
	// OutcomeDeferred means a pending value blocked the submit; nothing changed.
	OutcomeDeferred Outcome = iota
	// OutcomeBlocked means field errors kept the step from advancing.
	OutcomeBlocked
	// OutcomeAdvanced means the next step is now current.
	OutcomeAdvanced
	// OutcomeCompleted means the last step was submitted.
	OutcomeCompleted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDeferred:
		return "deferred"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeAdvanced:
		return "advanced"
	case OutcomeCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Options configures a Form.
type Options struct {
	Steps         []Step
	Navigator     Navigator
	InitialValues Values
	InitialErrors []FieldError
	// OnComplete receives the accumulated values after the last step.
	OnComplete func(Values)
	// Rerender is called whenever displayed state changes outside a direct
	// call, such as a late field attach or a settled pending value.
	Rerender func()
}

type fieldEntry struct {
	ref      *FieldRef
	required bool
	mounted  bool
}

// Form orchestrates a sequence of steps.
type Form struct {
	steps      []Step
	nav        Navigator
	onComplete func(Values)
	rerender   func()

	mu         sync.Mutex
	values     Values
	active     []FieldError
	fields     map[string]*fieldEntry
	order      []string
	mountedIdx int
	generation uint64
	focused    string
	watching   int
	idle       chan struct{}
}

// New builds a form and mounts the step named by the navigator, or the first
// step when the name is unknown.
func New(opts Options) (*Form, error) {
	seen := make(map[string]struct{}, len(opts.Steps))
	for _, step := range opts.Steps {
		name := strings.TrimSpace(step.Name)
		if name == "" {
			return nil, fmt.Errorf("step name is required")
		}
		if _, ok := seen[name]; ok {
			return nil, fmt.Errorf("duplicate step name %q", name)
		}
		seen[name] = struct{}{}
	}

	f := &Form{
		steps:      slices.Clone(opts.Steps),
		nav:        opts.Navigator,
		onComplete: opts.OnComplete,
		rerender:   opts.Rerender,
		values:     opts.InitialValues.Clone(),
		active:     slices.Clone(opts.InitialErrors),
		fields:     make(map[string]*fieldEntry),
		mountedIdx: -1,
		idle:       make(chan struct{}),
	}
	close(f.idle)
	if f.nav == nil {
		f.nav = NewMemoryHistory("")
	}
	if f.onComplete == nil {
		f.onComplete = func(Values) {}
	}
	if f.rerender == nil {
		f.rerender = func() {}
	}

	f.mu.Lock()
	for key, value := range f.values {
		if value.kind == KindPending {
			f.watchLocked(key, value.pending)
		}
	}
	f.mu.Unlock()

	f.sync()
	return f, nil
}

// Steps returns the step sequence.
func (f *Form) Steps() []Step {
	return slices.Clone(f.steps)
}

// CurrentStep returns the mounted step.
func (f *Form) CurrentStep() (Step, bool) {
	f.sync()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mountedIdx < 0 {
		return Step{}, false
	}
	return f.steps[f.mountedIdx], true
}

// IsLastStep reports whether the mounted step is the final one.
func (f *Form) IsLastStep() bool {
	f.sync()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mountedIdx >= 0 && f.mountedIdx == len(f.steps)-1
}

// Values returns a snapshot of the accumulated values.
func (f *Form) Values() Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values.Clone()
}

// ActiveErrors returns every active field error.
func (f *Form) ActiveErrors() []FieldError {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.active)
}

// UnknownFieldErrors returns active errors whose field has no mounted
// element. They are shown as page-level banners instead of inline.
func (f *Form) UnknownFieldErrors() []FieldError {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unknownLocked()
}

// Focused returns the field that received focus after the last blocked submit.
func (f *Form) Focused() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.focused
}

// RegisterField implements Registrar. Registering a name again during the
// same step returns the original reference.
func (f *Form) RegisterField(name string, opts FieldOptions) *FieldRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.fields[name]; ok {
		return entry.ref
	}
	ref := &FieldRef{form: f, name: name, generation: f.generation}
	f.fields[name] = &fieldEntry{ref: ref, required: opts.Required}
	f.order = append(f.order, name)
	return ref
}

// Change implements Registrar. Errors for patched keys are dropped and
// pending values in the patch are watched until they settle.
func (f *Form) Change(patch Patch) {
	if len(patch) == 0 {
		return
	}
	f.mu.Lock()
	f.active = slices.DeleteFunc(f.active, func(fe FieldError) bool {
		_, patched := patch[fe.Field]
		return patched
	})
	f.values = f.values.Merge(patch)
	for key, value := range patch {
		if value.kind == KindPending {
			f.watchLocked(key, value.pending)
		}
	}
	f.mu.Unlock()
}

// SetFieldError replaces the errors shown for field with err. A nil err
// clears them.
func (f *Form) SetFieldError(field string, err error) {
	f.mu.Lock()
	f.active = slices.DeleteFunc(f.active, func(fe FieldError) bool { return fe.Field == field })
	if err != nil {
		f.active = append(f.active, FieldError{Field: field, Err: err})
	}
	f.mu.Unlock()
	f.rerender()
}

// Submit attempts to leave the current step.
func (f *Form) Submit(ctx context.Context) (Outcome, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return OutcomeDeferred, err
		}
	}
	f.sync()

	f.mu.Lock()
	if f.mountedIdx < 0 {
		f.mu.Unlock()
		return OutcomeBlocked, ErrNoSteps
	}
	if f.values.HasPending() {
		f.mu.Unlock()
		return OutcomeDeferred, nil
	}

	if len(f.active) > len(f.unknownLocked()) {
		f.focusLocked()
		f.mu.Unlock()
		f.rerender()
		return OutcomeBlocked, nil
	}

	step := f.steps[f.mountedIdx]
	errs := f.validateLocked(step)
	f.active = errs
	if len(errs) > 0 {
		f.focusLocked()
		f.mu.Unlock()
		f.rerender()
		return OutcomeBlocked, nil
	}
	f.focused = ""

	next := f.mountedIdx + 1
	if next == len(f.steps) {
		f.nav.Clear()
		values := f.values.Clone()
		f.mu.Unlock()
		f.onComplete(values)
		return OutcomeCompleted, nil
	}
	f.nav.Push(f.steps[next].Name)
	f.mu.Unlock()
	f.sync()
	return OutcomeAdvanced, nil
}

// Settle blocks until every watched pending value has been merged back.
func (f *Form) Settle(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		f.mu.Lock()
		idle := f.idle
		f.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle:
		}
		f.mu.Lock()
		done := f.watching == 0
		f.mu.Unlock()
		if done {
			return nil
		}
	}
}

// sync mounts the step selected by the navigator when it differs from the
// mounted one.
func (f *Form) sync() {
	f.mu.Lock()
	idx := f.resolveIndexLocked()
	if idx == f.mountedIdx {
		f.mu.Unlock()
		return
	}
	f.mountedIdx = idx
	f.generation++
	f.fields = make(map[string]*fieldEntry)
	f.order = nil
	f.focused = ""
	var step Step
	if idx >= 0 {
		step = f.steps[idx]
	}
	f.mu.Unlock()

	if idx >= 0 && step.Form != nil {
		step.Form.Mount(f)
	}
}

func (f *Form) resolveIndexLocked() int {
	if len(f.steps) == 0 {
		return -1
	}
	name := f.nav.Current()
	for i, step := range f.steps {
		if step.Name == name {
			return i
		}
	}
	return 0
}

func (f *Form) validateLocked(step Step) []FieldError {
	var errs []FieldError
	for _, name := range f.order {
		entry := f.fields[name]
		if entry.mounted && entry.required && f.values.Get(name).Empty() {
			errs = append(errs, FieldError{Field: name, Err: ErrRequiredValueMissing})
		}
	}
	if validator, ok := step.Form.(Validator); ok {
		errs = append(errs, validator.Validate(f.values.Clone())...)
	}
	return errs
}

func (f *Form) unknownLocked() []FieldError {
	var unknown []FieldError
	for _, fe := range f.active {
		if entry, ok := f.fields[fe.Field]; !ok || !entry.mounted {
			unknown = append(unknown, fe)
		}
	}
	return unknown
}

func (f *Form) focusLocked() {
	f.focused = ""
	for _, name := range f.order {
		if !f.fields[name].mounted {
			continue
		}
		if slices.ContainsFunc(f.active, func(fe FieldError) bool { return fe.Field == name }) {
			f.focused = name
			return
		}
	}
}

func (f *Form) watchLocked(key string, p *Pending) {
	if f.watching == 0 {
		f.idle = make(chan struct{})
	}
	f.watching++
	go f.await(key, p)
}

func (f *Form) await(key string, p *Pending) {
	<-p.Done()
	result, err := p.Result()

	f.mu.Lock()
	applied := false
	if current := f.values.Get(key); current.kind == KindPending && current.pending == p {
		applied = true
		f.active = slices.DeleteFunc(f.active, func(fe FieldError) bool { return fe.Field == key })
		if err != nil {
			f.values = f.values.Merge(Patch{key: Absent()})
			f.active = append(f.active, FieldError{Field: key, Err: uploadFailure(err)})
		} else {
			next, ok := result.(Value)
			if !ok {
				next = Present(result)
			}
			f.values = f.values.Merge(Patch{key: next})
			if next.kind == KindPending {
				f.watchLocked(key, next.pending)
			}
		}
	}
	f.watching--
	if f.watching == 0 {
		close(f.idle)
	}
	f.mu.Unlock()

	if applied {
		f.rerender()
	}
}

func uploadFailure(err error) error {
	if apperrors.HasCode(err, apperrors.CodeUploadTransportFailure) {
		return err
	}
	return apperrors.Wrap(apperrors.CodeUploadTransportFailure, "background upload failed", err)
}

// FieldRef is a registered field. Attach marks the field's element as
// mounted; it is a no-op once the step that registered it is gone.
type FieldRef struct {
	form       *Form
	name       string
	generation uint64
}

// Name returns the field name.
func (r *FieldRef) Name() string {
	return r.name
}

// Attach marks the field as mounted. When errors are already active the
// Rerender hook fires so the error can be shown next to the field.
func (r *FieldRef) Attach() {
	f := r.form
	f.mu.Lock()
	entry, ok := f.fields[r.name]
	if !ok || r.generation != f.generation || entry.mounted {
		f.mu.Unlock()
		return
	}
	entry.mounted = true
	hasErrors := len(f.active) > 0
	f.mu.Unlock()
	if hasErrors {
		f.rerender()
	}
}

// Detach marks the field as no longer mounted.
func (r *FieldRef) Detach() {
	f := r.form
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.fields[r.name]; ok && r.generation == f.generation {
		entry.mounted = false
	}
}

// Mounted reports whether the field element is attached.
func (r *FieldRef) Mounted() bool {
	f := r.form
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.fields[r.name]
	return ok && r.generation == f.generation && entry.mounted
}

// Err returns the first active error for the field.
func (r *FieldRef) Err() error {
	f := r.form
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fe := range f.active {
		if fe.Field == r.name {
			return fe.Err
		}
	}
	return nil
}

var _ Registrar = (*Form)(nil)
