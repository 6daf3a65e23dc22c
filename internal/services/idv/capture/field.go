package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/louisbranch/idproof/internal/platform/errors"
	"github.com/louisbranch/idproof/internal/services/idv/quality"
)

// FieldName identifies a document image field.
type FieldName string

const (
	FieldFront  FieldName = "front"
	FieldBack   FieldName = "back"
	FieldSelfie FieldName = "selfie"
)

// State is the lifecycle position of a field.
type State int

const (
	StateIdle State = iota
	StateAwaitingCameraReady
	StateCapturing
	StateCapturedPendingCrop
	// StateAccepted is idle with a stored value.
	StateAccepted
	// StateRejected is idle without a value after a failed quality check.
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingCameraReady:
		return "awaiting_camera_ready"
	case StateCapturing:
		return "capturing"
	case StateCapturedPendingCrop:
		return "captured_pending_crop"
	case StateAccepted:
		return "accepted"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

func (s State) busy() bool {
	return s == StateAwaitingCameraReady || s == StateCapturing || s == StateCapturedPendingCrop
}

var (
	// ErrCaptureInProgress is returned when a second capture starts on a busy field.
	ErrCaptureInProgress = apperrors.New(apperrors.CodeCaptureAlreadyInProgress, "capture already in progress")
	// ErrCaptureUnsupported is returned when the device probe found no camera.
	ErrCaptureUnsupported = apperrors.New(apperrors.CodeCaptureUnsupported, "camera capture is not supported")
	errFieldClosed        = errors.New("capture field is closed")
)

// Session describes one capture attempt. It is replaced on every StartCapture.
type Session struct {
	Field     FieldName
	State     State
	Metrics   Metrics
	StartedAt time.Time
}

// Options configures a Field.
type Options struct {
	Camera     Camera
	Probe      Probe
	Thresholds quality.Thresholds
	// Accept lists the file input accept tokens enforced by Upload.
	Accept []string
	// OnChange receives the new value, or nil when the value was cleared.
	OnChange func(*Image)
	// OnError receives the field error, or nil when a previous error cleared.
	OnError func(error)
	Now     func() time.Time
}

// Field is the capture state machine for one document field.
type Field struct {
	name       FieldName
	camera     Camera
	probe      Probe
	thresholds quality.Thresholds
	accept     []string
	onChange   func(*Image)
	onError    func(error)
	now        func() time.Time

	mu        sync.Mutex
	state     State
	supported bool
	session   Session
	value     *Image
	err       error
	cancel    context.CancelFunc
	attempt   uint64
	closed    bool
}

// NewField builds an idle field. Capture stays unavailable until Probe
// reports camera support.
func NewField(name FieldName, opts Options) *Field {
	thresholds := opts.Thresholds
	if thresholds == (quality.Thresholds{}) {
		thresholds = quality.DefaultThresholds
	}
	f := &Field{
		name:       name,
		camera:     opts.Camera,
		probe:      opts.Probe,
		thresholds: thresholds.Normalize(),
		accept:     append([]string(nil), opts.Accept...),
		onChange:   opts.OnChange,
		onError:    opts.OnError,
		now:        opts.Now,
	}
	if f.onChange == nil {
		f.onChange = func(*Image) {}
	}
	if f.onError == nil {
		f.onError = func(error) {}
	}
	if f.now == nil {
		f.now = func() time.Time { return time.Now().UTC() }
	}
	return f
}

// Name returns the field identity.
func (f *Field) Name() FieldName {
	return f.name
}

// Probe resolves camera support. A probe error or missing probe leaves the
// field on the upload fallback.
func (f *Field) Probe(ctx context.Context) (bool, error) {
	supported := false
	var err error
	if f.probe != nil && f.camera != nil {
		supported, err = f.probe.Supported(ctx)
		if err != nil {
			supported = false
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.supported = supported
	}
	return f.supported, err
}

// UploadFallback reports whether the field should offer a file input
// instead of the camera.
func (f *Field) UploadFallback() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.supported
}

// State returns the current lifecycle state.
func (f *Field) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Session returns the latest capture attempt.
func (f *Field) Session() Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

// Value returns the stored image, if any.
func (f *Field) Value() (Image, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.value == nil {
		return Image{}, false
	}
	return *f.value, true
}

// Err returns the error currently shown for the field.
func (f *Field) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// StartCapture runs one capture attempt to completion. Only one attempt may
// be in flight per field.
func (f *Field) StartCapture(ctx context.Context) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	f.mu.Lock()
	switch {
	case f.closed:
		f.mu.Unlock()
		return Result{}, errFieldClosed
	case !f.supported:
		f.mu.Unlock()
		return Result{}, ErrCaptureUnsupported
	case f.state.busy():
		f.mu.Unlock()
		return Result{}, ErrCaptureInProgress
	}
	runCtx, cancel := context.WithCancel(ctx)
	f.attempt++
	attempt := f.attempt
	f.cancel = cancel
	f.session = Session{Field: f.name, State: StateAwaitingCameraReady, StartedAt: f.now()}
	f.state = StateAwaitingCameraReady
	f.mu.Unlock()
	defer cancel()

	result := Run(runCtx, f.camera, func(next State) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.closed || f.attempt != attempt || next <= f.state {
			return
		}
		f.state = next
		f.session.State = next
	})

	return result, f.finish(attempt, result)
}

func (f *Field) finish(attempt uint64, result Result) error {
	f.mu.Lock()
	if f.closed || f.attempt != attempt {
		f.mu.Unlock()
		return nil
	}
	f.cancel = nil

	switch result.Kind {
	case ResultCanceled:
		f.state = f.restingState()
		f.session.State = f.state
		f.mu.Unlock()
		return nil
	case ResultFailed:
		f.state = StateIdle
		f.session.State = StateIdle
		f.err = result.Err
		f.mu.Unlock()
		f.onError(result.Err)
		return nil
	}

	f.session.Metrics = result.Metrics
	verdict := f.thresholds.Evaluate(result.Metrics.Glare, result.Metrics.Sharpness)
	var value *Image
	if verdict.Accepted() {
		image := result.Image
		value = &image
		f.state = StateAccepted
		f.err = nil
	} else {
		f.state = StateRejected
		f.err = verdict.Err()
	}
	f.value = value
	f.session.State = f.state
	fieldErr := f.err
	f.mu.Unlock()

	f.onChange(value)
	f.onError(fieldErr)
	return nil
}

// Upload stores a manually selected file. Only the file type is checked; the
// glare and sharpness thresholds apply to camera captures alone.
func (f *Field) Upload(image Image) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return errFieldClosed
	}
	if f.state.busy() {
		f.mu.Unlock()
		return ErrCaptureInProgress
	}
	if err := quality.CheckFileType(image.ContentType, f.accept); err != nil {
		f.err = err
		f.mu.Unlock()
		f.onError(err)
		return nil
	}
	stored := image
	f.value = &stored
	f.err = nil
	f.state = StateAccepted
	f.mu.Unlock()

	f.onChange(&stored)
	f.onError(nil)
	return nil
}

// Close unmounts the field. An in-flight capture is cancelled, its camera
// session is ended, and no later callbacks reach OnChange or OnError.
func (f *Field) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
}

func (f *Field) restingState() State {
	if f.value != nil {
		return StateAccepted
	}
	return StateIdle
}
