package capture

import (
	"context"
	"sync"
	"sync/atomic"

	apperrors "github.com/louisbranch/idproof/internal/platform/errors"
)

// Metrics are the quality scores reported for a crop.
type Metrics struct {
	Glare     int
	Sharpness int
}

// Image is a captured or uploaded document image.
type Image struct {
	Data        []byte
	ContentType string
}

// Bytes returns the raw image payload.
func (i Image) Bytes() []byte {
	return i.Data
}

// Cropped is delivered by the camera once the document has been cropped.
type Cropped struct {
	Metrics
	Image Image
}

// Callbacks receive camera SDK events for one Start call.
type Callbacks struct {
	OnCaptured func()
	OnCropped  func(Cropped)
	OnError    func(error)
}

// Camera is the device camera SDK. End must be safe to call after Start fails.
type Camera interface {
	Start(ctx context.Context, callbacks Callbacks) error
	End()
}

// Probe reports whether the device can capture with a camera.
type Probe interface {
	Supported(ctx context.Context) (bool, error)
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) (bool, error)

// Supported implements Probe.
func (fn ProbeFunc) Supported(ctx context.Context) (bool, error) {
	return fn(ctx)
}

// ResultKind classifies how a capture task ended.
type ResultKind int

const (
	ResultCaptured ResultKind = iota
	ResultFailed
	ResultCanceled
)

func (k ResultKind) String() string {
	switch k {
	case ResultCaptured:
		return "captured"
	case ResultFailed:
		return "failed"
	case ResultCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Result is the outcome of one capture task.
type Result struct {
	Kind    ResultKind
	Metrics Metrics
	Image   Image
	Err     error
}

type event struct {
	cropped *Cropped
	err     error
}

// Run starts the camera and blocks until a crop arrives, the SDK reports an
// error, or ctx ends. End is called exactly once before Run returns, and
// callbacks arriving afterwards are dropped. progress observes the
// AwaitingCameraReady, Capturing and CapturedPendingCrop transitions.
func Run(ctx context.Context, camera Camera, progress func(State)) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	if progress == nil {
		progress = func(State) {}
	}
	if camera == nil {
		return Result{Kind: ResultFailed, Err: apperrors.New(apperrors.CodeCaptureUnsupported, "camera is not configured")}
	}

	var finished atomic.Bool
	events := make(chan event, 1)
	var once sync.Once
	deliver := func(e event) {
		if finished.Load() {
			return
		}
		once.Do(func() { events <- e })
	}

	progress(StateAwaitingCameraReady)
	defer camera.End()
	defer finished.Store(true)

	err := camera.Start(ctx, Callbacks{
		OnCaptured: func() {
			if !finished.Load() {
				progress(StateCapturedPendingCrop)
			}
		},
		OnCropped: func(c Cropped) {
			deliver(event{cropped: &c})
		},
		OnError: func(err error) {
			if err == nil {
				err = apperrors.New(apperrors.CodeCaptureFailure, "camera reported an unknown error")
			}
			deliver(event{err: err})
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{Kind: ResultCanceled, Err: ctx.Err()}
		}
		return Result{Kind: ResultFailed, Err: captureFailure(err)}
	}
	progress(StateCapturing)

	select {
	case <-ctx.Done():
		return Result{Kind: ResultCanceled, Err: ctx.Err()}
	case e := <-events:
		if e.err != nil {
			return Result{Kind: ResultFailed, Err: captureFailure(e.err)}
		}
		return Result{Kind: ResultCaptured, Metrics: e.cropped.Metrics, Image: e.cropped.Image}
	}
}

func captureFailure(err error) error {
	if apperrors.HasCode(err, apperrors.CodeCaptureFailure) {
		return err
	}
	return apperrors.Wrap(apperrors.CodeCaptureFailure, "camera capture failed", err)
}
