package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/louisbranch/idproof/internal/platform/errors"
	"github.com/louisbranch/idproof/internal/services/idv/quality"
)

// fakeCamera hands its callbacks to the test so events can be fired on demand.
type fakeCamera struct {
	starts    atomic.Int32
	ends      atomic.Int32
	startErr  error
	callbacks chan Callbacks
}

func newFakeCamera() *fakeCamera {
	return &fakeCamera{callbacks: make(chan Callbacks, 4)}
}

func (c *fakeCamera) Start(_ context.Context, callbacks Callbacks) error {
	c.starts.Add(1)
	if c.startErr != nil {
		return c.startErr
	}
	c.callbacks <- callbacks
	return nil
}

func (c *fakeCamera) End() {
	c.ends.Add(1)
}

func (c *fakeCamera) next(t *testing.T) Callbacks {
	t.Helper()
	select {
	case cb := <-c.callbacks:
		return cb
	case <-time.After(2 * time.Second):
		t.Fatal("camera was not started")
		return Callbacks{}
	}
}

type recorder struct {
	mu      sync.Mutex
	changes []*Image
	errs    []error
	order   []string
}

func (r *recorder) options(camera Camera) Options {
	return Options{
		Camera:     camera,
		Probe:      ProbeFunc(func(context.Context) (bool, error) { return true, nil }),
		Thresholds: quality.DefaultThresholds,
		Accept:     []string{"image/*"},
		OnChange: func(img *Image) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.changes = append(r.changes, img)
			r.order = append(r.order, "change")
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
			r.order = append(r.order, "error")
		},
	}
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes), len(r.errs)
}

func newProbedField(t *testing.T, camera Camera, rec *recorder) *Field {
	t.Helper()
	field := NewField(FieldFront, rec.options(camera))
	supported, err := field.Probe(context.Background())
	if err != nil || !supported {
		t.Fatalf("probe = %v, %v; want supported", supported, err)
	}
	return field
}

type startResult struct {
	result Result
	err    error
}

func startAsync(field *Field) <-chan startResult {
	done := make(chan startResult, 1)
	go func() {
		result, err := field.StartCapture(context.Background())
		done <- startResult{result: result, err: err}
	}()
	return done
}

func wait(t *testing.T, done <-chan startResult) startResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("capture did not finish")
		return startResult{}
	}
}

func TestCaptureAccepted(t *testing.T) {
	camera := newFakeCamera()
	rec := &recorder{}
	field := newProbedField(t, camera, rec)

	done := startAsync(field)
	cb := camera.next(t)
	cb.OnCaptured()
	cb.OnCropped(Cropped{Metrics: Metrics{Glare: 70, Sharpness: 70}, Image: Image{Data: []byte("img"), ContentType: "image/jpeg"}})
	got := wait(t, done)

	if got.err != nil || got.result.Kind != ResultCaptured {
		t.Fatalf("result = %v, %v; want captured", got.result.Kind, got.err)
	}
	if field.State() != StateAccepted {
		t.Fatalf("state = %s, want accepted", field.State())
	}
	if value, ok := field.Value(); !ok || string(value.Data) != "img" {
		t.Fatalf("value = %q, %v", value.Data, ok)
	}
	if field.Session().Metrics != (Metrics{Glare: 70, Sharpness: 70}) {
		t.Fatalf("session metrics = %+v", field.Session().Metrics)
	}
	if camera.ends.Load() != 1 {
		t.Fatalf("ends = %d, want 1", camera.ends.Load())
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.order) != 2 || rec.order[0] != "change" || rec.order[1] != "error" || rec.errs[0] != nil {
		t.Fatalf("notifications = %v (errs %v), want change then cleared error", rec.order, rec.errs)
	}
}

func TestCaptureRejectedThenRetryClearsError(t *testing.T) {
	camera := newFakeCamera()
	rec := &recorder{}
	field := newProbedField(t, camera, rec)

	done := startAsync(field)
	camera.next(t).OnCropped(Cropped{Metrics: Metrics{Glare: 38, Sharpness: 70}, Image: Image{Data: []byte("a")}})
	wait(t, done)

	if field.State() != StateRejected {
		t.Fatalf("state = %s, want rejected", field.State())
	}
	if _, ok := field.Value(); ok {
		t.Fatal("rejected capture must not store a value")
	}
	if apperrors.CodeOf(field.Err()) != apperrors.CodeGlareTooLow {
		t.Fatalf("err code = %s, want glare", apperrors.CodeOf(field.Err()))
	}

	done = startAsync(field)
	camera.next(t).OnCropped(Cropped{Metrics: Metrics{Glare: 80, Sharpness: 80}, Image: Image{Data: []byte("b")}})
	wait(t, done)

	if field.Err() != nil {
		t.Fatalf("err = %v, want cleared after passing capture", field.Err())
	}
	if camera.starts.Load() != camera.ends.Load() {
		t.Fatalf("starts/ends = %d/%d", camera.starts.Load(), camera.ends.Load())
	}
}

func TestCaptureFailureEndsAttempt(t *testing.T) {
	camera := newFakeCamera()
	rec := &recorder{}
	field := newProbedField(t, camera, rec)

	done := startAsync(field)
	camera.next(t).OnError(errors.New("sensor fault"))
	got := wait(t, done)

	if got.result.Kind != ResultFailed {
		t.Fatalf("kind = %s, want failed", got.result.Kind)
	}
	if !apperrors.HasCode(field.Err(), apperrors.CodeCaptureFailure) {
		t.Fatalf("err = %v, want capture failure", field.Err())
	}
	if field.State() != StateIdle {
		t.Fatalf("state = %s, want idle", field.State())
	}
	if camera.ends.Load() != 1 {
		t.Fatalf("ends = %d, want 1", camera.ends.Load())
	}
}

func TestStartErrorStillEndsCamera(t *testing.T) {
	camera := newFakeCamera()
	camera.startErr = errors.New("permission denied")
	field := newProbedField(t, camera, &recorder{})

	result, err := field.StartCapture(context.Background())
	if err != nil {
		t.Fatalf("start capture: %v", err)
	}
	if result.Kind != ResultFailed {
		t.Fatalf("kind = %s, want failed", result.Kind)
	}
	if camera.starts.Load() != 1 || camera.ends.Load() != 1 {
		t.Fatalf("starts/ends = %d/%d, want 1/1", camera.starts.Load(), camera.ends.Load())
	}
}

func TestSecondCaptureWhileBusyIsRejected(t *testing.T) {
	camera := newFakeCamera()
	field := newProbedField(t, camera, &recorder{})

	done := startAsync(field)
	cb := camera.next(t)
	if _, err := field.StartCapture(context.Background()); !errors.Is(err, ErrCaptureInProgress) {
		t.Fatalf("second start err = %v, want in progress", err)
	}
	waitForState(t, field, StateCapturing)
	cb.OnCropped(Cropped{Metrics: Metrics{Glare: 90, Sharpness: 90}})
	wait(t, done)
	if camera.starts.Load() != 1 {
		t.Fatalf("starts = %d, want 1", camera.starts.Load())
	}
}

func TestCloseMidCaptureEndsOnceAndSuppressesCallbacks(t *testing.T) {
	camera := newFakeCamera()
	rec := &recorder{}
	field := newProbedField(t, camera, rec)

	done := startAsync(field)
	cb := camera.next(t)
	field.Close()
	got := wait(t, done)

	cb.OnCaptured()
	cb.OnCropped(Cropped{Metrics: Metrics{Glare: 90, Sharpness: 90}, Image: Image{Data: []byte("late")}})
	cb.OnError(errors.New("late"))

	if got.result.Kind != ResultCanceled {
		t.Fatalf("kind = %s, want canceled", got.result.Kind)
	}
	if camera.ends.Load() != 1 {
		t.Fatalf("ends = %d, want 1", camera.ends.Load())
	}
	if changes, errs := rec.counts(); changes != 0 || errs != 0 {
		t.Fatalf("side effects after close = %d changes, %d errors", changes, errs)
	}
	if _, err := field.StartCapture(context.Background()); err == nil {
		t.Fatal("expected closed field to refuse capture")
	}
}

func TestStartEndBalanceAcrossSequences(t *testing.T) {
	camera := newFakeCamera()
	field := newProbedField(t, camera, &recorder{})

	for i := 0; i < 5; i++ {
		done := startAsync(field)
		cb := camera.next(t)
		if i%2 == 0 {
			cb.OnCropped(Cropped{Metrics: Metrics{Glare: 90, Sharpness: 90}})
		} else {
			cb.OnError(errors.New("flaky"))
		}
		wait(t, done)
	}
	done := startAsync(field)
	camera.next(t)
	field.Close()
	wait(t, done)

	if camera.starts.Load() != 6 || camera.ends.Load() != 6 {
		t.Fatalf("starts/ends = %d/%d, want 6/6", camera.starts.Load(), camera.ends.Load())
	}
}

func TestUnsupportedProbeKeepsFieldIdle(t *testing.T) {
	rec := &recorder{}
	opts := rec.options(newFakeCamera())
	opts.Probe = ProbeFunc(func(context.Context) (bool, error) { return false, errors.New("no camera") })
	field := NewField(FieldBack, opts)

	if _, err := field.Probe(context.Background()); err == nil {
		t.Fatal("expected probe error")
	}
	if !field.UploadFallback() {
		t.Fatal("expected upload fallback")
	}
	if _, err := field.StartCapture(context.Background()); !errors.Is(err, ErrCaptureUnsupported) {
		t.Fatalf("err = %v, want unsupported", err)
	}
	if field.State() != StateIdle {
		t.Fatalf("state = %s, want idle", field.State())
	}
}

func TestUploadChecksFileTypeOnly(t *testing.T) {
	rec := &recorder{}
	field := NewField(FieldFront, rec.options(nil))

	if err := field.Upload(Image{Data: []byte("%PDF"), ContentType: "application/pdf"}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if apperrors.CodeOf(field.Err()) != apperrors.CodeUnsupportedFileType {
		t.Fatalf("err = %v, want unsupported file type", field.Err())
	}
	if _, ok := field.Value(); ok {
		t.Fatal("invalid upload must not store a value")
	}

	if err := field.Upload(Image{Data: []byte("jpg"), ContentType: "image/jpeg"}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if field.Err() != nil {
		t.Fatalf("err = %v, want cleared by valid upload", field.Err())
	}
	if field.State() != StateAccepted {
		t.Fatalf("state = %s, want accepted", field.State())
	}
}

func waitForState(t *testing.T, field *Field, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for field.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", field.State(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
