package app

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/louisbranch/idproof/internal/services/idv/storage"
	idvsqlite "github.com/louisbranch/idproof/internal/services/idv/storage/sqlite"
	workerdomain "github.com/louisbranch/idproof/internal/services/worker/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memoryRecorder struct {
	attempts []Attempt
}

func (r *memoryRecorder) RecordAttempt(_ context.Context, attempt Attempt) error {
	r.attempts = append(r.attempts, attempt)
	return nil
}

func (r *memoryRecorder) outcomes() []Outcome {
	outcomes := make([]Outcome, 0, len(r.attempts))
	for _, attempt := range r.attempts {
		outcomes = append(outcomes, attempt.Outcome)
	}
	return outcomes
}

func openTempIDVStore(t *testing.T) *idvsqlite.Store {
	t.Helper()
	store, err := idvsqlite.Open(filepath.Join(t.TempDir(), "idproof.db"))
	if err != nil {
		t.Fatalf("open idv store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close idv store: %v", err)
		}
	})
	return store
}

func enqueue(t *testing.T, store *idvsqlite.Store, id, eventType string, at time.Time) {
	t.Helper()
	if err := store.EnqueueOutboxEvent(context.Background(), storage.OutboxEvent{
		ID:          id,
		EventType:   eventType,
		PayloadJSON: []byte(`{}`),
		CreatedAt:   at,
	}); err != nil {
		t.Fatalf("enqueue %s: %v", id, err)
	}
}

func eventStatus(t *testing.T, store *idvsqlite.Store, id string) storage.OutboxEvent {
	t.Helper()
	event, err := store.GetOutboxEvent(context.Background(), id)
	if err != nil {
		t.Fatalf("get event %s: %v", id, err)
	}
	return event
}

func runOnce(t *testing.T, loop *Loop, want int) {
	t.Helper()
	got, err := loop.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if got != want {
		t.Fatalf("processed = %d, want %d", got, want)
	}
}

func TestLoopMarksSucceeded(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 2, 22, 1, 0, 0, 0, time.UTC)}
	store := openTempIDVStore(t)
	recorder := &memoryRecorder{}
	enqueue(t, store, "evt-1", storage.EventResolutionRequested, clock.Now())

	var handled []string
	loop := New(store, recorder, map[string]EventHandler{
		storage.EventResolutionRequested: EventHandlerFunc(func(_ context.Context, event storage.OutboxEvent) error {
			handled = append(handled, event.ID)
			return nil
		}),
	}, Config{}, clock.Now)

	runOnce(t, loop, 1)
	if diff := cmp.Diff([]string{"evt-1"}, handled); diff != "" {
		t.Fatalf("handled mismatch (-want +got):\n%s", diff)
	}
	if got := eventStatus(t, store, "evt-1").Status; got != storage.OutboxStatusSucceeded {
		t.Fatalf("status = %q, want %q", got, storage.OutboxStatusSucceeded)
	}
	if diff := cmp.Diff([]Outcome{OutcomeSucceeded}, recorder.outcomes()); diff != "" {
		t.Fatalf("outcomes mismatch (-want +got):\n%s", diff)
	}
	if recorder.attempts[0].AttemptCount != 1 {
		t.Fatalf("attempt count = %d, want 1", recorder.attempts[0].AttemptCount)
	}
	runOnce(t, loop, 0)
}

func TestLoopRetriesWithBackoff(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 2, 22, 1, 0, 0, 0, time.UTC)}
	store := openTempIDVStore(t)
	recorder := &memoryRecorder{}
	enqueue(t, store, "evt-1", storage.EventDocumentCaptureSubmitted, clock.Now())

	calls := 0
	loop := New(store, recorder, map[string]EventHandler{
		storage.EventDocumentCaptureSubmitted: EventHandlerFunc(func(context.Context, storage.OutboxEvent) error {
			calls++
			if calls == 1 {
				return errors.New("vendor timeout")
			}
			return nil
		}),
	}, Config{RetryBackoff: 10 * time.Second}, clock.Now)

	runOnce(t, loop, 1)
	event := eventStatus(t, store, "evt-1")
	if event.Status != storage.OutboxStatusPending {
		t.Fatalf("status = %q, want %q", event.Status, storage.OutboxStatusPending)
	}
	if event.LastError != "vendor timeout" {
		t.Fatalf("last error = %q, want %q", event.LastError, "vendor timeout")
	}
	if want := clock.Now().Add(10 * time.Second); !event.NextAttemptAt.Equal(want) {
		t.Fatalf("next attempt = %v, want %v", event.NextAttemptAt, want)
	}

	runOnce(t, loop, 0)
	clock.Advance(10 * time.Second)
	runOnce(t, loop, 1)

	if got := eventStatus(t, store, "evt-1").Status; got != storage.OutboxStatusSucceeded {
		t.Fatalf("status = %q, want %q", got, storage.OutboxStatusSucceeded)
	}
	if diff := cmp.Diff([]Outcome{OutcomeRetry, OutcomeSucceeded}, recorder.outcomes()); diff != "" {
		t.Fatalf("outcomes mismatch (-want +got):\n%s", diff)
	}
	if recorder.attempts[1].AttemptCount != 2 {
		t.Fatalf("second attempt count = %d, want 2", recorder.attempts[1].AttemptCount)
	}
}

func TestLoopDeadLetters(t *testing.T) {
	tests := []struct {
		name     string
		handlers map[string]EventHandler
		cfg      Config
		runs     int
		want     []Outcome
	}{
		{
			name: "permanent error",
			handlers: map[string]EventHandler{
				storage.EventResolutionRequested: EventHandlerFunc(func(context.Context, storage.OutboxEvent) error {
					return workerdomain.Permanent(errors.New("bad payload"))
				}),
			},
			runs: 1,
			want: []Outcome{OutcomeDead},
		},
		{
			name:     "unknown event type",
			handlers: map[string]EventHandler{},
			runs:     1,
			want:     []Outcome{OutcomeDead},
		},
		{
			name: "max attempts",
			handlers: map[string]EventHandler{
				storage.EventResolutionRequested: EventHandlerFunc(func(context.Context, storage.OutboxEvent) error {
					return errors.New("still down")
				}),
			},
			cfg:  Config{MaxAttempts: 2, RetryBackoff: time.Second, RetryMaxDelay: time.Second},
			runs: 2,
			want: []Outcome{OutcomeRetry, OutcomeDead},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clock := &fakeClock{now: time.Date(2026, 2, 22, 1, 0, 0, 0, time.UTC)}
			store := openTempIDVStore(t)
			recorder := &memoryRecorder{}
			enqueue(t, store, "evt-1", storage.EventResolutionRequested, clock.Now())
			loop := New(store, recorder, tc.handlers, tc.cfg, clock.Now)

			for i := 0; i < tc.runs; i++ {
				runOnce(t, loop, 1)
				clock.Advance(time.Minute)
			}
			if got := eventStatus(t, store, "evt-1").Status; got != storage.OutboxStatusDead {
				t.Fatalf("status = %q, want %q", got, storage.OutboxStatusDead)
			}
			if diff := cmp.Diff(tc.want, recorder.outcomes()); diff != "" {
				t.Fatalf("outcomes mismatch (-want +got):\n%s", diff)
			}
			runOnce(t, loop, 0)
		})
	}
}

func TestLoopRunStopsOnCancel(t *testing.T) {
	store := openTempIDVStore(t)
	loop := New(store, nil, nil, Config{PollInterval: time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- loop.Run(ctx)
	}()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

func TestConfigNormalized(t *testing.T) {
	got := Config{Consumer: "  "}.normalized()
	want := Config{
		Consumer:      defaultConsumer,
		PollInterval:  defaultPollInterval,
		LeaseTTL:      defaultLeaseTTL,
		BatchSize:     defaultBatchSize,
		MaxAttempts:   defaultMaxAttempts,
		RetryBackoff:  defaultRetryBackoff,
		RetryMaxDelay: defaultRetryMaxDelay,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("normalized mismatch (-want +got):\n%s", diff)
	}
}

func TestRetryDelay(t *testing.T) {
	cfg := Config{RetryBackoff: 5 * time.Second, RetryMaxDelay: time.Minute}.normalized()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, time.Minute},
		{30, time.Minute},
	}
	for _, tc := range tests {
		if got := cfg.retryDelay(tc.attempt); got != tc.want {
			t.Fatalf("retryDelay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}
