package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/idproof/internal/services/idv/storage"
	workersqlite "github.com/louisbranch/idproof/internal/services/worker/storage/sqlite"
)

func TestAttemptStoreRecorder_EmptyConsumerUsesDefault(t *testing.T) {
	store := openTempWorkerStore(t)
	recorder := &attemptStoreRecorder{
		store:    store,
		consumer: "",
	}

	err := recorder.RecordAttempt(context.Background(), Attempt{
		EventID:      "evt-1",
		EventType:    storage.EventDocumentCaptureSubmitted,
		Outcome:      OutcomeSucceeded,
		AttemptCount: 1,
		CreatedAt:    time.Date(2026, 2, 22, 0, 20, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("record attempt: %v", err)
	}

	attempts, err := store.ListAttempts(context.Background(), 10)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("attempts len = %d, want 1", len(attempts))
	}
	if attempts[0].Consumer != defaultConsumer {
		t.Fatalf("consumer = %q, want %q", attempts[0].Consumer, defaultConsumer)
	}
}

func TestAttemptStoreRecorder_StoresCanonicalOutcomeValues(t *testing.T) {
	store := openTempWorkerStore(t)
	recorder := newAttemptStoreRecorder(store, "worker-1")
	now := time.Date(2026, 2, 22, 0, 25, 0, 0, time.UTC)

	cases := []struct {
		outcome Outcome
		want    string
	}{
		{outcome: OutcomeSucceeded, want: "succeeded"},
		{outcome: OutcomeRetry, want: "retry"},
		{outcome: OutcomeDead, want: "dead"},
	}

	for i, tc := range cases {
		if err := recorder.RecordAttempt(context.Background(), Attempt{
			EventID:      "evt-" + tc.want,
			EventType:    storage.EventResolutionRequested,
			Outcome:      tc.outcome,
			AttemptCount: i + 1,
			CreatedAt:    now.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("record attempt (%s): %v", tc.want, err)
		}
	}

	attempts, err := store.ListAttempts(context.Background(), 10)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != len(cases) {
		t.Fatalf("attempts len = %d, want %d", len(attempts), len(cases))
	}

	got := map[string]bool{}
	for _, attempt := range attempts {
		got[attempt.Outcome] = true
	}
	for _, tc := range cases {
		if !got[tc.want] {
			t.Fatalf("missing canonical outcome %q in stored attempts: %v", tc.want, got)
		}
	}
	if canonicalOutcomeValue(OutcomeUnspecified) != "unknown" {
		t.Fatalf("unspecified outcome = %q, want unknown", canonicalOutcomeValue(OutcomeUnspecified))
	}
}

func TestRunRequiresPIIKey(t *testing.T) {
	dir := t.TempDir()
	err := Run(context.Background(), RuntimeConfig{
		DBPath:    filepath.Join(dir, "worker.db"),
		IDVDBPath: filepath.Join(dir, "idproof.db"),
	})
	if err == nil {
		t.Fatal("expected error without pii key")
	}
}

func openTempWorkerStore(t *testing.T) *workersqlite.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.db")
	store, err := workersqlite.Open(path)
	if err != nil {
		t.Fatalf("open worker store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close worker store: %v", err)
		}
	})
	return store
}
