package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/louisbranch/idproof/internal/services/idv/storage"
)

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestNilStoreIsNotConfigured(t *testing.T) {
	var store *Store
	if err := store.Close(); err != nil {
		t.Fatalf("close nil store: %v", err)
	}
	if _, err := store.GetCaptureSession(context.Background(), "s-1"); err == nil {
		t.Fatal("expected error from nil store")
	}
}

func TestCaptureSessionRoundTrip(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := store.CreateCaptureSession(context.Background(), storage.CaptureSession{
		UUID:      " sess-1 ",
		UserID:    "user-1",
		CreatedAt: now,
	}); err != nil {
		t.Fatalf("create capture session: %v", err)
	}

	got, err := store.GetCaptureSession(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("get capture session: %v", err)
	}
	want := storage.CaptureSession{
		UUID:         "sess-1",
		UserID:       "user-1",
		ResultStatus: storage.ResultPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("capture session mismatch (-want +got):\n%s", diff)
	}
}

func TestGetCaptureSessionNotFound(t *testing.T) {
	store := openTempStore(t)
	if _, err := store.GetCaptureSession(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateCaptureSessionValidatesInput(t *testing.T) {
	store := openTempStore(t)
	if err := store.CreateCaptureSession(context.Background(), storage.CaptureSession{UserID: "u"}); err == nil {
		t.Fatal("expected error for missing uuid")
	}
	if err := store.CreateCaptureSession(context.Background(), storage.CaptureSession{UUID: "s"}); err == nil {
		t.Fatal("expected error for missing user id")
	}
}

func TestRequestResolutionStampsSessionAndEnqueues(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	createSession(t, store, "sess-1", now)

	requestedAt := now.Add(time.Minute)
	err := store.RequestResolution(context.Background(), "sess-1", requestedAt, storage.OutboxEvent{
		ID:          "evt-1",
		EventType:   storage.EventDocumentCaptureSubmitted,
		PayloadJSON: []byte(`{"session_uuid":"sess-1"}`),
		DedupeKey:   "capture:sess-1:1",
	})
	if err != nil {
		t.Fatalf("request resolution: %v", err)
	}

	session, err := store.GetCaptureSession(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("get capture session: %v", err)
	}
	if session.RequestedAt == nil || !session.RequestedAt.Equal(requestedAt) {
		t.Fatalf("requested at = %v, want %v", session.RequestedAt, requestedAt)
	}

	event, err := store.GetOutboxEvent(context.Background(), "evt-1")
	if err != nil {
		t.Fatalf("get outbox event: %v", err)
	}
	if event.Status != storage.OutboxStatusPending {
		t.Fatalf("status = %q, want %q", event.Status, storage.OutboxStatusPending)
	}
	if !event.NextAttemptAt.Equal(requestedAt) {
		t.Fatalf("next attempt at = %v, want %v", event.NextAttemptAt, requestedAt)
	}
}

func TestRequestResolutionMissingSessionEnqueuesNothing(t *testing.T) {
	store := openTempStore(t)
	err := store.RequestResolution(context.Background(), "missing", time.Now().UTC(), storage.OutboxEvent{
		ID:        "evt-1",
		EventType: storage.EventDocumentCaptureSubmitted,
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := store.GetOutboxEvent(context.Background(), "evt-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("outbox err = %v, want ErrNotFound", err)
	}
}

func TestRequestResolutionClearsPreviousResult(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	createSession(t, store, "sess-1", now)

	if err := store.StoreCaptureResult(context.Background(), "sess-1", storage.ResultFailure, []byte(`{"success":false}`), now); err != nil {
		t.Fatalf("store capture result: %v", err)
	}
	if err := store.RequestResolution(context.Background(), "sess-1", now.Add(time.Minute), storage.OutboxEvent{
		ID:        "evt-2",
		EventType: storage.EventDocumentCaptureSubmitted,
	}); err != nil {
		t.Fatalf("request resolution: %v", err)
	}

	session, err := store.GetCaptureSession(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("get capture session: %v", err)
	}
	if session.ResultStatus != storage.ResultPending {
		t.Fatalf("result status = %q, want %q", session.ResultStatus, storage.ResultPending)
	}
	if session.ResultAt != nil {
		t.Fatalf("result at = %v, want nil", session.ResultAt)
	}
}

func TestStoreCaptureResultAndPII(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	createSession(t, store, "sess-1", now)

	if err := store.StoreCaptureResult(context.Background(), "sess-1", storage.ResultPending, nil, now); err == nil {
		t.Fatal("expected error for non-terminal status")
	}
	if err := store.StoreProofingPII(context.Background(), "sess-1", []byte("sealed"), now); err != nil {
		t.Fatalf("store proofing pii: %v", err)
	}
	if err := store.StoreCaptureResult(context.Background(), "sess-1", storage.ResultSuccess, []byte(`{"success":true}`), now.Add(time.Second)); err != nil {
		t.Fatalf("store capture result: %v", err)
	}

	session, err := store.GetCaptureSession(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("get capture session: %v", err)
	}
	if string(session.EncryptedPII) != "sealed" {
		t.Fatalf("encrypted pii = %q, want %q", session.EncryptedPII, "sealed")
	}
	if session.ResultStatus != storage.ResultSuccess {
		t.Fatalf("result status = %q, want %q", session.ResultStatus, storage.ResultSuccess)
	}
	if string(session.ResultJSON) != `{"success":true}` {
		t.Fatalf("result json = %q", session.ResultJSON)
	}
	if err := store.StoreCaptureResult(context.Background(), "missing", storage.ResultSuccess, nil, now); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUploadPutReplaceAndGet(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	createSession(t, store, "sess-1", now)

	if err := store.PutUpload(context.Background(), storage.Upload{SessionUUID: "sess-1", Field: "front", Ciphertext: []byte("one"), CreatedAt: now}); err != nil {
		t.Fatalf("put upload: %v", err)
	}
	if err := store.PutUpload(context.Background(), storage.Upload{SessionUUID: "sess-1", Field: "front", Ciphertext: []byte("two"), CreatedAt: now}); err != nil {
		t.Fatalf("replace upload: %v", err)
	}

	got, err := store.GetUpload(context.Background(), "sess-1", "front")
	if err != nil {
		t.Fatalf("get upload: %v", err)
	}
	want := storage.Upload{SessionUUID: "sess-1", Field: "front", Ciphertext: []byte("two"), CreatedAt: now}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("upload mismatch (-want +got):\n%s", diff)
	}

	if _, err := store.GetUpload(context.Background(), "sess-1", "back"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := store.PutUpload(context.Background(), storage.Upload{SessionUUID: "sess-1", Field: "back"}); err == nil {
		t.Fatal("expected error for empty ciphertext")
	}
}

func TestUploadRequiresExistingSession(t *testing.T) {
	store := openTempStore(t)
	err := store.PutUpload(context.Background(), storage.Upload{SessionUUID: "missing", Field: "front", Ciphertext: []byte("x")})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestOpenEnablesWALAndForeignKeys(t *testing.T) {
	store := openTempStore(t)
	var mode string
	if err := store.sqlDB.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode = %q, want %q", mode, "wal")
	}
	var foreignKeys int
	if err := store.sqlDB.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys); err != nil {
		t.Fatalf("foreign keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("foreign_keys = %d, want 1", foreignKeys)
	}
}

func TestCanceledContext(t *testing.T) {
	store := openTempStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.PutUpload(ctx, storage.Upload{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func createSession(t *testing.T, store *Store, uuid string, now time.Time) {
	t.Helper()
	if err := store.CreateCaptureSession(context.Background(), storage.CaptureSession{
		UUID:      uuid,
		UserID:    "user-1",
		CreatedAt: now,
	}); err != nil {
		t.Fatalf("create capture session: %v", err)
	}
}

func openTempStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "idv.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}
