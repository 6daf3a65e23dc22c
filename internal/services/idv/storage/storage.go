package storage

import (
	"context"
	"time"

	apperrors "github.com/louisbranch/idproof/internal/platform/errors"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// ResultStatus is the async resolution outcome recorded on a capture session.
type ResultStatus string

const (
	ResultPending ResultStatus = "pending"
	ResultSuccess ResultStatus = "success"
	ResultFailure ResultStatus = "failure"
)

// CaptureSession correlates one proofing attempt with its owner.
type CaptureSession struct {
	UUID         string
	UserID       string
	RequestedAt  *time.Time
	EncryptedPII []byte
	ResultStatus ResultStatus
	ResultJSON   []byte
	ResultAt     *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Upload is an encrypted image received by the background upload endpoint.
type Upload struct {
	SessionUUID string
	Field       string
	Ciphertext  []byte
	CreatedAt   time.Time
}

// CaptureSessionStore persists document capture sessions.
type CaptureSessionStore interface {
	CreateCaptureSession(ctx context.Context, session CaptureSession) error
	GetCaptureSession(ctx context.Context, uuid string) (CaptureSession, error)
	// RequestResolution stamps requested-at and enqueues event in one transaction.
	RequestResolution(ctx context.Context, uuid string, requestedAt time.Time, event OutboxEvent) error
	StoreProofingPII(ctx context.Context, uuid string, encryptedPII []byte, at time.Time) error
	StoreCaptureResult(ctx context.Context, uuid string, status ResultStatus, resultJSON []byte, at time.Time) error
}

// UploadStore persists encrypted uploads keyed by session and field.
type UploadStore interface {
	PutUpload(ctx context.Context, upload Upload) error
	GetUpload(ctx context.Context, sessionUUID, field string) (Upload, error)
}

// OutboxStore persists the resolution outbox consumed by the worker.
type OutboxStore interface {
	EnqueueOutboxEvent(ctx context.Context, event OutboxEvent) error
	GetOutboxEvent(ctx context.Context, id string) (OutboxEvent, error)
	LeaseOutboxEvents(ctx context.Context, consumer string, limit int, now time.Time, leaseTTL time.Duration) ([]OutboxEvent, error)
	MarkOutboxSucceeded(ctx context.Context, id, consumer string, processedAt time.Time) error
	MarkOutboxRetry(ctx context.Context, id, consumer string, nextAttemptAt time.Time, lastError string) error
	MarkOutboxDead(ctx context.Context, id, consumer, lastError string, processedAt time.Time) error
}

// Store is the full identity verification persistence surface.
type Store interface {
	CaptureSessionStore
	UploadStore
	OutboxStore
}
