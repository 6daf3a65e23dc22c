// Package storage defines the worker's own persistence: an audit trail of
// every outbox delivery attempt.
package storage

import (
	"context"
	"time"
)

// Attempt outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeRetry     = "retry"
	OutcomeDead      = "dead"
)

// AttemptRecord is one durable worker processing outcome record.
type AttemptRecord struct {
	ID           int64
	EventID      string
	EventType    string
	Consumer     string
	Outcome      string
	AttemptCount int
	LastError    string
	Duration     time.Duration
	CreatedAt    time.Time
}

// AttemptStore persists worker processing attempt records.
type AttemptStore interface {
	RecordAttempt(ctx context.Context, attempt AttemptRecord) error
	ListAttempts(ctx context.Context, limit int) ([]AttemptRecord, error)
	ListEventAttempts(ctx context.Context, eventID string) ([]AttemptRecord, error)
}
