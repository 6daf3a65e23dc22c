package storage

import "time"

// OutboxStatus is the delivery state of an outbox event.
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusLeased    OutboxStatus = "leased"
	OutboxStatusSucceeded OutboxStatus = "succeeded"
	OutboxStatusDead      OutboxStatus = "dead"
)

// Event types dispatched by the worker.
const (
	EventDocumentCaptureSubmitted = "idv.document_capture.submitted"
	EventResolutionRequested      = "idv.resolution.requested"
)

// OutboxEvent is one durable handoff to the worker.
type OutboxEvent struct {
	ID             string
	EventType      string
	PayloadJSON    []byte
	DedupeKey      string
	Status         OutboxStatus
	AttemptCount   int
	NextAttemptAt  time.Time
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	LastError      string
	ProcessedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DocumentCaptureSubmitted is the payload of EventDocumentCaptureSubmitted.
// Sealed carries the image references and client key, encrypted with the
// PII cipher.
type DocumentCaptureSubmitted struct {
	SessionUUID string `json:"session_uuid"`
	UserID      string `json:"user_id"`
	Sealed      []byte `json:"sealed"`
}

// ImageReference locates one encrypted upload.
type ImageReference struct {
	URL string `json:"url"`
	IV  string `json:"iv,omitempty"`
}

// SubmittedImages is the sealed content of DocumentCaptureSubmitted.
type SubmittedImages struct {
	EncryptionKey string          `json:"encryption_key"`
	Front         ImageReference  `json:"front"`
	Back          ImageReference  `json:"back"`
	Selfie        *ImageReference `json:"selfie,omitempty"`
}

// ResolutionRequested is the payload of EventResolutionRequested.
type ResolutionRequested struct {
	SessionUUID        string `json:"session_uuid"`
	UserID             string `json:"user_id"`
	ShouldProofStateID bool   `json:"should_proof_state_id"`
}
