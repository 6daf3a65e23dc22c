package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/idproof/internal/services/idv/storage"
)

// CreateCaptureSession inserts a new document capture session.
func (s *Store) CreateCaptureSession(ctx context.Context, session storage.CaptureSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	session.UUID = strings.TrimSpace(session.UUID)
	session.UserID = strings.TrimSpace(session.UserID)
	if session.UUID == "" {
		return fmt.Errorf("session uuid is required")
	}
	if session.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	if session.ResultStatus == "" {
		session.ResultStatus = storage.ResultPending
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO idv_document_capture_sessions (
	uuid,
	user_id,
	requested_at,
	encrypted_pii,
	result_status,
	result_json,
	result_at,
	created_at,
	updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		session.UUID,
		session.UserID,
		nullMillis(session.RequestedAt),
		nullBytes(session.EncryptedPII),
		session.ResultStatus,
		nullBytes(session.ResultJSON),
		nullMillis(session.ResultAt),
		toMillis(session.CreatedAt),
		toMillis(session.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create capture session: %w", err)
	}
	return nil
}

// GetCaptureSession returns one capture session by UUID.
func (s *Store) GetCaptureSession(ctx context.Context, uuid string) (storage.CaptureSession, error) {
	if err := ctx.Err(); err != nil {
		return storage.CaptureSession{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.CaptureSession{}, fmt.Errorf("storage is not configured")
	}
	uuid = strings.TrimSpace(uuid)
	if uuid == "" {
		return storage.CaptureSession{}, fmt.Errorf("session uuid is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT uuid, user_id, requested_at, encrypted_pii, result_status, result_json, result_at, created_at, updated_at
FROM idv_document_capture_sessions
WHERE uuid = ?
`, uuid)

	var session storage.CaptureSession
	var requestedAt sql.NullInt64
	var resultAt sql.NullInt64
	var createdAt int64
	var updatedAt int64
	if err := row.Scan(
		&session.UUID,
		&session.UserID,
		&requestedAt,
		&session.EncryptedPII,
		&session.ResultStatus,
		&session.ResultJSON,
		&resultAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.CaptureSession{}, storage.ErrNotFound
		}
		return storage.CaptureSession{}, fmt.Errorf("get capture session: %w", err)
	}
	session.EncryptedPII = emptyToNil(session.EncryptedPII)
	session.ResultJSON = emptyToNil(session.ResultJSON)
	session.RequestedAt = timePtr(requestedAt)
	session.ResultAt = timePtr(resultAt)
	session.CreatedAt = fromMillis(createdAt)
	session.UpdatedAt = fromMillis(updatedAt)
	return session, nil
}

// RequestResolution stamps the session as requested and enqueues event in
// the same transaction.
func (s *Store) RequestResolution(ctx context.Context, uuid string, requestedAt time.Time, event storage.OutboxEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	uuid = strings.TrimSpace(uuid)
	if uuid == "" {
		return fmt.Errorf("session uuid is required")
	}
	if requestedAt.IsZero() {
		requestedAt = time.Now().UTC()
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("start request transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.ExecContext(ctx, `
UPDATE idv_document_capture_sessions
SET
	requested_at = ?,
	result_status = ?,
	result_json = NULL,
	result_at = NULL,
	updated_at = ?
WHERE uuid = ?
`,
		toMillis(requestedAt),
		storage.ResultPending,
		toMillis(requestedAt),
		uuid,
	)
	if err := requireRow(result, err, "request resolution"); err != nil {
		return err
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = requestedAt
	}
	if err := enqueueOutboxEvent(ctx, tx, event); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit request transaction: %w", err)
	}
	return nil
}

// StoreProofingPII attaches sealed document PII to the session.
func (s *Store) StoreProofingPII(ctx context.Context, uuid string, encryptedPII []byte, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	uuid = strings.TrimSpace(uuid)
	if uuid == "" {
		return fmt.Errorf("session uuid is required")
	}
	if len(encryptedPII) == 0 {
		return fmt.Errorf("encrypted pii is required")
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE idv_document_capture_sessions
SET encrypted_pii = ?, updated_at = ?
WHERE uuid = ?
`, encryptedPII, toMillis(at), uuid)
	return requireRow(result, err, "store proofing pii")
}

// StoreCaptureResult records the async resolution outcome.
func (s *Store) StoreCaptureResult(ctx context.Context, uuid string, status storage.ResultStatus, resultJSON []byte, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	uuid = strings.TrimSpace(uuid)
	if uuid == "" {
		return fmt.Errorf("session uuid is required")
	}
	switch status {
	case storage.ResultSuccess, storage.ResultFailure:
	default:
		return fmt.Errorf("result status %q is not terminal", status)
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE idv_document_capture_sessions
SET result_status = ?, result_json = ?, result_at = ?, updated_at = ?
WHERE uuid = ?
`, status, nullBytes(resultJSON), toMillis(at), toMillis(at), uuid)
	return requireRow(result, err, "store capture result")
}

func requireRow(result sql.Result, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if rowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
