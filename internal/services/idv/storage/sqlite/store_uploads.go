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

// PutUpload stores or replaces the ciphertext for one session field. It
// returns storage.ErrNotFound when the session does not exist.
func (s *Store) PutUpload(ctx context.Context, upload storage.Upload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	upload.SessionUUID = strings.TrimSpace(upload.SessionUUID)
	upload.Field = strings.TrimSpace(upload.Field)
	if upload.SessionUUID == "" {
		return fmt.Errorf("session uuid is required")
	}
	if upload.Field == "" {
		return fmt.Errorf("field is required")
	}
	if len(upload.Ciphertext) == 0 {
		return fmt.Errorf("ciphertext is required")
	}
	if upload.CreatedAt.IsZero() {
		upload.CreatedAt = time.Now().UTC()
	}

	result, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO idv_uploads (session_uuid, field, ciphertext, created_at)
SELECT ?, ?, ?, ?
WHERE EXISTS (SELECT 1 FROM idv_document_capture_sessions WHERE uuid = ?)
ON CONFLICT(session_uuid, field) DO UPDATE SET
	ciphertext = excluded.ciphertext,
	created_at = excluded.created_at
`, upload.SessionUUID, upload.Field, upload.Ciphertext, toMillis(upload.CreatedAt), upload.SessionUUID)
	if err != nil {
		return fmt.Errorf("put upload: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("put upload rows affected: %w", err)
	}
	if rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetUpload returns the stored ciphertext for one session field.
func (s *Store) GetUpload(ctx context.Context, sessionUUID, field string) (storage.Upload, error) {
	if err := ctx.Err(); err != nil {
		return storage.Upload{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Upload{}, fmt.Errorf("storage is not configured")
	}
	sessionUUID = strings.TrimSpace(sessionUUID)
	field = strings.TrimSpace(field)
	if sessionUUID == "" {
		return storage.Upload{}, fmt.Errorf("session uuid is required")
	}
	if field == "" {
		return storage.Upload{}, fmt.Errorf("field is required")
	}

	var upload storage.Upload
	var createdAt int64
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT session_uuid, field, ciphertext, created_at
FROM idv_uploads
WHERE session_uuid = ? AND field = ?
`, sessionUUID, field).Scan(&upload.SessionUUID, &upload.Field, &upload.Ciphertext, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Upload{}, storage.ErrNotFound
		}
		return storage.Upload{}, fmt.Errorf("get upload: %w", err)
	}
	upload.CreatedAt = fromMillis(createdAt)
	return upload, nil
}
