package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/idproof/internal/services/idv/throttle"
)

// Increment consumes one attempt for the key in a single conditional upsert.
// Concurrent callers serialize on the row so the window never exceeds
// policy.MaxAttempts.
func (s *Store) Increment(ctx context.Context, subjectID string, action throttle.Action, policy throttle.Policy, now time.Time) (throttle.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return throttle.Record{}, false, err
	}
	if s == nil || s.sqlDB == nil {
		return throttle.Record{}, false, fmt.Errorf("storage is not configured")
	}
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return throttle.Record{}, false, fmt.Errorf("subject id is required")
	}
	if strings.TrimSpace(string(action)) == "" {
		return throttle.Record{}, false, fmt.Errorf("action is required")
	}
	if policy.MaxAttempts <= 0 || policy.Window <= 0 {
		return throttle.Record{}, false, fmt.Errorf("policy is invalid")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	nowMillis := toMillis(now)
	expiresMillis := toMillis(now.Add(policy.Window))

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return throttle.Record{}, false, fmt.Errorf("start throttle transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.ExecContext(ctx, `
INSERT INTO idv_throttles (subject_id, action, attempts, window_expires_at, updated_at)
VALUES (?, ?, 1, ?, ?)
ON CONFLICT(subject_id, action) DO UPDATE SET
	attempts = CASE
		WHEN idv_throttles.window_expires_at <= ? THEN 1
		ELSE idv_throttles.attempts + 1
	END,
	window_expires_at = CASE
		WHEN idv_throttles.window_expires_at <= ? THEN excluded.window_expires_at
		ELSE idv_throttles.window_expires_at
	END,
	updated_at = excluded.updated_at
WHERE idv_throttles.window_expires_at <= ? OR idv_throttles.attempts < ?
`,
		subjectID,
		string(action),
		expiresMillis,
		nowMillis,
		nowMillis,
		nowMillis,
		nowMillis,
		policy.MaxAttempts,
	)
	if err != nil {
		return throttle.Record{}, false, fmt.Errorf("increment throttle: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return throttle.Record{}, false, fmt.Errorf("increment throttle rows affected: %w", err)
	}

	record, err := getThrottle(ctx, tx, subjectID, action)
	if err != nil {
		return throttle.Record{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return throttle.Record{}, false, fmt.Errorf("commit throttle transaction: %w", err)
	}
	return record, rowsAffected > 0, nil
}

// Get returns the stored counter, or a zero-attempt record when absent.
func (s *Store) Get(ctx context.Context, subjectID string, action throttle.Action) (throttle.Record, error) {
	if err := ctx.Err(); err != nil {
		return throttle.Record{}, err
	}
	if s == nil || s.sqlDB == nil {
		return throttle.Record{}, fmt.Errorf("storage is not configured")
	}
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return throttle.Record{}, fmt.Errorf("subject id is required")
	}
	return getThrottle(ctx, s.sqlDB, subjectID, action)
}

type queryRowContexter interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getThrottle(ctx context.Context, q queryRowContexter, subjectID string, action throttle.Action) (throttle.Record, error) {
	record := throttle.Record{SubjectID: subjectID, Action: action}
	var expiresAt int64
	err := q.QueryRowContext(ctx, `
SELECT attempts, window_expires_at
FROM idv_throttles
WHERE subject_id = ? AND action = ?
`, subjectID, string(action)).Scan(&record.Attempts, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return record, nil
		}
		return throttle.Record{}, fmt.Errorf("get throttle: %w", err)
	}
	record.WindowExpiresAt = fromMillis(expiresAt)
	return record, nil
}
