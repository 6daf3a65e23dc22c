package domain

import (
	"errors"
	"slices"

	apperrors "github.com/louisbranch/idproof/internal/platform/errors"
)

// deadLetterCodes are domain codes that no retry can fix.
var deadLetterCodes = []apperrors.Code{
	apperrors.CodeResolutionPayloadInvalid,
	apperrors.CodeFlowSessionMissingPII,
	apperrors.CodeCaptureSessionMissing,
}

type permanentError struct {
	cause error
}

func (e *permanentError) Error() string {
	return e.cause.Error()
}

func (e *permanentError) Unwrap() error {
	return e.cause
}

// Permanent marks err so the worker loop dead-letters the event instead of
// scheduling a retry.
func Permanent(err error) error {
	if err == nil || IsPermanent(err) {
		return err
	}
	return &permanentError{cause: err}
}

// IsPermanent reports whether err was marked with Permanent or carries a
// dead-letter domain code.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var marked *permanentError
	if errors.As(err, &marked) {
		return true
	}
	return slices.Contains(deadLetterCodes, apperrors.CodeOf(err))
}
