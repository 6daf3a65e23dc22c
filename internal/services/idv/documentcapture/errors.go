package documentcapture

import (
	"strings"

	apperrors "github.com/louisbranch/idproof/internal/platform/errors"
)

// FormEntryError is a server-reported error for one form field.
type FormEntryError struct {
	Field   string
	Message string
}

func (e FormEntryError) Error() string {
	return e.Message
}

// UploadFormEntriesError reports field-level rejections from the server.
// The flow shows these inline on the review step.
type UploadFormEntriesError struct {
	Entries []FormEntryError
}

func (e *UploadFormEntriesError) Error() string {
	parts := make([]string, 0, len(e.Entries))
	for _, entry := range e.Entries {
		parts = append(parts, entry.Field+": "+entry.Message)
	}
	return "upload form entries rejected: " + strings.Join(parts, "; ")
}

// ErrThrottled is returned once the server reports the user out of attempts.
var ErrThrottled = apperrors.New(apperrors.CodeRateLimitExceeded, "document verification throttled")

// unknownSubmissionFailure wraps failures that are neither field errors nor
// throttling. The flow shows them as a banner.
func unknownSubmissionFailure(err error) error {
	return apperrors.Wrap(apperrors.CodeUnknownSubmissionFailure, "submission failed", err)
}

// formFieldFor maps a server error key to the form field that produced it.
func formFieldFor(key string) string {
	return strings.TrimSuffix(key, "_image_url")
}

func entriesFromErrors(errs map[string][]string) []FormEntryError {
	var entries []FormEntryError
	for _, key := range sortedKeys(errs) {
		for _, message := range errs[key] {
			entries = append(entries, FormEntryError{Field: formFieldFor(key), Message: message})
		}
	}
	return entries
}
