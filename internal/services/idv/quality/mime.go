package quality

import (
	"fmt"
	"mime"
	"regexp"
	"strings"

	apperrors "github.com/louisbranch/idproof/internal/platform/errors"
)

var concreteMIME = regexp.MustCompile(`^[\w-]+/[\w-]+$`)

// AcceptPattern converts one token of a file input accept list into a
// pattern. Wildcard media tokens match any subtype. It returns false for
// tokens it cannot interpret, such as file extensions.
func AcceptPattern(token string) (*regexp.Regexp, bool) {
	token = strings.TrimSpace(token)
	switch token {
	case "audio/*", "video/*", "image/*":
		kind, _, _ := strings.Cut(token, "/")
		return regexp.MustCompile("^" + kind + "/.+"), true
	}
	if !concreteMIME.MatchString(token) {
		return nil, false
	}
	return regexp.MustCompile("^" + regexp.QuoteMeta(token) + "$"), true
}

// IsValidForAccepts reports whether mimeType satisfies any accept token. An
// empty accept list allows everything.
func IsValidForAccepts(mimeType string, accept []string) bool {
	if len(accept) == 0 {
		return true
	}
	mimeType = baseMediaType(mimeType)
	for _, token := range accept {
		if pattern, ok := AcceptPattern(token); ok && pattern.MatchString(mimeType) {
			return true
		}
	}
	return false
}

// IsImage reports whether value is an image content type or an image data URL.
func IsImage(value string) bool {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "data:") {
		return strings.HasPrefix(value, "data:image/")
	}
	return IsValidForAccepts(value, []string{"image/*"})
}

// CheckFileType returns an UnsupportedFileType error when mimeType is not allowed.
func CheckFileType(mimeType string, accept []string) error {
	if IsValidForAccepts(mimeType, accept) {
		return nil
	}
	return apperrors.WithMetadata(apperrors.CodeUnsupportedFileType,
		fmt.Sprintf("file type %q is not accepted", mimeType),
		map[string]string{"content_type": mimeType},
	)
}

func baseMediaType(value string) string {
	value = strings.TrimSpace(value)
	if parsed, _, err := mime.ParseMediaType(value); err == nil {
		return parsed
	}
	return strings.ToLower(value)
}
