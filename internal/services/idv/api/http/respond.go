package http

import (
	"encoding/json"
	"log"
	"net/http"

	apperrors "github.com/louisbranch/idproof/internal/platform/errors"
	errori18n "github.com/louisbranch/idproof/internal/platform/errors/i18n"
	"github.com/louisbranch/idproof/internal/platform/requestctx"
)

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}

// writeError renders err with its domain status and a localized message.
// Errors without a domain code are logged and reported as UNKNOWN.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)
	if code == apperrors.CodeUnknown {
		log.Printf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, code.HTTPStatus(), errorResponse{
		Error:            string(code),
		ErrorDescription: errori18n.Message(err, requestctx.LocaleFromContext(r.Context())),
	})
}
