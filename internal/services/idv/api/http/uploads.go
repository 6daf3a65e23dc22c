package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	apperrors "github.com/louisbranch/idproof/internal/platform/errors"
	"github.com/louisbranch/idproof/internal/services/idv/storage"
)

func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	claims, err := s.deps.Tokens.Parse(chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := s.deps.Sessions.GetCaptureSession(r.Context(), claims.SessionUUID); err != nil {
		writeError(w, r, err)
		return
	}
	if !s.limiters.allow(claims.SessionUUID, s.now()) {
		writeError(w, r, apperrors.WithMetadata(apperrors.CodeRateLimitExceeded, "upload rate exceeded",
			map[string]string{"window": "a few seconds"}))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, apperrors.New(apperrors.CodeUploadPayloadTooLarge, "upload exceeds size limit"))
			return
		}
		writeError(w, r, apperrors.Wrap(apperrors.CodeUploadTransportFailure, "read upload body", err))
		return
	}
	if len(body) == 0 {
		writeError(w, r, apperrors.New(apperrors.CodeValidationFailed, "upload body is empty"))
		return
	}
	err = s.deps.Uploads.PutUpload(r.Context(), storage.Upload{
		SessionUUID: claims.SessionUUID,
		Field:       claims.Field,
		Ciphertext:  body,
		CreatedAt:   s.now(),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
