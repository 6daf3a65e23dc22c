package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	apperrors "github.com/louisbranch/idproof/internal/platform/errors"
	"github.com/louisbranch/idproof/internal/platform/requestctx"
	"github.com/louisbranch/idproof/internal/services/idv/documentcapture"
	"github.com/louisbranch/idproof/internal/services/idv/quality"
	"github.com/louisbranch/idproof/internal/services/idv/resolution"
	"github.com/louisbranch/idproof/internal/services/idv/storage"
	"github.com/louisbranch/idproof/internal/services/idv/upload"
	"github.com/louisbranch/idproof/internal/services/idv/verification"
)

func newSessionUUID() string {
	return uuid.NewString()
}

type createSessionResponse struct {
	DocumentCaptureSessionUUID string             `json:"document_capture_session_uuid"`
	EncryptionKey              string             `json:"encryption_key"`
	UploadURLs                 map[string]string  `json:"upload_urls"`
	Quality                    quality.Thresholds `json:"quality"`
}

type sessionStatusResponse struct {
	Status string              `json:"status"`
	Errors map[string][]string `json:"errors,omitempty"`
}

func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.cfg.RequireMFA && mfaFromContext(ctx).EnabledCount() == 0 {
		writeError(w, r, apperrors.New(apperrors.CodeMFARequired, "a second authentication factor is required"))
		return
	}
	sessionUUID := s.newUUID()
	err := s.deps.Sessions.CreateCaptureSession(ctx, storage.CaptureSession{
		UUID:      sessionUUID,
		UserID:    requestctx.UserIDFromContext(ctx),
		CreatedAt: s.now(),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	key, err := upload.DeriveSessionKey(s.cfg.UploadMasterKey, sessionUUID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	fields := []string{documentcapture.FieldFront, documentcapture.FieldBack}
	if s.cfg.LivenessCheckingEnabled {
		fields = append(fields, documentcapture.FieldSelfie)
	}
	urls := make(map[string]string, len(fields))
	for _, field := range fields {
		signed, err := s.deps.Signer.SignUploadURL(ctx, sessionUUID, field)
		if err != nil {
			writeError(w, r, err)
			return
		}
		urls[field] = signed
	}
	writeJSON(w, http.StatusCreated, createSessionResponse{
		DocumentCaptureSessionUUID: sessionUUID,
		EncryptionKey:              upload.EncodeKey(key),
		UploadURLs:                 urls,
		Quality:                    s.cfg.Quality,
	})
}

func (s *server) handleSubmitImages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req verification.Request
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	if err := decoder.Decode(&req); err != nil {
		writeError(w, r, apperrors.Wrap(apperrors.CodeValidationFailed, "request body is not valid JSON", err))
		return
	}
	sessionUUID := strings.TrimSpace(req.DocumentCaptureSessionUUID)
	if sessionUUID != "" {
		session, err := s.deps.Sessions.GetCaptureSession(ctx, sessionUUID)
		switch {
		case err == nil:
			if session.UserID != requestctx.UserIDFromContext(ctx) {
				writeError(w, r, storage.ErrNotFound)
				return
			}
		case !errors.Is(err, storage.ErrNotFound):
			writeError(w, r, err)
			return
		}
	}
	resp, err := s.deps.Verifier.Submit(ctx, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, resp.Status.HTTPStatus(), resp)
}

func (s *server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, err := s.deps.Sessions.GetCaptureSession(ctx, chi.URLParam(r, "uuid"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if session.UserID != requestctx.UserIDFromContext(ctx) {
		writeError(w, r, storage.ErrNotFound)
		return
	}
	resp := sessionStatusResponse{Status: string(session.ResultStatus)}
	if resp.Status == "" {
		resp.Status = string(storage.ResultPending)
	}
	if len(session.ResultJSON) > 0 {
		var result resolution.Result
		if err := json.Unmarshal(session.ResultJSON, &result); err != nil {
			writeError(w, r, err)
			return
		}
		resp.Errors = result.Errors
	}
	writeJSON(w, http.StatusOK, resp)
}
