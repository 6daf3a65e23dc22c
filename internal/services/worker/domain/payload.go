package domain

import (
	"encoding/json"
	"strings"

	apperrors "github.com/louisbranch/idproof/internal/platform/errors"
	"github.com/louisbranch/idproof/internal/services/idv/storage"
)

// decodeDocumentCaptureSubmitted rejects malformed events before any vendor
// call. Its errors carry CodeResolutionPayloadInvalid and are dead-lettered.
func decodeDocumentCaptureSubmitted(event storage.OutboxEvent) (storage.DocumentCaptureSubmitted, error) {
	var payload storage.DocumentCaptureSubmitted
	if err := json.Unmarshal(event.PayloadJSON, &payload); err != nil {
		return storage.DocumentCaptureSubmitted{}, apperrors.Wrap(apperrors.CodeResolutionPayloadInvalid, "decode document capture payload", err)
	}
	payload.SessionUUID = strings.TrimSpace(payload.SessionUUID)
	if payload.SessionUUID == "" {
		return storage.DocumentCaptureSubmitted{}, apperrors.New(apperrors.CodeResolutionPayloadInvalid, "session_uuid is required in document capture payload")
	}
	if len(payload.Sealed) == 0 {
		return storage.DocumentCaptureSubmitted{}, apperrors.New(apperrors.CodeResolutionPayloadInvalid, "sealed images are required in document capture payload")
	}
	payload.UserID = strings.TrimSpace(payload.UserID)
	return payload, nil
}

func decodeResolutionRequested(event storage.OutboxEvent) (storage.ResolutionRequested, error) {
	var payload storage.ResolutionRequested
	if err := json.Unmarshal(event.PayloadJSON, &payload); err != nil {
		return storage.ResolutionRequested{}, apperrors.Wrap(apperrors.CodeResolutionPayloadInvalid, "decode resolution payload", err)
	}
	payload.SessionUUID = strings.TrimSpace(payload.SessionUUID)
	if payload.SessionUUID == "" {
		return storage.ResolutionRequested{}, apperrors.New(apperrors.CodeResolutionPayloadInvalid, "session_uuid is required in resolution payload")
	}
	payload.UserID = strings.TrimSpace(payload.UserID)
	return payload, nil
}
