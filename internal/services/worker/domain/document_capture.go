package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/louisbranch/idproof/internal/platform/errors"
	"github.com/louisbranch/idproof/internal/platform/timeouts"
	"github.com/louisbranch/idproof/internal/services/idv/pii"
	"github.com/louisbranch/idproof/internal/services/idv/resolution"
	"github.com/louisbranch/idproof/internal/services/idv/storage"
	"github.com/louisbranch/idproof/internal/services/idv/upload"
	"github.com/louisbranch/idproof/internal/services/idv/verification"
)

// Result error keys. Image keys match the submission fields so clients can
// show them inline.
const (
	frontErrorKey    = "front_image_url"
	backErrorKey     = "back_image_url"
	selfieErrorKey   = "selfie_image_url"
	documentErrorKey = "document"
)

// SessionStore is the capture session surface used by the worker handlers.
type SessionStore interface {
	GetCaptureSession(ctx context.Context, uuid string) (storage.CaptureSession, error)
	StoreProofingPII(ctx context.Context, uuid string, encryptedPII []byte, at time.Time) error
	RequestResolution(ctx context.Context, uuid string, requestedAt time.Time, event storage.OutboxEvent) error
	StoreCaptureResult(ctx context.Context, uuid string, status storage.ResultStatus, resultJSON []byte, at time.Time) error
}

// Cipher seals and opens PII and sealed event payloads.
type Cipher interface {
	SealJSON(v any) ([]byte, error)
	OpenJSON(sealed []byte, v any) error
}

// ResolutionStarter stores authenticated document PII on a capture session
// and enqueues its resolution, once per source event.
type ResolutionStarter interface {
	Resume(ctx context.Context, sessionUUID, userID string, document pii.Document, sourceID string) error
}

var _ ResolutionStarter = (*verification.VerifyStep)(nil)

// DocumentCaptureHandler authenticates submitted images and hands the
// extracted PII to identity resolution.
type DocumentCaptureHandler struct {
	sessions      SessionStore
	images        resolution.ImageReader
	authenticator resolution.DocumentAuthenticator
	cipher        Cipher
	starter       ResolutionStarter
	clock         func() time.Time
}

// NewDocumentCaptureHandler creates a document capture event handler.
func NewDocumentCaptureHandler(
	sessions SessionStore,
	images resolution.ImageReader,
	authenticator resolution.DocumentAuthenticator,
	cipher Cipher,
	starter ResolutionStarter,
	clock func() time.Time,
) *DocumentCaptureHandler {
	if clock == nil {
		clock = time.Now
	}
	return &DocumentCaptureHandler{
		sessions:      sessions,
		images:        images,
		authenticator: authenticator,
		cipher:        cipher,
		starter:       starter,
		clock:         clock,
	}
}

// Handle decrypts the submitted images, authenticates the document and
// enqueues resolution. Document problems end the session as a failure;
// infrastructure errors are returned for retry.
func (h *DocumentCaptureHandler) Handle(ctx context.Context, event storage.OutboxEvent) error {
	if h == nil || h.sessions == nil || h.images == nil || h.authenticator == nil || h.cipher == nil || h.starter == nil {
		return Permanent(fmt.Errorf("document capture handler is not configured"))
	}
	payload, err := decodeDocumentCaptureSubmitted(event)
	if err != nil {
		return err
	}
	var submitted storage.SubmittedImages
	if err := h.cipher.OpenJSON(payload.Sealed, &submitted); err != nil {
		return Permanent(fmt.Errorf("open sealed images: %w", err))
	}
	key, err := upload.DecodeKey(submitted.EncryptionKey)
	if err != nil {
		return Permanent(fmt.Errorf("encryption key: %w", err))
	}

	var images resolution.Images
	fieldErrs := map[string][]string{}
	refs := []struct {
		ref   *storage.ImageReference
		key   string
		image *[]byte
	}{
		{&submitted.Front, frontErrorKey, &images.Front},
		{&submitted.Back, backErrorKey, &images.Back},
		{submitted.Selfie, selfieErrorKey, &images.Selfie},
	}
	for _, r := range refs {
		if r.ref == nil {
			continue
		}
		data, rejected, err := h.readImage(ctx, key, *r.ref)
		if err != nil {
			return fmt.Errorf("read %s: %w", r.key, err)
		}
		if rejected != nil {
			fieldErrs[r.key] = append(fieldErrs[r.key], rejected.Error())
			continue
		}
		*r.image = data
	}
	if len(fieldErrs) > 0 {
		return h.fail(ctx, payload.SessionUUID, fieldErrs)
	}

	vendorCtx, cancel := context.WithTimeout(ctx, timeouts.VendorCall)
	document, err := h.authenticator.Authenticate(vendorCtx, images)
	cancel()
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeDocumentAuthenticationBad) {
			return h.fail(ctx, payload.SessionUUID, map[string][]string{documentErrorKey: {err.Error()}})
		}
		return fmt.Errorf("authenticate document: %w", err)
	}
	if err := document.Validate(); err != nil {
		return h.fail(ctx, payload.SessionUUID, map[string][]string{documentErrorKey: {err.Error()}})
	}

	return h.requestResolution(ctx, event, payload, document)
}

// readImage fetches and decrypts one image. A rejected reference is
// returned separately from errors worth retrying.
func (h *DocumentCaptureHandler) readImage(ctx context.Context, key []byte, ref storage.ImageReference) (data []byte, rejected error, err error) {
	ciphertext, err := h.images.ReadImage(ctx, ref)
	if err != nil {
		if isReferenceError(err) {
			return nil, err, nil
		}
		return nil, nil, err
	}
	iv, err := upload.DecodeIV(ref.IV)
	if err != nil {
		return nil, err, nil
	}
	plaintext, err := upload.Decrypt(key, iv, ciphertext)
	if err != nil {
		return nil, err, nil
	}
	return plaintext, nil, nil
}

func isReferenceError(err error) bool {
	switch apperrors.CodeOf(err) {
	case apperrors.CodeNotFound,
		apperrors.CodeImageReferenceInvalid,
		apperrors.CodeUploadTokenInvalid,
		apperrors.CodeUploadPayloadTooLarge:
		return true
	default:
		return false
	}
}

// requestResolution keys the resolution event on the submission event, so a
// redelivered submission enqueues resolution once.
func (h *DocumentCaptureHandler) requestResolution(ctx context.Context, event storage.OutboxEvent, payload storage.DocumentCaptureSubmitted, document pii.Document) error {
	err := h.starter.Resume(ctx, payload.SessionUUID, payload.UserID, document, event.ID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return Permanent(err)
	default:
		return fmt.Errorf("start resolution: %w", err)
	}
}

func (h *DocumentCaptureHandler) fail(ctx context.Context, sessionUUID string, errs map[string][]string) error {
	return storeResult(ctx, h.sessions, sessionUUID, resolution.Result{
		Success:     false,
		Errors:      errs,
		CompletedAt: h.clock().UTC(),
	})
}

func storeResult(ctx context.Context, sessions SessionStore, sessionUUID string, result resolution.Result) error {
	body, err := json.Marshal(result)
	if err != nil {
		return Permanent(fmt.Errorf("encode result: %w", err))
	}
	status := storage.ResultFailure
	if result.Success {
		status = storage.ResultSuccess
	}
	if err := sessions.StoreCaptureResult(ctx, sessionUUID, status, body, result.CompletedAt); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Permanent(err)
		}
		return fmt.Errorf("store capture result: %w", err)
	}
	return nil
}
