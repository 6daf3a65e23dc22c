package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/louisbranch/idproof/internal/platform/errors"
	"github.com/louisbranch/idproof/internal/platform/timeouts"
	"github.com/louisbranch/idproof/internal/services/idv/pii"
	"github.com/louisbranch/idproof/internal/services/idv/resolution"
	"github.com/louisbranch/idproof/internal/services/idv/storage"
)

// ResolutionHandler resolves the stored PII of a capture session and
// records the result on it.
type ResolutionHandler struct {
	sessions SessionStore
	resolver resolution.Resolver
	cipher   Cipher
	clock    func() time.Time
}

// NewResolutionHandler creates a resolution event handler.
func NewResolutionHandler(sessions SessionStore, resolver resolution.Resolver, cipher Cipher, clock func() time.Time) *ResolutionHandler {
	if clock == nil {
		clock = time.Now
	}
	return &ResolutionHandler{
		sessions: sessions,
		resolver: resolver,
		cipher:   cipher,
		clock:    clock,
	}
}

// Handle runs identity resolution for the session named by the event.
func (h *ResolutionHandler) Handle(ctx context.Context, event storage.OutboxEvent) error {
	if h == nil || h.sessions == nil || h.resolver == nil || h.cipher == nil {
		return Permanent(fmt.Errorf("resolution handler is not configured"))
	}
	payload, err := decodeResolutionRequested(event)
	if err != nil {
		return err
	}

	session, err := h.sessions.GetCaptureSession(ctx, payload.SessionUUID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Permanent(err)
		}
		return fmt.Errorf("get capture session: %w", err)
	}
	if len(session.EncryptedPII) == 0 {
		return apperrors.New(apperrors.CodeFlowSessionMissingPII, "capture session has no proofing pii")
	}
	var document pii.Document
	if err := h.cipher.OpenJSON(session.EncryptedPII, &document); err != nil {
		return Permanent(fmt.Errorf("open proofing pii: %w", err))
	}

	vendorCtx, cancel := context.WithTimeout(ctx, timeouts.VendorCall)
	result, err := h.resolver.Resolve(vendorCtx, document, resolution.ResolveOptions{
		ShouldProofStateID: payload.ShouldProofStateID,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}
	if result.CompletedAt.IsZero() {
		result.CompletedAt = h.clock().UTC()
	}
	return storeResult(ctx, h.sessions, session.UUID, result)
}
