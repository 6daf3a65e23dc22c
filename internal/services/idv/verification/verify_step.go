package verification

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/louisbranch/idproof/internal/platform/errors"
	"github.com/louisbranch/idproof/internal/platform/id"
	"github.com/louisbranch/idproof/internal/services/idv/pii"
	"github.com/louisbranch/idproof/internal/services/idv/storage"
)

// StateIDChecker reports whether a jurisdiction supports the state-ID
// cross-check.
type StateIDChecker interface {
	Supports(jurisdiction string) bool
}

// ResolutionStore is the storage surface used by VerifyStep.
type ResolutionStore interface {
	CreateCaptureSession(ctx context.Context, session storage.CaptureSession) error
	StoreProofingPII(ctx context.Context, uuid string, encryptedPII []byte, at time.Time) error
	RequestResolution(ctx context.Context, uuid string, requestedAt time.Time, event storage.OutboxEvent) error
}

// FlowSession is the per-user verification flow state carried between steps.
type FlowSession struct {
	UserID                   string
	PIIFromDoc               *pii.Document
	VerifyCaptureSessionUUID string
}

// VerifyStep starts identity resolution from PII already read off a
// document.
type VerifyStep struct {
	store   ResolutionStore
	sealer  Sealer
	stateID StateIDChecker
	now     func() time.Time
	newID   func() (string, error)
}

// StepOption customizes a VerifyStep.
type StepOption func(*VerifyStep)

// WithStepClock overrides the clock used for resolution timestamps.
func WithStepClock(now func() time.Time) StepOption {
	return func(v *VerifyStep) {
		if now != nil {
			v.now = now
		}
	}
}

// WithStepIDGenerator overrides outbox event ID generation.
func WithStepIDGenerator(newID func() (string, error)) StepOption {
	return func(v *VerifyStep) {
		if newID != nil {
			v.newID = newID
		}
	}
}

// NewVerifyStep builds a VerifyStep.
func NewVerifyStep(store ResolutionStore, sealer Sealer, stateID StateIDChecker, opts ...StepOption) (*VerifyStep, error) {
	if store == nil {
		return nil, fmt.Errorf("resolution store is required")
	}
	if sealer == nil {
		return nil, fmt.Errorf("sealer is required")
	}
	if stateID == nil {
		return nil, fmt.Errorf("state id checker is required")
	}
	v := &VerifyStep{
		store:   store,
		sealer:  sealer,
		stateID: stateID,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   id.NewID,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Call enqueues resolution once per flow session. Later calls are no-ops.
func (v *VerifyStep) Call(ctx context.Context, flow *FlowSession) error {
	if flow == nil {
		return fmt.Errorf("flow session is required")
	}
	if flow.VerifyCaptureSessionUUID != "" {
		return nil
	}
	userID := strings.TrimSpace(flow.UserID)
	if userID == "" {
		return apperrors.New(apperrors.CodeUnauthenticated, "flow session has no user")
	}
	if flow.PIIFromDoc == nil {
		return apperrors.New(apperrors.CodeFlowSessionMissingPII, "flow session has no document pii")
	}

	session := storage.CaptureSession{
		UUID:      uuid.NewString(),
		UserID:    userID,
		CreatedAt: v.now(),
	}
	if err := v.store.CreateCaptureSession(ctx, session); err != nil {
		return fmt.Errorf("create capture session: %w", err)
	}
	if err := v.Resume(ctx, session.UUID, userID, *flow.PIIFromDoc, session.UUID); err != nil {
		return err
	}
	flow.VerifyCaptureSessionUUID = session.UUID
	return nil
}

// Resume stores document PII on an existing capture session and enqueues
// its resolution. sourceID keys the resolution event, so repeated calls
// with the same sourceID enqueue once.
func (v *VerifyStep) Resume(ctx context.Context, sessionUUID, userID string, document pii.Document, sourceID string) error {
	sessionUUID = strings.TrimSpace(sessionUUID)
	if sessionUUID == "" {
		return apperrors.New(apperrors.CodeCaptureSessionMissing, "capture session is required")
	}
	if strings.TrimSpace(sourceID) == "" {
		return fmt.Errorf("resolution source id is required")
	}

	now := v.now()
	sealed, err := v.sealer.SealJSON(document)
	if err != nil {
		return fmt.Errorf("seal pii: %w", err)
	}
	if err := v.store.StoreProofingPII(ctx, sessionUUID, sealed, now); err != nil {
		return fmt.Errorf("store proofing pii: %w", err)
	}

	payload, err := marshalPayload(storage.ResolutionRequested{
		SessionUUID:        sessionUUID,
		UserID:             userID,
		ShouldProofStateID: v.stateID.Supports(document.StateIDJurisdiction),
	})
	if err != nil {
		return err
	}
	eventID, err := v.newID()
	if err != nil {
		return fmt.Errorf("generate event id: %w", err)
	}
	event := storage.OutboxEvent{
		ID:          eventID,
		EventType:   storage.EventResolutionRequested,
		PayloadJSON: payload,
		DedupeKey:   storage.EventResolutionRequested + ":" + sourceID,
		CreatedAt:   now,
	}
	if err := v.store.RequestResolution(ctx, sessionUUID, now, event); err != nil {
		return fmt.Errorf("request resolution: %w", err)
	}
	return nil
}

func marshalPayload(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal outbox payload: %w", err)
	}
	return data, nil
}
