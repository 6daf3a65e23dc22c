package verification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/louisbranch/idproof/internal/platform/errors"
	errori18n "github.com/louisbranch/idproof/internal/platform/errors/i18n"
	"github.com/louisbranch/idproof/internal/platform/id"
	"github.com/louisbranch/idproof/internal/platform/requestctx"
	"github.com/louisbranch/idproof/internal/services/idv/storage"
	"github.com/louisbranch/idproof/internal/services/idv/throttle"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/louisbranch/idproof/internal/services/idv/verification"

// Field names used as error keys in responses.
const (
	FieldEncryptionKey  = "encryption_key"
	FieldFrontImageURL  = "front_image_url"
	FieldBackImageURL   = "back_image_url"
	FieldSelfieImageURL = "selfie_image_url"
	FieldCaptureSession = "document_capture_session"
	FieldLimit          = "limit"
)

const defaultRetryWindow = "6 hours"

// Throttler is the rate-limit collaborator.
type Throttler interface {
	IsThrottledElseIncrement(ctx context.Context, subjectID string, action throttle.Action) (bool, error)
	RemainingCount(ctx context.Context, subjectID string, action throttle.Action) (int, error)
}

// SessionStore resolves capture sessions and records the resolution handoff.
type SessionStore interface {
	GetCaptureSession(ctx context.Context, uuid string) (storage.CaptureSession, error)
	RequestResolution(ctx context.Context, uuid string, requestedAt time.Time, event storage.OutboxEvent) error
}

// Sealer encrypts payloads that carry key material.
type Sealer interface {
	SealJSON(v any) ([]byte, error)
}

// Request is a document verification submission.
type Request struct {
	DocumentCaptureSessionUUID string `json:"document_capture_session_uuid"`
	EncryptionKey              string `json:"encryption_key"`
	FrontImageURL              string `json:"front_image_url"`
	FrontImageIV               string `json:"front_image_iv,omitempty"`
	BackImageURL               string `json:"back_image_url"`
	BackImageIV                string `json:"back_image_iv,omitempty"`
	SelfieImageURL             string `json:"selfie_image_url,omitempty"`
	SelfieImageIV              string `json:"selfie_image_iv,omitempty"`
}

// Status classifies a submission outcome.
type Status int

const (
	StatusOK Status = iota
	StatusBadRequest
	StatusTooManyRequests
)

// String returns the status label.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBadRequest:
		return "bad_request"
	case StatusTooManyRequests:
		return "too_many_requests"
	default:
		return "unknown"
	}
}

// HTTPStatus maps the outcome to its response code.
func (s Status) HTTPStatus() int {
	switch s {
	case StatusOK:
		return http.StatusOK
	case StatusTooManyRequests:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadRequest
	}
}

// Response reports a submission outcome with localized field errors.
type Response struct {
	Success           bool                `json:"success"`
	Status            Status              `json:"-"`
	Errors            map[string][]string `json:"errors,omitempty"`
	RemainingAttempts *int                `json:"remaining_attempts,omitempty"`
}

// Config holds submission settings.
type Config struct {
	LivenessCheckingEnabled bool
	// RetryWindow is rendered in the rate-limit message.
	RetryWindow string
}

// Service validates submissions and hands them to the resolution worker.
type Service struct {
	sessions  SessionStore
	throttler Throttler
	sealer    Sealer
	cfg       Config
	now       func() time.Time
	newID     func() (string, error)
	tracer    trace.Tracer
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the clock used for requested-at timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides outbox event ID generation.
func WithIDGenerator(newID func() (string, error)) Option {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// NewService builds the submission service.
func NewService(sessions SessionStore, throttler Throttler, sealer Sealer, cfg Config, opts ...Option) (*Service, error) {
	if sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if throttler == nil {
		return nil, fmt.Errorf("throttler is required")
	}
	if sealer == nil {
		return nil, fmt.Errorf("sealer is required")
	}
	if strings.TrimSpace(cfg.RetryWindow) == "" {
		cfg.RetryWindow = defaultRetryWindow
	}
	s := &Service{
		sessions:  sessions,
		throttler: throttler,
		sealer:    sealer,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     id.NewID,
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Submit validates req and, when valid, enqueues document resolution.
// Validation and throttle outcomes are reported in the Response; the error
// return is reserved for infrastructure failures.
func (s *Service) Submit(ctx context.Context, req Request) (Response, error) {
	ctx, span := s.tracer.Start(ctx, "verification.Submit")
	defer span.End()

	locale := requestctx.LocaleFromContext(ctx)
	errs := fieldErrors{}

	sessionUUID := strings.TrimSpace(req.DocumentCaptureSessionUUID)
	span.SetAttributes(attribute.String("idv.document_capture_session_uuid", sessionUUID))
	if sessionUUID == "" {
		errs.add(FieldCaptureSession, apperrors.New(apperrors.CodeCaptureSessionMissing, "document capture session is required"), locale)
		return errs.response(StatusBadRequest, nil), nil
	}
	session, err := s.sessions.GetCaptureSession(ctx, sessionUUID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			errs.add(FieldCaptureSession, apperrors.New(apperrors.CodeCaptureSessionMissing, "document capture session not found"), locale)
			return errs.response(StatusBadRequest, nil), nil
		}
		return Response{}, s.fail(span, fmt.Errorf("get capture session: %w", err))
	}

	throttled, err := s.throttler.IsThrottledElseIncrement(ctx, session.UserID, throttle.ActionDocumentVerification)
	if err != nil {
		return Response{}, s.fail(span, fmt.Errorf("throttle: %w", err))
	}
	remaining, err := s.throttler.RemainingCount(ctx, session.UserID, throttle.ActionDocumentVerification)
	if err != nil {
		return Response{}, s.fail(span, fmt.Errorf("remaining count: %w", err))
	}
	span.SetAttributes(
		attribute.Bool("idv.throttled", throttled),
		attribute.Int("idv.remaining_attempts", remaining),
	)
	if throttled {
		errs.add(FieldLimit, apperrors.WithMetadata(apperrors.CodeRateLimitExceeded, "document verification throttled", map[string]string{
			"window": s.cfg.RetryWindow,
		}), locale)
		return errs.response(StatusTooManyRequests, &remaining), nil
	}

	if strings.TrimSpace(req.EncryptionKey) == "" {
		errs.add(FieldEncryptionKey, apperrors.New(apperrors.CodeEncryptionKeyMissing, "encryption key is required"), locale)
	}
	if !validURL(req.FrontImageURL) {
		errs.add(FieldFrontImageURL, invalidReference(FieldFrontImageURL), locale)
	}
	if !validURL(req.BackImageURL) {
		errs.add(FieldBackImageURL, invalidReference(FieldBackImageURL), locale)
	}
	if s.cfg.LivenessCheckingEnabled && !validURL(req.SelfieImageURL) {
		errs.add(FieldSelfieImageURL, invalidReference(FieldSelfieImageURL), locale)
	}
	if len(errs) > 0 {
		return errs.response(StatusBadRequest, &remaining), nil
	}

	if err := s.enqueue(ctx, session, req); err != nil {
		return Response{}, s.fail(span, err)
	}
	return Response{Success: true, Status: StatusOK, RemainingAttempts: &remaining}, nil
}

func (s *Service) enqueue(ctx context.Context, session storage.CaptureSession, req Request) error {
	images := storage.SubmittedImages{
		EncryptionKey: strings.TrimSpace(req.EncryptionKey),
		Front:         storage.ImageReference{URL: strings.TrimSpace(req.FrontImageURL), IV: strings.TrimSpace(req.FrontImageIV)},
		Back:          storage.ImageReference{URL: strings.TrimSpace(req.BackImageURL), IV: strings.TrimSpace(req.BackImageIV)},
	}
	if s.cfg.LivenessCheckingEnabled {
		images.Selfie = &storage.ImageReference{URL: strings.TrimSpace(req.SelfieImageURL), IV: strings.TrimSpace(req.SelfieImageIV)}
	}
	sealed, err := s.sealer.SealJSON(images)
	if err != nil {
		return fmt.Errorf("seal submitted images: %w", err)
	}
	payload, err := marshalPayload(storage.DocumentCaptureSubmitted{
		SessionUUID: session.UUID,
		UserID:      session.UserID,
		Sealed:      sealed,
	})
	if err != nil {
		return err
	}
	eventID, err := s.newID()
	if err != nil {
		return fmt.Errorf("generate event id: %w", err)
	}
	now := s.now()
	event := storage.OutboxEvent{
		ID:          eventID,
		EventType:   storage.EventDocumentCaptureSubmitted,
		PayloadJSON: payload,
		DedupeKey:   storage.EventDocumentCaptureSubmitted + ":" + eventID,
		CreatedAt:   now,
	}
	if err := s.sessions.RequestResolution(ctx, session.UUID, now, event); err != nil {
		return fmt.Errorf("request resolution: %w", err)
	}
	return nil
}

func (s *Service) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// validURL accepts absolute URLs with a host.
func validURL(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.IsAbs() && u.Host != ""
}

func invalidReference(field string) error {
	return apperrors.New(apperrors.CodeImageReferenceInvalid, field+" is not a valid image reference")
}

type fieldErrors map[string][]string

func (f fieldErrors) add(field string, err error, locale string) {
	f[field] = append(f[field], errori18n.Message(err, locale))
}

func (f fieldErrors) response(status Status, remaining *int) Response {
	return Response{
		Success:           false,
		Status:            status,
		Errors:            f,
		RemainingAttempts: remaining,
	}
}
