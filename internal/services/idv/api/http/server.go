package http

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/louisbranch/idproof/internal/services/idv/quality"
	"github.com/louisbranch/idproof/internal/services/idv/storage"
	"github.com/louisbranch/idproof/internal/services/idv/upload"
	"github.com/louisbranch/idproof/internal/services/idv/verification"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const (
	defaultMaxUploadBytes = 10 << 20
	defaultUploadBurst    = 6
	maxJSONBodyBytes      = 1 << 20
)

// defaultUploadRate allows one upload every two seconds per session after
// the initial burst.
var defaultUploadRate = rate.Every(2 * time.Second)

// SessionStore creates and loads capture sessions.
type SessionStore interface {
	CreateCaptureSession(ctx context.Context, session storage.CaptureSession) error
	GetCaptureSession(ctx context.Context, uuid string) (storage.CaptureSession, error)
}

// UploadStore receives encrypted uploads.
type UploadStore interface {
	PutUpload(ctx context.Context, upload storage.Upload) error
}

// Verifier validates document submissions.
type Verifier interface {
	Submit(ctx context.Context, req verification.Request) (verification.Response, error)
}

// UploadTokenParser validates upload tokens addressed to the receiver.
type UploadTokenParser interface {
	Parse(token string) (upload.Claims, error)
}

// Deps are the collaborators behind the API.
type Deps struct {
	Sessions SessionStore
	Uploads  UploadStore
	Verifier Verifier
	Signer   upload.URLSigner
	// Tokens enables the built-in upload receiver. Nil when uploads go to
	// object storage.
	Tokens UploadTokenParser
	Auth   *BearerAuth
	// Health reports readiness of the backing store.
	Health func(ctx context.Context) error
}

// Config holds API settings.
type Config struct {
	LivenessCheckingEnabled bool
	// RequireMFA refuses new capture sessions to users without an enabled
	// second factor.
	RequireMFA              bool
	// Quality is handed to capture clients with each new session.
	Quality                 quality.Thresholds
	UploadMasterKey         []byte
	MaxUploadBytes          int64
	UploadRate              rate.Limit
	UploadBurst             int
}

type server struct {
	deps     Deps
	cfg      Config
	now      func() time.Time
	newUUID  func() string
	limiters *sessionLimiters
}

// NewHandler builds the API router wrapped in request tracing.
func NewHandler(deps Deps, cfg Config) (http.Handler, error) {
	s, err := newServer(deps, cfg)
	if err != nil {
		return nil, err
	}
	return otelhttp.NewHandler(s.routes(), "idproof.http"), nil
}

func newServer(deps Deps, cfg Config) (*server, error) {
	if deps.Sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if deps.Verifier == nil {
		return nil, fmt.Errorf("verifier is required")
	}
	if deps.Signer == nil {
		return nil, fmt.Errorf("upload signer is required")
	}
	if deps.Auth == nil {
		return nil, fmt.Errorf("bearer auth is required")
	}
	if deps.Tokens != nil && deps.Uploads == nil {
		return nil, fmt.Errorf("upload store is required for the upload receiver")
	}
	if len(cfg.UploadMasterKey) < 32 {
		return nil, fmt.Errorf("upload master key must be at least 32 bytes")
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.UploadRate <= 0 {
		cfg.UploadRate = defaultUploadRate
	}
	if cfg.UploadBurst <= 0 {
		cfg.UploadBurst = defaultUploadBurst
	}
	if cfg.Quality == (quality.Thresholds{}) {
		cfg.Quality = quality.DefaultThresholds
	}
	cfg.Quality = cfg.Quality.Normalize()
	return &server{
		deps:     deps,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		newUUID:  newSessionUUID,
		limiters: newSessionLimiters(cfg.UploadRate, cfg.UploadBurst),
	}, nil
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(withLocale)

	r.Get("/healthz", s.handleHealth)
	if s.deps.Tokens != nil {
		r.Post("/api/uploads/{token}", s.handleUpload)
		r.Put("/api/uploads/{token}", s.handleUpload)
	}
	r.Group(func(r chi.Router) {
		r.Use(s.deps.Auth.Middleware)
		r.Post("/api/verify/sessions", s.handleCreateSession)
		r.Get("/api/verify/sessions/{uuid}", s.handleSessionStatus)
		r.Post("/api/verify/images", s.handleSubmitImages)
	})
	return r
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sessionLimiters keeps one token bucket per capture session. Buckets left
// idle long enough to refill completely are swept out.
type sessionLimiters struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	limiters  map[string]*sessionLimiter
}

type sessionLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const (
	minLimiterIdle = time.Minute
	maxLimiterIdle = 24 * time.Hour
)

func newSessionLimiters(limit rate.Limit, burst int) *sessionLimiters {
	idle := minLimiterIdle
	if limit > 0 && limit != rate.Inf {
		refill := float64(burst) / float64(limit)
		switch {
		case refill >= maxLimiterIdle.Seconds():
			idle = maxLimiterIdle
		case refill > idle.Seconds():
			idle = time.Duration(math.Round(refill)) * time.Second
		}
	}
	return &sessionLimiters{
		limit:    limit,
		burst:    burst,
		idle:     idle,
		limiters: map[string]*sessionLimiter{},
	}
}

func (l *sessionLimiters) allow(sessionUUID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastSweep) >= l.idle {
		for key, entry := range l.limiters {
			if now.Sub(entry.lastSeen) >= l.idle {
				delete(l.limiters, key)
			}
		}
		l.lastSweep = now
	}
	entry, ok := l.limiters[sessionUUID]
	if !ok {
		entry = &sessionLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[sessionUUID] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (l *sessionLimiters) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
