// Package app wires the identity verification API process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/idproof/internal/platform/config"
	platformgrpc "github.com/louisbranch/idproof/internal/platform/grpc"
	"github.com/louisbranch/idproof/internal/platform/timeouts"
	apihttp "github.com/louisbranch/idproof/internal/services/idv/api/http"
	"github.com/louisbranch/idproof/internal/services/idv/pii"
	"github.com/louisbranch/idproof/internal/services/idv/quality"
	idvsqlite "github.com/louisbranch/idproof/internal/services/idv/storage/sqlite"
	"github.com/louisbranch/idproof/internal/services/idv/throttle"
	"github.com/louisbranch/idproof/internal/services/idv/upload"
	"github.com/louisbranch/idproof/internal/services/idv/verification"
	"golang.org/x/sync/errgroup"
)

// HealthService is the gRPC health service name reported by the API.
const HealthService = "idproof.api"

const (
	defaultHTTPAddr   = ":8080"
	defaultHealthAddr = ":8088"
	defaultDBPath     = "data/idproof.db"
	minSecretSize     = 32
)

// RuntimeConfig controls API startup and its dependencies.
type RuntimeConfig struct {
	HTTPAddr                string
	HealthAddr              string
	DBPath                  string
	PublicURL               string
	PIIKey                  string
	UploadMasterKey         string
	UploadTokenSecret       string
	AuthJWTSecret           string
	AuthIssuer              string
	LivenessCheckingEnabled bool
	RequireMFA              bool
	Quality                 quality.Thresholds
	ThrottleMaxAttempts     int
	ThrottleWindow          time.Duration
	MaxUploadBytes          int64
	S3                      upload.S3Config
	ReadHeaderTimeout       time.Duration
	ShutdownTimeout         time.Duration
}

type secrets struct {
	pii          []byte
	uploadMaster []byte
	uploadToken  []byte
	auth         []byte
}

func (cfg *RuntimeConfig) normalize() {
	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		cfg.HTTPAddr = defaultHTTPAddr
	}
	if strings.TrimSpace(cfg.HealthAddr) == "" {
		cfg.HealthAddr = defaultHealthAddr
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultDBPath
	}
	if cfg.ThrottleMaxAttempts <= 0 {
		cfg.ThrottleMaxAttempts = 3
	}
	if cfg.ThrottleWindow <= 0 {
		cfg.ThrottleWindow = 6 * time.Hour
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = timeouts.Shutdown
	}
}

func (cfg RuntimeConfig) decodeSecrets() (secrets, error) {
	var out secrets
	var err error
	if out.pii, err = config.DecodeSecret("pii key", cfg.PIIKey, pii.MinKeySize); err != nil {
		return secrets{}, err
	}
	if out.uploadMaster, err = config.DecodeSecret("upload master key", cfg.UploadMasterKey, minSecretSize); err != nil {
		return secrets{}, err
	}
	if out.auth, err = config.DecodeSecret("auth jwt secret", cfg.AuthJWTSecret, minSecretSize); err != nil {
		return secrets{}, err
	}
	if strings.TrimSpace(cfg.S3.Bucket) == "" {
		if out.uploadToken, err = config.DecodeSecret("upload token secret", cfg.UploadTokenSecret, minSecretSize); err != nil {
			return secrets{}, err
		}
	}
	return out, nil
}

// Run starts the HTTP API and its gRPC health endpoint until ctx ends.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg.normalize()
	keys, err := cfg.decodeSecrets()
	if err != nil {
		return err
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := idvsqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open idv sqlite store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close idv sqlite store: %v", closeErr)
		}
	}()

	handler, err := newHandler(ctx, cfg, keys, store)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
	}

	health, err := platformgrpc.NewHealthServer(cfg.HealthAddr, HealthService)
	if err != nil {
		_ = listener.Close()
		return err
	}
	log.Printf("http api listening at %s", listener.Addr())
	log.Printf("health server listening at %s", health.Addr())

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return health.Serve(groupCtx)
	})
	group.Go(func() error {
		defer health.SetServing(HealthService, false)
		return serveHTTP(groupCtx, httpServer, listener, cfg.ShutdownTimeout)
	})
	return group.Wait()
}

func newHandler(ctx context.Context, cfg RuntimeConfig, keys secrets, store *idvsqlite.Store) (http.Handler, error) {
	cipher, err := pii.NewCipher(keys.pii)
	if err != nil {
		return nil, fmt.Errorf("build pii cipher: %w", err)
	}
	ledger, err := throttle.NewLedger(store, map[throttle.Action]throttle.Policy{
		throttle.ActionDocumentVerification: {MaxAttempts: cfg.ThrottleMaxAttempts, Window: cfg.ThrottleWindow},
	})
	if err != nil {
		return nil, err
	}
	verifier, err := verification.NewService(store, ledger, cipher, verification.Config{
		LivenessCheckingEnabled: cfg.LivenessCheckingEnabled,
		RetryWindow:             formatWindow(cfg.ThrottleWindow),
	})
	if err != nil {
		return nil, err
	}
	auth, err := apihttp.NewBearerAuth(keys.auth, cfg.AuthIssuer)
	if err != nil {
		return nil, err
	}

	deps := apihttp.Deps{
		Sessions: store,
		Uploads:  store,
		Verifier: verifier,
		Auth:     auth,
		Health:   store.Ping,
	}
	if strings.TrimSpace(cfg.S3.Bucket) != "" {
		presignClient, _, err := upload.NewS3Clients(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		presigner, err := upload.NewS3Presigner(presignClient, cfg.S3)
		if err != nil {
			return nil, err
		}
		deps.Signer = presigner
	} else {
		signer, err := upload.NewTokenSigner(keys.uploadToken, cfg.PublicURL, 0)
		if err != nil {
			return nil, err
		}
		deps.Signer = signer
		deps.Tokens = signer
	}
	return apihttp.NewHandler(deps, apihttp.Config{
		LivenessCheckingEnabled: cfg.LivenessCheckingEnabled,
		RequireMFA:              cfg.RequireMFA,
		Quality:                 cfg.Quality,
		UploadMasterKey:         keys.uploadMaster,
		MaxUploadBytes:          cfg.MaxUploadBytes,
	})
}

// serveHTTP serves on listener until ctx ends, then drains in-flight
// requests for up to shutdownTimeout.
func serveHTTP(ctx context.Context, server *http.Server, listener net.Listener, shutdownTimeout time.Duration) error {
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		err := server.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// formatWindow renders a throttle window for the rate-limit message.
func formatWindow(window time.Duration) string {
	switch {
	case window >= time.Hour && window%time.Hour == 0:
		return plural(int(window/time.Hour), "hour")
	case window >= time.Minute:
		return plural(int(window/time.Minute), "minute")
	default:
		return plural(int(window/time.Second), "second")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
