package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/idproof/internal/platform/config"
	platformgrpc "github.com/louisbranch/idproof/internal/platform/grpc"
	"github.com/louisbranch/idproof/internal/platform/timeouts"
	"github.com/louisbranch/idproof/internal/services/idv/pii"
	"github.com/louisbranch/idproof/internal/services/idv/resolution"
	"github.com/louisbranch/idproof/internal/services/idv/storage"
	idvsqlite "github.com/louisbranch/idproof/internal/services/idv/storage/sqlite"
	"github.com/louisbranch/idproof/internal/services/idv/upload"
	"github.com/louisbranch/idproof/internal/services/idv/verification"
	workerdomain "github.com/louisbranch/idproof/internal/services/worker/domain"
	workerstorage "github.com/louisbranch/idproof/internal/services/worker/storage"
	workersqlite "github.com/louisbranch/idproof/internal/services/worker/storage/sqlite"
	"golang.org/x/sync/errgroup"
)

// HealthService is the gRPC health service name reported by the worker.
const HealthService = "worker.runtime"

// RuntimeConfig controls worker startup, dependencies, and loop behavior.
type RuntimeConfig struct {
	HealthAddr               string
	APIHealthAddr            string
	IDVDBPath                string
	DBPath                   string
	PublicURL                string
	PIIKey                   string
	UploadTokenSecret        string
	StateIDJurisdictionsFile string
	S3                       upload.S3Config
	Consumer                 string
	PollInterval             time.Duration
	LeaseTTL                 time.Duration
	BatchSize                int
	MaxAttempts              int
	RetryBackoff             time.Duration
	RetryMaxDelay            time.Duration
}

const (
	defaultHealthAddr = ":8089"
	defaultWorkerDB   = "data/worker.db"
	defaultIDVDB      = "data/idproof.db"
)

// Run starts worker runtime dependencies and the background processing loop.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(cfg.HealthAddr) == "" {
		cfg.HealthAddr = defaultHealthAddr
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultWorkerDB
	}
	if strings.TrimSpace(cfg.IDVDBPath) == "" {
		cfg.IDVDBPath = defaultIDVDB
	}

	piiKey, err := config.DecodeSecret("pii key", cfg.PIIKey, pii.MinKeySize)
	if err != nil {
		return err
	}
	cipher, err := pii.NewCipher(piiKey)
	if err != nil {
		return fmt.Errorf("build pii cipher: %w", err)
	}
	stateID, err := resolution.LoadStateIDSupport(cfg.StateIDJurisdictionsFile)
	if err != nil {
		return err
	}

	for _, path := range []string{cfg.DBPath, cfg.IDVDBPath} {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create storage dir: %w", err)
			}
		}
	}

	if addr := strings.TrimSpace(cfg.APIHealthAddr); addr != "" {
		waitCtx, cancel := context.WithTimeout(ctx, timeouts.HealthWait)
		err := platformgrpc.WaitForHealth(waitCtx, addr, "", log.Printf)
		cancel()
		if err != nil {
			return fmt.Errorf("wait for idproof health: %w", err)
		}
	}

	workerStore, err := workersqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open worker sqlite store: %w", err)
	}
	defer func() {
		if closeErr := workerStore.Close(); closeErr != nil {
			log.Printf("close worker sqlite store: %v", closeErr)
		}
	}()

	idvStore, err := idvsqlite.Open(cfg.IDVDBPath)
	if err != nil {
		return fmt.Errorf("open idv sqlite store: %w", err)
	}
	defer func() {
		if closeErr := idvStore.Close(); closeErr != nil {
			log.Printf("close idv sqlite store: %v", closeErr)
		}
	}()

	images, err := newImageReader(ctx, cfg, idvStore)
	if err != nil {
		return err
	}
	verifyStep, err := verification.NewVerifyStep(idvStore, cipher, stateID)
	if err != nil {
		return fmt.Errorf("build verify step: %w", err)
	}

	loopConfig := Config{
		Consumer:      cfg.Consumer,
		PollInterval:  cfg.PollInterval,
		LeaseTTL:      cfg.LeaseTTL,
		BatchSize:     cfg.BatchSize,
		MaxAttempts:   cfg.MaxAttempts,
		RetryBackoff:  cfg.RetryBackoff,
		RetryMaxDelay: cfg.RetryMaxDelay,
	}.normalized()

	workerLoop := New(
		idvStore,
		newAttemptStoreRecorder(workerStore, loopConfig.Consumer),
		map[string]EventHandler{
			storage.EventDocumentCaptureSubmitted: workerdomain.NewDocumentCaptureHandler(
				idvStore, images, resolution.NewMockDocumentAuthenticator(), cipher, verifyStep, nil,
			),
			storage.EventResolutionRequested: workerdomain.NewResolutionHandler(
				idvStore, resolution.NewMockResolver(), cipher, nil,
			),
		},
		loopConfig,
		nil,
	)

	health, err := platformgrpc.NewHealthServer(cfg.HealthAddr, HealthService)
	if err != nil {
		return err
	}
	log.Printf("worker health server listening at %s", health.Addr())

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return health.Serve(groupCtx)
	})
	group.Go(func() error {
		defer health.SetServing(HealthService, false)
		return workerLoop.Run(groupCtx)
	})
	return group.Wait()
}

// newImageReader reads from S3 when a bucket is configured, otherwise from
// the built-in upload receiver's table.
func newImageReader(ctx context.Context, cfg RuntimeConfig, uploads resolution.UploadGetter) (resolution.ImageReader, error) {
	if strings.TrimSpace(cfg.S3.Bucket) != "" {
		_, client, err := upload.NewS3Clients(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return resolution.NewS3ImageReader(client, cfg.S3.Bucket)
	}
	secret, err := config.DecodeSecret("upload token secret", cfg.UploadTokenSecret, 32)
	if err != nil {
		return nil, err
	}
	signer, err := upload.NewTokenSigner(secret, cfg.PublicURL, 0)
	if err != nil {
		return nil, err
	}
	return resolution.NewStoreImageReader(uploads, signer)
}

type attemptStoreRecorder struct {
	store    workerstorage.AttemptStore
	consumer string
}

func newAttemptStoreRecorder(store workerstorage.AttemptStore, consumer string) *attemptStoreRecorder {
	normalizedConsumer := strings.TrimSpace(consumer)
	if normalizedConsumer == "" {
		normalizedConsumer = defaultConsumer
	}
	return &attemptStoreRecorder{store: store, consumer: normalizedConsumer}
}

func (r *attemptStoreRecorder) RecordAttempt(ctx context.Context, attempt Attempt) error {
	if r == nil || r.store == nil {
		return nil
	}
	consumer := strings.TrimSpace(r.consumer)
	if consumer == "" {
		consumer = defaultConsumer
	}
	return r.store.RecordAttempt(ctx, workerstorage.AttemptRecord{
		EventID:      attempt.EventID,
		EventType:    attempt.EventType,
		Consumer:     consumer,
		Outcome:      canonicalOutcomeValue(attempt.Outcome),
		AttemptCount: attempt.AttemptCount,
		LastError:    attempt.Error,
		Duration:     attempt.Duration,
		CreatedAt:    attempt.CreatedAt,
	})
}

func canonicalOutcomeValue(outcome Outcome) string {
	switch outcome {
	case OutcomeSucceeded:
		return workerstorage.OutcomeSucceeded
	case OutcomeRetry:
		return workerstorage.OutcomeRetry
	case OutcomeDead:
		return workerstorage.OutcomeDead
	default:
		return "unknown"
	}
}
