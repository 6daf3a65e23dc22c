// Package worker parses worker command flags and launches the worker runtime.
package worker

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/louisbranch/idproof/internal/platform/cmd"
	"github.com/louisbranch/idproof/internal/services/idv/upload"
	workerserver "github.com/louisbranch/idproof/internal/services/worker/app"
)

// Config holds worker command configuration. Variables are read with the
// IDPROOF_ prefix.
type Config struct {
	HealthAddr               string        `env:"WORKER_HEALTH_ADDR" envDefault:":8089"`
	APIHealthAddr            string        `env:"WORKER_API_HEALTH_ADDR"`
	DBPath                   string        `env:"WORKER_DB_PATH" envDefault:"data/worker.db"`
	IDVDBPath                string        `env:"DB_PATH" envDefault:"data/idproof.db"`
	PublicURL                string        `env:"PUBLIC_URL" envDefault:"http://localhost:8080"`
	PIIKey                   string        `env:"PII_KEY"`
	UploadTokenSecret        string        `env:"UPLOAD_TOKEN_SECRET"`
	StateIDJurisdictionsFile string        `env:"STATE_ID_JURISDICTIONS_FILE"`
	Consumer                 string        `env:"WORKER_CONSUMER" envDefault:"idproof-worker"`
	PollInterval             time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"2s"`
	LeaseTTL                 time.Duration `env:"WORKER_LEASE_TTL" envDefault:"2m"`
	BatchSize                int           `env:"WORKER_BATCH_SIZE" envDefault:"10"`
	MaxAttempts              int           `env:"WORKER_MAX_ATTEMPTS" envDefault:"8"`
	RetryBackoff             time.Duration `env:"WORKER_RETRY_BACKOFF" envDefault:"5s"`
	RetryMaxDelay            time.Duration `env:"WORKER_RETRY_MAX_DELAY" envDefault:"5m"`
	S3                       upload.S3Config
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfigWithPrefix(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.HealthAddr, "health-addr", cfg.HealthAddr, "The worker health gRPC listen address")
	fs.StringVar(&cfg.APIHealthAddr, "api-health-addr", cfg.APIHealthAddr, "Wait for this API health address before starting")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The worker SQLite database path")
	fs.StringVar(&cfg.IDVDBPath, "idv-db-path", cfg.IDVDBPath, "The identity verification SQLite database path")
	fs.StringVar(&cfg.Consumer, "consumer", cfg.Consumer, "Resolution outbox consumer name")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Resolution outbox poll interval")
	fs.DurationVar(&cfg.LeaseTTL, "lease-ttl", cfg.LeaseTTL, "Resolution outbox lease duration")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Events leased per poll")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Maximum processing attempts before dead-letter")
	fs.DurationVar(&cfg.RetryBackoff, "retry-backoff", cfg.RetryBackoff, "Base retry backoff delay")
	fs.DurationVar(&cfg.RetryMaxDelay, "retry-max-delay", cfg.RetryMaxDelay, "Maximum retry delay")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the worker runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceWorker, func(ctx context.Context) error {
		return workerserver.Run(ctx, workerserver.RuntimeConfig{
			HealthAddr:               cfg.HealthAddr,
			APIHealthAddr:            cfg.APIHealthAddr,
			IDVDBPath:                cfg.IDVDBPath,
			DBPath:                   cfg.DBPath,
			PublicURL:                cfg.PublicURL,
			PIIKey:                   cfg.PIIKey,
			UploadTokenSecret:        cfg.UploadTokenSecret,
			StateIDJurisdictionsFile: cfg.StateIDJurisdictionsFile,
			S3:                       cfg.S3,
			Consumer:                 cfg.Consumer,
			PollInterval:             cfg.PollInterval,
			LeaseTTL:                 cfg.LeaseTTL,
			BatchSize:                cfg.BatchSize,
			MaxAttempts:              cfg.MaxAttempts,
			RetryBackoff:             cfg.RetryBackoff,
			RetryMaxDelay:            cfg.RetryMaxDelay,
		})
	})
}
