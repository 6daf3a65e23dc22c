// Package idproof parses API command flags and launches the API runtime.
package idproof

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/louisbranch/idproof/internal/platform/cmd"
	idvapp "github.com/louisbranch/idproof/internal/services/idv/app"
	"github.com/louisbranch/idproof/internal/services/idv/quality"
	"github.com/louisbranch/idproof/internal/services/idv/upload"
)

// Config holds API command configuration. Variables are read with the
// IDPROOF_ prefix.
type Config struct {
	HTTPAddr                string        `env:"HTTP_ADDR" envDefault:":8080"`
	HealthAddr              string        `env:"HEALTH_ADDR" envDefault:":8088"`
	DBPath                  string        `env:"DB_PATH" envDefault:"data/idproof.db"`
	PublicURL               string        `env:"PUBLIC_URL" envDefault:"http://localhost:8080"`
	PIIKey                  string        `env:"PII_KEY"`
	UploadMasterKey         string        `env:"UPLOAD_MASTER_KEY"`
	UploadTokenSecret       string        `env:"UPLOAD_TOKEN_SECRET"`
	AuthJWTSecret           string        `env:"AUTH_JWT_SECRET"`
	AuthIssuer              string        `env:"AUTH_ISSUER"`
	LivenessCheckingEnabled bool          `env:"LIVENESS_CHECKING_ENABLED" envDefault:"false"`
	RequireMFA              bool          `env:"REQUIRE_MFA" envDefault:"true"`
	ThrottleMaxAttempts     int           `env:"DOC_AUTH_MAX_ATTEMPTS" envDefault:"3"`
	ThrottleWindow          time.Duration `env:"DOC_AUTH_ATTEMPT_WINDOW" envDefault:"6h"`
	MaxUploadBytes          int64         `env:"MAX_UPLOAD_BYTES" envDefault:"10485760"`
	Quality                 quality.Thresholds
	S3                      upload.S3Config
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfigWithPrefix(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The HTTP API listen address")
	fs.StringVar(&cfg.HealthAddr, "health-addr", cfg.HealthAddr, "The gRPC health listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The identity verification SQLite database path")
	fs.StringVar(&cfg.PublicURL, "public-url", cfg.PublicURL, "The externally reachable API base URL")
	fs.BoolVar(&cfg.LivenessCheckingEnabled, "liveness", cfg.LivenessCheckingEnabled, "Require a selfie capture")
	fs.BoolVar(&cfg.RequireMFA, "require-mfa", cfg.RequireMFA, "Require an enabled second factor before document capture")
	fs.IntVar(&cfg.ThrottleMaxAttempts, "max-attempts", cfg.ThrottleMaxAttempts, "Document verification attempts per window")
	fs.DurationVar(&cfg.ThrottleWindow, "attempt-window", cfg.ThrottleWindow, "Document verification throttle window")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the API runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceIDProof, func(ctx context.Context) error {
		return idvapp.Run(ctx, idvapp.RuntimeConfig{
			HTTPAddr:                cfg.HTTPAddr,
			HealthAddr:              cfg.HealthAddr,
			DBPath:                  cfg.DBPath,
			PublicURL:               cfg.PublicURL,
			PIIKey:                  cfg.PIIKey,
			UploadMasterKey:         cfg.UploadMasterKey,
			UploadTokenSecret:       cfg.UploadTokenSecret,
			AuthJWTSecret:           cfg.AuthJWTSecret,
			AuthIssuer:              cfg.AuthIssuer,
			LivenessCheckingEnabled: cfg.LivenessCheckingEnabled,
			RequireMFA:              cfg.RequireMFA,
			Quality:                 cfg.Quality,
			ThrottleMaxAttempts:     cfg.ThrottleMaxAttempts,
			ThrottleWindow:          cfg.ThrottleWindow,
			MaxUploadBytes:          cfg.MaxUploadBytes,
			S3:                      cfg.S3,
		})
	})
}
