package idproof

import (
	"flag"
	"testing"
	"time"
)

func TestParseConfig_ParsesDefaultsAndFlags(t *testing.T) {
	fs := flag.NewFlagSet("idproof", flag.ContinueOnError)
	t.Setenv("IDPROOF_DB_PATH", "/tmp/idv.db")
	t.Setenv("IDPROOF_UPLOAD_S3_BUCKET", "uploads")

	cfg, err := ParseConfig(fs, []string{"-liveness", "-max-attempts", "3", "-attempt-window", "1h"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("http addr = %q, want %q", cfg.HTTPAddr, ":8080")
	}
	if cfg.DBPath != "/tmp/idv.db" {
		t.Fatalf("db path = %q, want %q", cfg.DBPath, "/tmp/idv.db")
	}
	if cfg.S3.Bucket != "uploads" {
		t.Fatalf("s3 bucket = %q, want %q", cfg.S3.Bucket, "uploads")
	}
	if cfg.S3.Region != "us-west-2" {
		t.Fatalf("s3 region = %q, want %q", cfg.S3.Region, "us-west-2")
	}
	if !cfg.LivenessCheckingEnabled {
		t.Fatal("liveness = false, want true")
	}
	if cfg.ThrottleMaxAttempts != 3 {
		t.Fatalf("max attempts = %d, want 3", cfg.ThrottleMaxAttempts)
	}
	if cfg.ThrottleWindow != time.Hour {
		t.Fatalf("attempt window = %s, want 1h", cfg.ThrottleWindow)
	}
}

func TestParseConfig_DefaultThrottlePolicy(t *testing.T) {
	cfg, err := ParseConfig(flag.NewFlagSet("idproof", flag.ContinueOnError), nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Quality.MinGlare != 40 || cfg.Quality.MinSharpness != 40 {
		t.Fatalf("quality = %+v, want 40/40", cfg.Quality)
	}
	if cfg.ThrottleMaxAttempts != 3 || cfg.ThrottleWindow != 6*time.Hour {
		t.Fatalf("throttle = %d/%s, want 3/6h", cfg.ThrottleMaxAttempts, cfg.ThrottleWindow)
	}
	if !cfg.RequireMFA {
		t.Fatal("require mfa = false, want true")
	}
}

func TestParseConfig_RequireMFAFlag(t *testing.T) {
	cfg, err := ParseConfig(flag.NewFlagSet("idproof", flag.ContinueOnError), []string{"-require-mfa=false"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.RequireMFA {
		t.Fatal("require mfa = true, want false")
	}
}
