// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every variable name read by ParseEnvWithPrefix.
const EnvPrefix = "IDPROOF_"

// ParseEnvWithPrefix loads configuration from environment variables whose
// names are declared without the shared prefix. Nested structs can add their
// own prefix with the envPrefix tag.
func ParseEnvWithPrefix(target any, prefix string) error {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = EnvPrefix
	}
	if err := env.ParseWithOptions(target, env.Options{Prefix: prefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
