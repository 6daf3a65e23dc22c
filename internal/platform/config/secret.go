package config

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// DecodeSecret parses a base64 secret from configuration and enforces a
// minimum decoded length.
func DecodeSecret(name, value string, minLen int) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("%s is required", name)
	}
	secret, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%s must be base64: %w", name, err)
	}
	if len(secret) < minLen {
		return nil, fmt.Errorf("%s must decode to at least %d bytes", name, minLen)
	}
	return secret, nil
}
