// Package pii seals personally identifiable information read from identity
// documents before it is persisted or handed to the worker.
package pii

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// MinKeySize is the shortest accepted master key.
	MinKeySize = 32

	keyInfo = "idproof pii at rest"
)

// Document is the PII read from the front and back of an identity document.
type Document struct {
	FirstName           string `json:"first_name"`
	MiddleName          string `json:"middle_name,omitempty"`
	LastName            string `json:"last_name"`
	DOB                 string `json:"dob"`
	Address1            string `json:"address1"`
	Address2            string `json:"address2,omitempty"`
	City                string `json:"city"`
	State               string `json:"state"`
	Zipcode             string `json:"zipcode"`
	StateIDNumber       string `json:"state_id_number"`
	StateIDJurisdiction string `json:"state_id_jurisdiction"`
	StateIDType         string `json:"state_id_type"`
}

// Validate reports the first missing field needed for resolution.
func (d Document) Validate() error {
	switch {
	case strings.TrimSpace(d.FirstName) == "":
		return fmt.Errorf("first name is required")
	case strings.TrimSpace(d.LastName) == "":
		return fmt.Errorf("last name is required")
	case strings.TrimSpace(d.DOB) == "":
		return fmt.Errorf("dob is required")
	case strings.TrimSpace(d.StateIDJurisdiction) == "":
		return fmt.Errorf("state id jurisdiction is required")
	}
	return nil
}

// Cipher seals values with XChaCha20-Poly1305 under a key derived from the
// configured master key. Sealed output is nonce||ciphertext.
type Cipher struct {
	key    []byte
	random io.Reader
}

// NewCipher derives the at-rest key from master.
func NewCipher(master []byte) (*Cipher, error) {
	if len(master) < MinKeySize {
		return nil, fmt.Errorf("pii master key must be at least %d bytes", MinKeySize)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive pii key: %w", err)
	}
	return &Cipher{key: key, random: rand.Reader}, nil
}

// Seal encrypts plaintext with a fresh random nonce.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("pii cipher is not configured")
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, fmt.Errorf("new aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(c.random, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a value produced by Seal.
func (c *Cipher) Open(sealed []byte) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("pii cipher is not configured")
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, fmt.Errorf("new aead: %w", err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("sealed value is too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed value: %w", err)
	}
	return plaintext, nil
}

// SealJSON marshals v and seals the result.
func (c *Cipher) SealJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal sealed value: %w", err)
	}
	return c.Seal(data)
}

// OpenJSON opens sealed and unmarshals it into v.
func (c *Cipher) OpenJSON(sealed []byte, v any) error {
	data, err := c.Open(sealed)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal sealed value: %w", err)
	}
	return nil
}
