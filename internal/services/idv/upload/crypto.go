package upload

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the AES-256 key length.
	KeySize = 32
	// IVSize is the AES-GCM nonce length.
	IVSize = 12

	sessionKeyInfo = "idproof document upload"
)

// DeriveSessionKey derives the per-session upload key from the master key.
func DeriveSessionKey(master []byte, sessionUUID string) ([]byte, error) {
	if len(master) < KeySize {
		return nil, fmt.Errorf("master key must be at least %d bytes", KeySize)
	}
	sessionUUID = strings.TrimSpace(sessionUUID)
	if sessionUUID == "" {
		return nil, fmt.Errorf("session uuid is required")
	}
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, []byte(sessionUUID), []byte(sessionKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}

// NewIV draws a fresh nonce from r, or crypto/rand when r is nil.
func NewIV(r io.Reader) ([]byte, error) {
	if r == nil {
		r = rand.Reader
	}
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(r, iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	return iv, nil
}

// Encrypt seals plaintext with AES-GCM.
func Encrypt(key, iv, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key, iv)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, iv, plaintext, nil), nil
}

// Decrypt opens an AES-GCM ciphertext.
func Decrypt(key, iv, ciphertext []byte) ([]byte, error) {
	aead, err := newAEAD(key, iv)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt upload: %w", err)
	}
	return plaintext, nil
}

// EncodeIV renders an IV the way clients submit it.
func EncodeIV(iv []byte) string {
	return base64.StdEncoding.EncodeToString(iv)
}

// DecodeIV parses a submitted IV.
func DecodeIV(value string) ([]byte, error) {
	iv, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("iv must be %d bytes", IVSize)
	}
	return iv, nil
}

// EncodeKey renders a key for transport to the client.
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// DecodeKey parses a transported key.
func DecodeKey(value string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes", KeySize)
	}
	return key, nil
}

func newAEAD(key, iv []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes", KeySize)
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("iv must be %d bytes", IVSize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}
