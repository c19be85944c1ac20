// Package secrets encrypts webhook signing secrets and other small values
// at rest using an AEAD cipher.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrEmptyInput is returned when asked to encrypt or decrypt an
	// empty string; round-tripping nothing is always a caller bug.
	ErrEmptyInput = errors.New("secrets: empty input")
	// ErrInvalidKey is returned when the key is not the AEAD key size.
	ErrInvalidKey = errors.New("secrets: key must be 32 bytes")
)

// Box seals and opens values with XChaCha20-Poly1305. The 24-byte random
// nonce is prepended to the ciphertext, so each output is self-contained.
type Box struct {
	key []byte
}

// NewBox builds a Box from a 32-byte key.
func NewBox(key []byte) (*Box, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	return &Box{key: append([]byte(nil), key...)}, nil
}

// NewBoxFromBase64 builds a Box from a base64-encoded 32-byte key, the form
// keys take in config.
func NewBoxFromBase64(encoded string) (*Box, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("secrets: decode key: %w", err)
	}
	return NewBox(key)
}

// GenerateKey returns a fresh random key, base64-encoded for config use.
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("secrets: generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext).
func (b *Box) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptyInput
	}

	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", fmt.Errorf("secrets: init cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secrets: generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Tampered or foreign-key ciphertexts fail
// authentication.
func (b *Box) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", ErrEmptyInput
	}

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("secrets: decode ciphertext: %w", err)
	}

	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", fmt.Errorf("secrets: init cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return "", errors.New("secrets: ciphertext too short")
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("secrets: open: %w", err)
	}
	return string(plaintext), nil
}
