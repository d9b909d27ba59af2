// Package crypto provides authenticated symmetric encryption for token
// material at rest using AES-256-GCM.
package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/areahq/area-pipeline/internal/logger"
)

const (
	keyLength   = 32 // AES-256
	nonceLength = 12 // standard GCM nonce
)

// ErrInvalidInput is returned when plaintext or ciphertext input is empty or
// otherwise unusable before any cryptographic work happens.
var ErrInvalidInput = errors.New("invalid cipher input")

// ErrDecryptionFailed is returned when a ciphertext is malformed, too short
// to contain a nonce and tag, or fails authentication.
var ErrDecryptionFailed = errors.New("decryption failed")

// Metrics defines the operation counters the cipher reports. Implementations
// must be safe for concurrent use.
type Metrics interface {
	IncEncryptCall(ctx context.Context)
	IncDecryptCall(ctx context.Context)
	IncDecryptFailure(ctx context.Context)
}

// TokenCipher encrypts and decrypts token material with AES-256-GCM. Each
// encryption draws a fresh random nonce, so encrypting the same plaintext
// twice yields different ciphertexts.
type TokenCipher struct {
	aead    cipher.AEAD
	metrics Metrics
}

// NewTokenCipher builds a TokenCipher from a base64-encoded 32-byte key. An
// absent or malformed key falls back to a fresh random key for the process
// lifetime; tokens encrypted under it cannot be decrypted after a restart, so
// this is logged loudly rather than failing startup.
func NewTokenCipher(base64Key string, log *logger.Logger, metrics Metrics) (*TokenCipher, error) {
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required for token cipher")
	}

	key := initializeKey(base64Key, log)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}

	return &TokenCipher{aead: aead, metrics: metrics}, nil
}

func initializeKey(base64Key string, log *logger.Logger) []byte {
	ctx := context.Background()

	if strings.TrimSpace(base64Key) != "" {
		key, err := base64.StdEncoding.DecodeString(base64Key)
		if err == nil && len(key) == keyLength {
			log.Info(ctx, "using configured encryption key")
			return key
		}
		log.Warn(ctx, "configured encryption key is malformed, generating ephemeral key", "error", err)
	} else {
		log.Warn(ctx, "no encryption key configured, generating ephemeral key; set crypto.key for production")
	}

	key := make([]byte, keyLength)
	if _, err := rand.Read(key); err != nil {
		// rand.Read only fails when the OS entropy source is broken; nothing
		// sensible can run in that state.
		panic(fmt.Sprintf("failed to generate encryption key: %v", err))
	}
	return key
}

// Encrypt encrypts the plaintext and returns a base64 ciphertext with the
// nonce prepended. Empty or whitespace-only plaintext is rejected with
// ErrInvalidInput.
func (c *TokenCipher) Encrypt(ctx context.Context, plaintext string) (string, error) {
	if strings.TrimSpace(plaintext) == "" {
		return "", fmt.Errorf("plaintext cannot be empty: %w", ErrInvalidInput)
	}

	c.metrics.IncEncryptCall(ctx)

	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Empty ciphertext is ErrInvalidInput; anything
// malformed, truncated, or failing authentication is ErrDecryptionFailed.
func (c *TokenCipher) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	if strings.TrimSpace(ciphertext) == "" {
		return "", fmt.Errorf("ciphertext cannot be empty: %w", ErrInvalidInput)
	}

	c.metrics.IncDecryptCall(ctx)

	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		c.metrics.IncDecryptFailure(ctx)
		return "", fmt.Errorf("ciphertext is not valid base64: %w", ErrDecryptionFailed)
	}
	if len(sealed) < nonceLength+c.aead.Overhead() {
		c.metrics.IncDecryptFailure(ctx)
		return "", fmt.Errorf("ciphertext too short: %w", ErrDecryptionFailed)
	}

	nonce, payload := sealed[:nonceLength], sealed[nonceLength:]
	plaintext, err := c.aead.Open(nil, nonce, payload, nil)
	if err != nil {
		c.metrics.IncDecryptFailure(ctx)
		return "", fmt.Errorf("ciphertext failed authentication: %w", ErrDecryptionFailed)
	}
	return string(plaintext), nil
}

// GenerateKey returns a fresh random AES-256 key as base64, for provisioning
// configuration.
func GenerateKey() (string, error) {
	key := make([]byte, keyLength)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate encryption key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
