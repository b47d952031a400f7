// Package encryption seals third-party provider tokens at rest with
// XChaCha20-Poly1305.
package encryption

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	apperrors "productivity-auth/pkg/errors"

	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const keyDerivationInfo = "provider-token-encryption"

// TokenEncryptor encrypts and decrypts provider tokens. Every ciphertext is
// base64(nonce || sealed) with a fresh random nonce.
type TokenEncryptor struct {
	aead cipher.AEAD
}

// NewTokenEncryptor builds an encryptor from a configured key. A key that
// decodes from base64 to exactly 32 bytes is used as is; any other non-empty
// value is stretched with HKDF-SHA256.
func NewTokenEncryptor(key string) (*TokenEncryptor, error) {
	if key == "" {
		return nil, errors.New("encryption key is required")
	}
	raw, err := deriveKey(key)
	if err != nil {
		return nil, err
	}
	return newWithKey(raw)
}

// NewEphemeralTokenEncryptor generates a random key. Anything it encrypts is
// lost on restart.
func NewEphemeralTokenEncryptor(logger *zap.Logger) (*TokenEncryptor, error) {
	raw := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	logger.Warn("TOKEN_ENCRYPTION_KEY is not set; using an ephemeral key. Provider tokens stored now will be unreadable after restart",
		zap.String("action", "set TOKEN_ENCRYPTION_KEY to a base64 encoded 32 byte key"),
	)
	return newWithKey(raw)
}

func newWithKey(raw []byte) (*TokenEncryptor, error) {
	aead, err := chacha20poly1305.NewX(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &TokenEncryptor{aead: aead}, nil
}

func deriveKey(key string) ([]byte, error) {
	if decoded, err := base64.StdEncoding.DecodeString(key); err == nil && len(decoded) == chacha20poly1305.KeySize {
		return decoded, nil
	}

	raw := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(key), nil, []byte(keyDerivationInfo)), raw); err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	return raw, nil
}

// Encrypt seals plaintext. Encrypting the same value twice yields different
// ciphertexts.
func (e *TokenEncryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plaintext)+e.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Malformed input, tampering
// and key mismatch all return ErrTokenDecryptionFailed; callers treat that as
// "re-authenticate with the provider".
func (e *TokenEncryptor) Decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", apperrors.ErrTokenDecryptionFailed
	}
	if len(data) < e.aead.NonceSize()+e.aead.Overhead() {
		return "", apperrors.ErrTokenDecryptionFailed
	}

	nonce, sealed := data[:e.aead.NonceSize()], data[e.aead.NonceSize():]
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", apperrors.ErrTokenDecryptionFailed
	}
	return string(plaintext), nil
}
