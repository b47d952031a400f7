package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const authorizationCodeBytes = 32

// dummyHash is compared against when the account or client does not exist so
// both paths cost one bcrypt comparison.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("dummy-secret-for-timing"), bcrypt.DefaultCost)

// GenerateSecret returns n random bytes encoded as unpadded base64url.
func GenerateSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GenerateAuthorizationCode returns a new unguessable authorization code.
func GenerateAuthorizationCode() (string, error) {
	return GenerateSecret(authorizationCodeBytes)
}

// HashToken returns the hex SHA-256 of a refresh token. Only this value is
// persisted.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// HashSecret bcrypt-hashes a client secret or password.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// CompareSecret reports whether secret matches hash. An empty hash still
// performs a comparison.
func CompareSecret(hash, secret string) bool {
	if hash == "" {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// BurnComparison spends the same time as a failed CompareSecret.
func BurnComparison(secret string) {
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
}
