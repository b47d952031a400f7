package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"regexp"

	"productivity-auth/internal/models"
)

// RFC 7636 §4.1. Challenges share the charset: an S256 challenge is always
// 43 characters and a plain one is the verifier itself.
var codeVerifierPattern = regexp.MustCompile(`^[A-Za-z0-9\-._~]{43,128}$`)

// ValidChallenge reports whether challenge could ever be satisfied by a
// well-formed verifier.
func ValidChallenge(challenge string) bool {
	return codeVerifierPattern.MatchString(challenge)
}

// ValidChallengeMethod reports whether method is supported. Empty means plain.
func ValidChallengeMethod(method string) bool {
	switch method {
	case "", models.PKCEMethodPlain, models.PKCEMethodS256:
		return true
	}
	return false
}

// S256Challenge derives the S256 challenge for verifier.
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyPKCE recomputes the challenge from verifier using method and compares
// it in constant time.
func VerifyPKCE(method, challenge, verifier string) bool {
	if challenge == "" || !codeVerifierPattern.MatchString(verifier) {
		return false
	}

	var computed string
	switch method {
	case models.PKCEMethodS256:
		computed = S256Challenge(verifier)
	case "", models.PKCEMethodPlain:
		computed = verifier
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
