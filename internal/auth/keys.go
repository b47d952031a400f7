package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

const rsaKeyBits = 2048

// SigningKey is one RSA key pair published in the key set.
type SigningKey struct {
	KeyID      string
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
	CreatedAt  time.Time
	// RetiresAt is zero for the current key. Retired keys keep verifying
	// until this instant but never sign.
	RetiresAt time.Time
}

func (k *SigningKey) retired(now time.Time) bool {
	return !k.RetiresAt.IsZero() && !now.Before(k.RetiresAt)
}

// KeyManager owns the asymmetric signing keys, their rotation and the JWKS
// document built from them.
type KeyManager struct {
	mu           sync.RWMutex
	keys         map[string]*SigningKey
	currentKeyID string
	now          func() time.Time
}

// NewKeyManager creates a key manager from a PEM-encoded key pair.
func NewKeyManager(privateKeyPEM, publicKeyPEM string) (*KeyManager, error) {
	privateKey, err := parseRSAPrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	publicKey, err := parseRSAPublicKey(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	if privateKey.PublicKey.N.Cmp(publicKey.N) != 0 || privateKey.PublicKey.E != publicKey.E {
		return nil, errors.New("public key does not match private key")
	}

	return newKeyManager(privateKey)
}

// NewEphemeralKeyManager generates a fresh key pair. Tokens signed with it
// stop verifying after a restart.
func NewEphemeralKeyManager() (*KeyManager, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return newKeyManager(privateKey)
}

func newKeyManager(privateKey *rsa.PrivateKey) (*KeyManager, error) {
	km := &KeyManager{
		keys: make(map[string]*SigningKey),
		now:  time.Now,
	}
	kid, err := KeyThumbprint(&privateKey.PublicKey)
	if err != nil {
		return nil, err
	}
	km.install(kid, privateKey)
	return km, nil
}

// KeyThumbprint returns the RFC 7638 SHA-256 thumbprint of pub, base64url
// encoded. It is the kid, so a PEM key keeps its id across restarts and
// replicas.
func KeyThumbprint(pub *rsa.PublicKey) (string, error) {
	key, err := jwk.FromRaw(pub)
	if err != nil {
		return "", fmt.Errorf("failed to convert public key: %w", err)
	}
	sum, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// install must be called with mu held (or before km is shared).
func (km *KeyManager) install(kid string, privateKey *rsa.PrivateKey) {
	key := &SigningKey{
		KeyID:      kid,
		PrivateKey: privateKey,
		PublicKey:  &privateKey.PublicKey,
		CreatedAt:  km.now(),
	}
	km.keys[key.KeyID] = key
	km.currentKeyID = key.KeyID
}

// SetClock replaces the time source. Tests only.
func (km *KeyManager) SetClock(now func() time.Time) {
	km.mu.Lock()
	defer km.mu.Unlock()
	km.now = now
}

// CurrentKey returns the kid and private key used for signing new tokens.
func (km *KeyManager) CurrentKey() (string, *rsa.PrivateKey) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	key := km.keys[km.currentKeyID]
	return key.KeyID, key.PrivateKey
}

// CurrentKeyID returns the kid of the current signing key.
func (km *KeyManager) CurrentKeyID() string {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.currentKeyID
}

// PublicKey returns the verification key for kid if it is still published.
func (km *KeyManager) PublicKey(kid string) (*rsa.PublicKey, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	key, ok := km.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown key id: %s", kid)
	}
	if key.retired(km.now()) {
		return nil, fmt.Errorf("key retired: %s", kid)
	}
	return key.PublicKey, nil
}

// JWKSet returns the public half of every published key, newest first.
func (km *KeyManager) JWKSet() (jwk.Set, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	now := km.now()
	published := make([]*SigningKey, 0, len(km.keys))
	for _, key := range km.keys {
		if !key.retired(now) {
			published = append(published, key)
		}
	}
	sort.Slice(published, func(i, j int) bool {
		return published[i].CreatedAt.After(published[j].CreatedAt)
	})

	set := jwk.NewSet()
	for _, key := range published {
		jwkKey, err := jwk.FromRaw(key.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("failed to convert key %s: %w", key.KeyID, err)
		}
		if err := jwkKey.Set(jwk.KeyIDKey, key.KeyID); err != nil {
			return nil, err
		}
		if err := jwkKey.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
			return nil, err
		}
		if err := jwkKey.Set(jwk.KeyUsageKey, jwk.ForSignature); err != nil {
			return nil, err
		}
		if err := set.AddKey(jwkKey); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// RotateKeys generates a new signing key. The previous key keeps verifying
// for gracePeriod so tokens it signed stay valid until they expire.
func (km *KeyManager) RotateKeys(gracePeriod time.Duration) error {
	privateKey, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return fmt.Errorf("failed to generate new RSA key: %w", err)
	}
	kid, err := KeyThumbprint(&privateKey.PublicKey)
	if err != nil {
		return err
	}

	km.mu.Lock()
	defer km.mu.Unlock()

	if current, ok := km.keys[km.currentKeyID]; ok {
		current.RetiresAt = km.now().Add(gracePeriod)
	}
	km.install(kid, privateKey)
	return nil
}

// CleanupExpiredKeys drops keys whose grace period has ended and returns how
// many were removed.
func (km *KeyManager) CleanupExpiredKeys() int {
	km.mu.Lock()
	defer km.mu.Unlock()

	now := km.now()
	removed := 0
	for id, key := range km.keys {
		if id != km.currentKeyID && key.retired(now) {
			delete(km.keys, id)
			removed++
		}
	}
	return removed
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("key is not an RSA private key")
	}
	return rsaKey, nil
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return x509.ParsePKCS1PublicKey(block.Bytes)
	}
	rsaKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("key is not an RSA public key")
	}
	return rsaKey, nil
}
