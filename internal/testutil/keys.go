// Package testutil holds helpers shared by package tests.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"sync"
	"testing"
)

var (
	sharedOnce sync.Once
	sharedPriv string
	sharedPub  string
	sharedErr  error
)

// GenerateTestPEMKeys returns a PKCS#8 private key and PKIX public key. The
// pair is generated once per test binary; use NewTestPEMKeys when a test
// needs a key that differs from every other.
func GenerateTestPEMKeys(t *testing.T) (string, string) {
	t.Helper()
	sharedOnce.Do(func() {
		sharedPriv, sharedPub, sharedErr = encodeNewKey()
	})
	if sharedErr != nil {
		t.Fatalf("failed to generate test keys: %v", sharedErr)
	}
	return sharedPriv, sharedPub
}

// NewTestPEMKeys always generates a fresh pair.
func NewTestPEMKeys(t *testing.T) (string, string) {
	t.Helper()
	priv, pub, err := encodeNewKey()
	if err != nil {
		t.Fatalf("failed to generate test keys: %v", err)
	}
	return priv, pub
}

func encodeNewKey() (string, string, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", "", err
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", "", err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", "", err
	}
	priv := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	pub := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return string(priv), string(pub), nil
}
