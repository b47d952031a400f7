package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"productivity-auth/internal/models"
	apperrors "productivity-auth/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Scheme identifies how a token is signed.
type Scheme int

const (
	// SchemeAsymmetric is RS256 with a kid resolved through the KeyManager.
	SchemeAsymmetric Scheme = iota
	// SchemeSymmetric is the legacy HS256 scheme keyed by a shared secret.
	SchemeSymmetric
)

func (s Scheme) String() string {
	switch s {
	case SchemeAsymmetric:
		return jwt.SigningMethodRS256.Alg()
	case SchemeSymmetric:
		return jwt.SigningMethodHS256.Alg()
	default:
		return "unknown"
	}
}

// ParseScheme maps an alg name to a Scheme.
func ParseScheme(alg string) (Scheme, error) {
	switch alg {
	case jwt.SigningMethodRS256.Alg():
		return SchemeAsymmetric, nil
	case jwt.SigningMethodHS256.Alg():
		return SchemeSymmetric, nil
	}
	return 0, fmt.Errorf("unsupported signing scheme %q", alg)
}

// Claims is the access token payload. Username is only ever read; it exists
// for tokens minted before email became the subject.
type Claims struct {
	Email       string   `json:"email,omitempty"`
	Username    string   `json:"username,omitempty"`
	Authorities []string `json:"authorities,omitempty"`
	UserID      string   `json:"uid,omitempty"`
	ClientID    string   `json:"client_id,omitempty"`
	Scope       string   `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Scopes splits the space-delimited scope claim.
func (c *Claims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// ExtractUsername returns the account identifier carried by the token: the
// email claim, else an email-shaped subject, else the legacy username claim.
func (c *Claims) ExtractUsername() string {
	if c.Email != "" {
		return c.Email
	}
	if strings.Contains(c.Subject, "@") {
		return c.Subject
	}
	return c.Username
}

// ValidFor reports whether the token names the account and has not expired.
func (c *Claims) ValidFor(canonicalEmail string, now time.Time) bool {
	if canonicalEmail == "" || !strings.EqualFold(c.ExtractUsername(), canonicalEmail) {
		return false
	}
	return c.ExpiresAt != nil && now.Before(c.ExpiresAt.Time)
}

// IDTokenClaims is the OIDC ID token payload.
type IDTokenClaims struct {
	Email    string `json:"email,omitempty"`
	Nonce    string `json:"nonce,omitempty"`
	AuthTime int64  `json:"auth_time,omitempty"`
	jwt.RegisteredClaims
}

// IssuedToken is a freshly signed access token.
type IssuedToken struct {
	Token     string
	JTI       string
	ExpiresAt time.Time
}

// verifier is one arm of the signing scheme variant.
type verifier struct {
	scheme  Scheme
	keyFunc jwt.Keyfunc
	options []jwt.ParserOption
}

// TokenCodec signs and verifies access tokens under both schemes.
type TokenCodec struct {
	keys         *KeyManager
	legacySecret []byte
	issuer       string
	scheme       Scheme
	now          func() time.Time
}

// NewTokenCodec creates a codec. legacySecret may be empty, in which case
// symmetric tokens are neither issued nor accepted.
func NewTokenCodec(keys *KeyManager, legacySecret, issuer string, scheme Scheme) (*TokenCodec, error) {
	if keys == nil {
		return nil, errors.New("key manager is required")
	}
	if scheme == SchemeSymmetric && legacySecret == "" {
		return nil, errors.New("symmetric signing requires a legacy secret")
	}
	return &TokenCodec{
		keys:         keys,
		legacySecret: []byte(legacySecret),
		issuer:       issuer,
		scheme:       scheme,
		now:          time.Now,
	}, nil
}

// SetClock replaces the time source. Tests only.
func (c *TokenCodec) SetClock(now func() time.Time) {
	c.now = now
}

// Issuer returns the iss value stamped on every token.
func (c *TokenCodec) Issuer() string {
	return c.issuer
}

// Issue signs an access token for subject valid for ttl.
func (c *TokenCodec) Issue(subject models.TokenSubject, ttl time.Duration) (*IssuedToken, error) {
	now := c.now()
	jti := uuid.New().String()
	expiresAt := now.Add(ttl)

	claims := Claims{
		Email:       subject.Email,
		Authorities: subject.Roles,
		UserID:      subject.UserID,
		ClientID:    subject.ClientID,
		Scope:       strings.Join(subject.Scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   subject.Email,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti,
		},
	}
	if subject.ClientID != "" {
		claims.Audience = jwt.ClaimStrings{subject.ClientID}
	}

	signed, err := c.sign(claims, c.scheme)
	if err != nil {
		return nil, err
	}
	return &IssuedToken{Token: signed, JTI: jti, ExpiresAt: expiresAt}, nil
}

// IssueIDToken signs an OIDC ID token. ID tokens are always asymmetric so
// relying parties can verify them from the published key set.
func (c *TokenCodec) IssueIDToken(subject models.TokenSubject, nonce string, authTime time.Time, ttl time.Duration) (string, error) {
	now := c.now()
	claims := IDTokenClaims{
		Email: subject.Email,
		Nonce: nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   subject.Email,
			Audience:  jwt.ClaimStrings{subject.ClientID},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	if !authTime.IsZero() {
		claims.AuthTime = authTime.Unix()
	}
	return c.sign(claims, SchemeAsymmetric)
}

func (c *TokenCodec) sign(claims jwt.Claims, scheme Scheme) (string, error) {
	var (
		signed string
		err    error
	)
	switch scheme {
	case SchemeAsymmetric:
		kid, key := c.keys.CurrentKey()
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		token.Header["kid"] = kid
		signed, err = token.SignedString(key)
	case SchemeSymmetric:
		signed, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.legacySecret)
	default:
		return "", fmt.Errorf("unsupported signing scheme %d", scheme)
	}
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature and expiry. The header alg selects which scheme is
// tried first; the symmetric scheme is always the fallback. Failures wrap
// either ErrTokenExpired or ErrTokenInvalid.
func (c *TokenCodec) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty token", apperrors.ErrTokenInvalid)
	}

	var lastErr error
	expired := false
	for _, v := range c.verifiersFor(tokenString) {
		claims := &Claims{}
		_, err := jwt.ParseWithClaims(tokenString, claims, v.keyFunc, v.options...)
		if err == nil {
			return claims, nil
		}
		if errors.Is(err, jwt.ErrTokenExpired) {
			expired = true
		}
		lastErr = err
	}

	if expired {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrTokenExpired, lastErr)
	}
	return nil, fmt.Errorf("%w: %v", apperrors.ErrTokenInvalid, lastErr)
}

func (c *TokenCodec) verifiersFor(tokenString string) []verifier {
	var chain []verifier
	if c.declaredScheme(tokenString) == SchemeAsymmetric {
		chain = append(chain, c.asymmetric())
	}
	return append(chain, c.symmetric())
}

// declaredScheme reads the unverified header. Anything unparseable or not
// RS256 is treated as symmetric.
func (c *TokenCodec) declaredScheme(tokenString string) Scheme {
	token, _, err := jwt.NewParser().ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return SchemeSymmetric
	}
	alg, _ := token.Header["alg"].(string)
	if alg == jwt.SigningMethodRS256.Alg() {
		return SchemeAsymmetric
	}
	return SchemeSymmetric
}

func (c *TokenCodec) asymmetric() verifier {
	return verifier{
		scheme: SchemeAsymmetric,
		keyFunc: func(token *jwt.Token) (interface{}, error) {
			kid, ok := token.Header["kid"].(string)
			if !ok || kid == "" {
				return nil, errors.New("missing kid in token header")
			}
			return c.keys.PublicKey(kid)
		},
		options: []jwt.ParserOption{
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithIssuer(c.issuer),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(c.now),
		},
	}
}

func (c *TokenCodec) symmetric() verifier {
	return verifier{
		scheme: SchemeSymmetric,
		keyFunc: func(*jwt.Token) (interface{}, error) {
			if len(c.legacySecret) == 0 {
				return nil, errors.New("symmetric verification disabled")
			}
			return c.legacySecret, nil
		},
		options: []jwt.ParserOption{
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(c.now),
		},
	}
}
