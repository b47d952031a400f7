package models

import (
	"slices"
	"time"
)

// PKCE challenge methods
const (
	PKCEMethodPlain = "plain"
	PKCEMethodS256  = "S256"
)

// Grant, response type and auth method identifiers
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypePassword          = "password"

	ResponseTypeCode = "code"

	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
	AuthMethodNone              = "none"

	ScopeOpenID = "openid"
)

// User represents a resource owner. Email is the canonical identifier and the
// token subject.
type User struct {
	ID           string    `db:"id"`
	Email        string    `db:"email"`
	PasswordHash string    `db:"password_hash"`
	Roles        []string  `db:"roles"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// OAuthApplication represents a registered client in the database
type OAuthApplication struct {
	ID                      int64     `db:"id" json:"id"`
	ClientID                string    `db:"client_id" json:"client_id"`
	ClientSecretHash        string    `db:"client_secret_hash" json:"client_secret_hash,omitempty"`
	Name                    string    `db:"name" json:"name"`
	ClientURI               string    `db:"client_uri" json:"client_uri,omitempty"`
	LogoURI                 string    `db:"logo_uri" json:"logo_uri,omitempty"`
	RedirectURIs            []string  `db:"redirect_uris" json:"redirect_uris"`
	Scopes                  []string  `db:"scopes" json:"scopes"`
	GrantTypes              []string  `db:"grant_types" json:"grant_types"`
	ResponseTypes           []string  `db:"response_types" json:"response_types"`
	TokenEndpointAuthMethod string    `db:"token_endpoint_auth_method" json:"token_endpoint_auth_method"`
	RateLimit               int       `db:"rate_limit" json:"rate_limit"`
	CreatedAt               time.Time `db:"created_at" json:"created_at"`
	UpdatedAt               time.Time `db:"updated_at" json:"updated_at"`
}

// IsPublic reports whether the client has no secret.
func (a *OAuthApplication) IsPublic() bool {
	return a.ClientSecretHash == ""
}

// AllowsRedirectURI performs an exact, unnormalized match.
func (a *OAuthApplication) AllowsRedirectURI(uri string) bool {
	return uri != "" && slices.Contains(a.RedirectURIs, uri)
}

func (a *OAuthApplication) AllowsGrantType(grantType string) bool {
	return slices.Contains(a.GrantTypes, grantType)
}

func (a *OAuthApplication) AllowsResponseType(responseType string) bool {
	return slices.Contains(a.ResponseTypes, responseType)
}

// AllowsScopes reports whether every requested scope is registered for the client.
func (a *OAuthApplication) AllowsScopes(scopes []string) bool {
	for _, s := range scopes {
		if !slices.Contains(a.Scopes, s) {
			return false
		}
	}
	return true
}

// AuthorizationCode is a single-use grant created at the authorize endpoint.
type AuthorizationCode struct {
	Code                string    `db:"code"`
	ClientID            string    `db:"client_id"`
	UserID              string    `db:"user_id"`
	RedirectURI         string    `db:"redirect_uri"`
	Scopes              []string  `db:"scopes"`
	CodeChallenge       string    `db:"code_challenge"`
	CodeChallengeMethod string    `db:"code_challenge_method"`
	Nonce               string    `db:"nonce"`
	State               string    `db:"state"`
	AuthTime            time.Time `db:"auth_time"`
	ExpiresAt           time.Time `db:"expires_at"`
	Used                bool      `db:"used"`
	CreatedAt           time.Time `db:"created_at"`
}

// IsExpired reports whether the code can no longer be redeemed at now.
func (c *AuthorizationCode) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// RefreshToken is the persisted half of an opaque refresh token. The raw
// secret is never stored.
type RefreshToken struct {
	ID        string     `db:"id"`
	TokenHash string     `db:"token_hash"`
	UserID    string     `db:"user_id"`
	ClientID  string     `db:"client_id"`
	Scopes    []string   `db:"scopes"`
	ExpiresAt time.Time  `db:"expires_at"`
	Revoked   bool       `db:"revoked"`
	RevokedAt *time.Time `db:"revoked_at"`
	CreatedAt time.Time  `db:"created_at"`
}

// IsValid reports !revoked && now < expiresAt.
func (t *RefreshToken) IsValid(now time.Time) bool {
	return !t.Revoked && now.Before(t.ExpiresAt)
}

// EventType enumerates security-relevant events.
type EventType string

const (
	EventLoginSuccess       EventType = "login_success"
	EventLoginFailure       EventType = "login_failure"
	EventLogout             EventType = "logout"
	EventRegistration       EventType = "registration"
	EventTokenIssued        EventType = "token_issued"
	EventTokenRefresh       EventType = "token_refresh"
	EventTokenRevoke        EventType = "token_revoke"
	EventCodeIssued         EventType = "code_issued"
	EventCodeUsed           EventType = "code_used"
	EventCodeExpired        EventType = "code_expired"
	EventCodeReuse          EventType = "code_reuse"
	EventPasswordChange     EventType = "password_change"
	EventSuspiciousActivity EventType = "suspicious_activity"
	EventRateLimited        EventType = "rate_limited"
)

// EventProviderTokenUndecryptable marks a linked-account token that no longer decrypts.
const EventProviderTokenUndecryptable EventType = "provider_token_undecryptable"

// EventProviderLinked marks a completed provider account link.
const EventProviderLinked EventType = "provider_linked"

// SecurityEvent is an append-only audit record.
type SecurityEvent struct {
	ID               string            `db:"id" json:"id"`
	Type             EventType         `db:"event_type" json:"event_type"`
	UserID           string            `db:"user_id" json:"user_id,omitempty"`
	ClientID         string            `db:"client_id" json:"client_id,omitempty"`
	IPAddress        string            `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent        string            `db:"user_agent" json:"user_agent,omitempty"`
	Success          bool              `db:"success" json:"success"`
	ErrorCode        string            `db:"error_code" json:"error_code,omitempty"`
	ErrorDescription string            `db:"error_description" json:"error_description,omitempty"`
	Metadata         map[string]string `db:"metadata" json:"metadata,omitempty"`
	CreatedAt        time.Time         `db:"created_at" json:"created_at"`
}

// LinkedAccount holds a third-party provider's tokens, encrypted at rest.
type LinkedAccount struct {
	ID                     string    `db:"id"`
	UserID                 string    `db:"user_id"`
	Provider               string    `db:"provider"`
	ProviderUserID         string    `db:"provider_user_id"`
	AccessTokenCiphertext  string    `db:"access_token_ciphertext"`
	RefreshTokenCiphertext string    `db:"refresh_token_ciphertext"`
	TokenExpiresAt         time.Time `db:"token_expires_at"`
	CreatedAt              time.Time `db:"created_at"`
	UpdatedAt              time.Time `db:"updated_at"`
}

// TokenSubject represents the identity and authorization context for a token.
// It is used to construct the JWT claims (sub, email, authorities, scope).
type TokenSubject struct {
	UserID   string
	Email    string
	Roles    []string
	Scopes   []string
	ClientID string
}

// TokenResponse represents the OAuth2 token response
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// LoginRequest is the body of POST /api/auth/login
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	ClientID string `json:"client_id,omitempty"`
}

// RegisterRequest is the body of POST /api/auth/register
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// VerifyRequest represents a token verification request
type VerifyRequest struct {
	Token string `json:"token"`
}

// VerifyResponse represents a token verification response
type VerifyResponse struct {
	Valid   bool                   `json:"valid"`
	Claims  map[string]interface{} `json:"claims,omitempty"`
	Message string                 `json:"message,omitempty"`
}

// LinkState is the pending half of a provider link, keyed by the OAuth2
// state parameter sent to the provider.
type LinkState struct {
	UserID   string `json:"user_id"`
	Provider string `json:"provider"`
	Verifier string `json:"verifier"`
}

// ProviderLink is returned when a link starts. The caller sends the user's
// browser to AuthorizationURL.
type ProviderLink struct {
	Provider         string `json:"provider"`
	AuthorizationURL string `json:"authorization_url"`
}

// ProviderToken is a usable provider access token.
type ProviderToken struct {
	Provider    string     `json:"provider"`
	AccessToken string     `json:"access_token"`
	TokenType   string     `json:"token_type"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// ProviderStatus reports whether a linked provider token is usable.
type ProviderStatus struct {
	Provider       string     `json:"provider"`
	Linked         bool       `json:"linked"`
	ReauthRequired bool       `json:"reauth_required"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}
