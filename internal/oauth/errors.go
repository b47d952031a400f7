package oauth

import (
	"net/url"

	apperrors "productivity-auth/pkg/errors"
)

// Internal reasons behind an invalid_grant. They are logged and counted but
// never sent to the client.
const (
	ReasonNotFound         = "not_found"
	ReasonExpired          = "expired"
	ReasonCodeReused       = "code_reused"
	ReasonClientMismatch   = "client_mismatch"
	ReasonRedirectMismatch = "redirect_mismatch"
	ReasonPKCEFailed       = "pkce_failed"
	ReasonRevoked          = "revoked"
	ReasonUserMissing      = "user_missing"
	ReasonScopeExceeded    = "scope_exceeded"
)

// GrantError is a rejected code or refresh token. It unwraps to
// errors.ErrInvalidGrant so every reason renders identically.
type GrantError struct {
	Reason   string
	UserID   string
	ClientID string
}

func (e *GrantError) Error() string {
	return "invalid grant: " + e.Reason
}

func (e *GrantError) Unwrap() error {
	return apperrors.ErrInvalidGrant
}

// Is lets callers test for the security relevant reasons with errors.Is.
func (e *GrantError) Is(target error) bool {
	switch target {
	case apperrors.ErrDuplicateCodeUse:
		return e.Reason == ReasonCodeReused
	case apperrors.ErrTokenAlreadyRevoked:
		return e.Reason == ReasonRevoked
	}
	return false
}

// AuthorizeError is a failed authorization request. When RedirectURI is set
// the error is delivered to the client by redirect; otherwise the redirect
// target could not be trusted and the error is rendered in-band.
type AuthorizeError struct {
	Err         *apperrors.ServiceError
	RedirectURI string
	State       string
}

func (e *AuthorizeError) Error() string {
	return e.Err.Error()
}

func (e *AuthorizeError) Unwrap() error {
	return e.Err
}

// Redirect reports whether the error goes back to the client.
func (e *AuthorizeError) Redirect() bool {
	return e.RedirectURI != ""
}

// RedirectURL builds redirect_uri?error=...&error_description=...&state=...
func (e *AuthorizeError) RedirectURL() string {
	params := url.Values{}
	params.Set("error", e.Err.Code)
	params.Set("error_description", e.Err.Message)
	if e.State != "" {
		params.Set("state", e.State)
	}
	return appendQuery(e.RedirectURI, params)
}

func appendQuery(base string, params url.Values) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
