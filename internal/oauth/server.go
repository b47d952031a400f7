// Package oauth implements the authorization code and refresh token grants
// together with the stores they depend on.
package oauth

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"productivity-auth/internal/auth"
	"productivity-auth/internal/cache"
	"productivity-auth/internal/events"
	"productivity-auth/internal/metrics"
	"productivity-auth/internal/models"
	apperrors "productivity-auth/pkg/errors"

	"go.uber.org/zap"
)

// UserStore is the account lookup the server needs.
type UserStore interface {
	GetUserByID(ctx context.Context, userID string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
}

// ServerConfig holds the protocol tunables.
type ServerConfig struct {
	AccessTokenTTL        time.Duration
	ClientRateLimitWindow time.Duration
	MaxFailedLogins       int
	FailedLoginWindow     time.Duration
	FirstPartyClientID    string
}

// RequestMeta is the request context recorded on security events.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// AuthorizeRequest carries the /oauth2/authorize query parameters.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// Server drives the authorize and token endpoints.
type Server struct {
	cfg     ServerConfig
	users   UserStore
	clients *ClientRegistry
	codes   *CodeStore
	refresh *RefreshTokenStore
	codec   *auth.TokenCodec
	cache   cache.Cache
	events  *events.Recorder
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewServer creates a protocol server
func NewServer(
	cfg ServerConfig,
	users UserStore,
	clients *ClientRegistry,
	codes *CodeStore,
	refresh *RefreshTokenStore,
	codec *auth.TokenCodec,
	c cache.Cache,
	recorder *events.Recorder,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Server {
	return &Server{
		cfg:     cfg,
		users:   users,
		clients: clients,
		codes:   codes,
		refresh: refresh,
		codec:   codec,
		cache:   c,
		events:  recorder,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

// Authorize validates an authorization request on behalf of principal and
// returns the redirect carrying the new code. Errors are *AuthorizeError.
// Until the client and redirect URI are known to be registered, errors are
// rendered in-band; after that they are redirected back with the state.
func (s *Server) Authorize(ctx context.Context, req AuthorizeRequest, principal *Principal, meta RequestMeta) (string, error) {
	client, err := s.clients.Lookup(ctx, req.ClientID)
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			s.logger.Error("Failed to look up client", zap.String("client_id", req.ClientID), zap.Error(err))
			return "", &AuthorizeError{Err: apperrors.Wrap(err, apperrors.ErrInternalServer)}
		}
		return "", &AuthorizeError{Err: apperrors.ErrInvalidRequest}
	}
	if !client.AllowsRedirectURI(req.RedirectURI) {
		s.logger.Warn("Authorization request with unregistered redirect_uri",
			zap.String("client_id", client.ClientID),
			zap.String("redirect_uri", req.RedirectURI))
		return "", &AuthorizeError{Err: apperrors.ErrInvalidRequest}
	}

	reject := func(e *apperrors.ServiceError) (string, error) {
		return "", &AuthorizeError{Err: e, RedirectURI: req.RedirectURI, State: req.State}
	}

	if req.ResponseType != models.ResponseTypeCode {
		return reject(apperrors.ErrUnsupportedResponseType)
	}
	if !client.AllowsResponseType(models.ResponseTypeCode) || !client.AllowsGrantType(models.GrantTypeAuthorizationCode) {
		return reject(apperrors.ErrUnauthorizedClient)
	}

	scopes := parseScopes(req.Scope)
	if len(scopes) == 0 {
		scopes = client.Scopes
	}
	if !client.AllowsScopes(scopes) {
		return reject(apperrors.ErrInvalidScope)
	}

	if req.CodeChallengeMethod != "" {
		if req.CodeChallenge == "" || !auth.ValidChallengeMethod(req.CodeChallengeMethod) {
			return reject(apperrors.ErrInvalidRequest)
		}
	}
	if client.IsPublic() && req.CodeChallenge == "" {
		return reject(apperrors.ErrInvalidRequest)
	}
	if req.CodeChallenge != "" && !auth.ValidChallenge(req.CodeChallenge) {
		return reject(apperrors.ErrInvalidRequest)
	}

	if principal == nil {
		return reject(apperrors.ErrLoginRequired)
	}

	code, err := s.codes.Issue(ctx, CodeGrant{
		ClientID:            client.ClientID,
		UserID:              principal.User.ID,
		RedirectURI:         req.RedirectURI,
		Scopes:              scopes,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		State:               req.State,
		AuthTime:            principal.AuthTime(),
	})
	if err != nil {
		s.logger.Error("Failed to issue authorization code", zap.String("client_id", client.ClientID), zap.Error(err))
		return reject(apperrors.Wrap(err, apperrors.ErrInternalServer))
	}

	s.record(ctx, meta, models.SecurityEvent{
		Type:     models.EventCodeIssued,
		UserID:   principal.User.ID,
		ClientID: client.ClientID,
		Success:  true,
	})

	params := url.Values{}
	params.Set("code", code.Code)
	if req.State != "" {
		params.Set("state", req.State)
	}
	return appendQuery(req.RedirectURI, params), nil
}

// record stamps meta onto event and hands it to the recorder.
func (s *Server) record(ctx context.Context, meta RequestMeta, event models.SecurityEvent) {
	event.IPAddress = meta.IP
	event.UserAgent = meta.UserAgent
	s.events.Record(ctx, event)
}

func (s *Server) subject(user *models.User, clientID string, scopes []string) models.TokenSubject {
	return models.TokenSubject{
		UserID:   user.ID,
		Email:    user.Email,
		Roles:    user.Roles,
		Scopes:   scopes,
		ClientID: clientID,
	}
}

func (s *Server) tokenResponse(access *auth.IssuedToken, refreshToken string, scopes []string) *models.TokenResponse {
	return &models.TokenResponse{
		AccessToken:  access.Token,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.cfg.AccessTokenTTL.Seconds()),
		RefreshToken: refreshToken,
		Scope:        strings.Join(scopes, " "),
	}
}

func parseScopes(scope string) []string {
	return strings.Fields(scope)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
