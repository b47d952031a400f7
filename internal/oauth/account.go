package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/mail"
	"strconv"
	"time"

	"productivity-auth/internal/auth"
	"productivity-auth/internal/models"
	apperrors "productivity-auth/pkg/errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	minPasswordLength = 8
	// bcrypt ignores everything past 72 bytes
	maxPasswordLength = 72

	roleUser = "ROLE_USER"
)

// Principal is an authenticated resource owner together with the access
// token that authenticated them.
type Principal struct {
	User   *models.User
	Claims *auth.Claims
}

// AuthTime is when the presented token was issued.
func (p *Principal) AuthTime() time.Time {
	if p.Claims != nil && p.Claims.IssuedAt != nil {
		return p.Claims.IssuedAt.Time
	}
	return time.Time{}
}

// Authenticate resolves a bearer access token to its owner. A token is
// accepted only if it verifies, has not been revoked at logout and names an
// existing account. Every failure is errors.ErrInvalidToken.
func (s *Server) Authenticate(ctx context.Context, token string) (*Principal, error) {
	claims, err := s.codec.Verify(token)
	if err != nil {
		if errors.Is(err, apperrors.ErrTokenExpired) {
			s.logger.Debug("Expired access token presented")
		} else {
			s.logger.Warn("Invalid access token presented", zap.Error(err))
		}
		return nil, apperrors.Wrap(err, apperrors.ErrInvalidToken)
	}

	if s.isRevoked(ctx, claims) {
		return nil, apperrors.ErrInvalidToken
	}

	user, err := s.users.GetUserByEmail(ctx, normalizeEmail(claims.ExtractUsername()))
	if err != nil {
		s.logger.Error("Failed to load token owner", zap.String("subject", claims.Subject), zap.Error(err))
		return nil, apperrors.Wrap(err, apperrors.ErrInternalServer)
	}
	if user == nil || !claims.ValidFor(user.Email, s.now()) {
		s.logger.Warn("Access token does not match an account", zap.String("subject", claims.Subject))
		return nil, apperrors.ErrInvalidToken
	}

	return &Principal{User: user, Claims: claims}, nil
}

// isRevoked checks the logout denylist. A cache outage is logged and the
// token is treated as live.
func (s *Server) isRevoked(ctx context.Context, claims *auth.Claims) bool {
	if claims.ID == "" {
		return false
	}
	revoked, err := s.cache.IsTokenRevoked(ctx, claims.ID)
	if err != nil {
		s.logger.Error("Failed to check token revocation", zap.String("jti", claims.ID), zap.Error(err))
		return false
	}
	return revoked
}

// Login exchanges an email and password for tokens issued to the first party
// client, or to the client named in the request if it allows the password
// grant. Unknown accounts and wrong passwords are indistinguishable.
func (s *Server) Login(ctx context.Context, req models.LoginRequest, meta RequestMeta) (*models.TokenResponse, error) {
	email := normalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		return nil, apperrors.ErrInvalidRequest
	}

	clientID := req.ClientID
	if clientID == "" {
		clientID = s.cfg.FirstPartyClientID
	}
	client, err := s.clients.Lookup(ctx, clientID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.ErrInvalidClient
		}
		s.logger.Error("Failed to look up client", zap.String("client_id", clientID), zap.Error(err))
		return nil, apperrors.Wrap(err, apperrors.ErrInternalServer)
	}
	if !client.AllowsGrantType(models.GrantTypePassword) {
		return nil, apperrors.ErrUnauthorizedClient
	}

	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		s.logger.Error("Failed to load user", zap.Error(err))
		return nil, apperrors.Wrap(err, apperrors.ErrInternalServer)
	}
	// Known and unknown emails are throttled alike. Unknown ones count under
	// a key derived from the address.
	failureKey := unknownAccountKey(email)
	if user != nil {
		failureKey = user.ID
	}

	if s.tooManyFailures(ctx, failureKey) {
		s.logger.Warn("Login throttled after repeated failures", zap.String("subject", failureKey), zap.String("ip", meta.IP))
		s.record(ctx, meta, models.SecurityEvent{
			Type:             models.EventSuspiciousActivity,
			UserID:           failureKey,
			ClientID:         client.ClientID,
			ErrorCode:        apperrors.ErrTooManyAttempts.Code,
			ErrorDescription: "repeated failed logins",
		})
		return nil, apperrors.ErrTooManyAttempts
	}

	if user == nil {
		auth.BurnComparison(req.Password)
		s.record(ctx, meta, models.SecurityEvent{
			Type:      models.EventLoginFailure,
			UserID:    failureKey,
			ClientID:  client.ClientID,
			ErrorCode: apperrors.ErrInvalidCredentials.Code,
			Metadata:  map[string]string{"reason": "unknown_account"},
		})
		return nil, apperrors.ErrInvalidCredentials
	}

	if !auth.CompareSecret(user.PasswordHash, req.Password) {
		s.record(ctx, meta, models.SecurityEvent{
			Type:      models.EventLoginFailure,
			UserID:    user.ID,
			ClientID:  client.ClientID,
			ErrorCode: apperrors.ErrInvalidCredentials.Code,
		})
		return nil, apperrors.ErrInvalidCredentials
	}

	resp, err := s.issueTokens(ctx, s.subject(user, client.ClientID, client.Scopes), models.GrantTypePassword, meta)
	if err != nil {
		return nil, err
	}

	s.record(ctx, meta, models.SecurityEvent{
		Type:     models.EventLoginSuccess,
		UserID:   user.ID,
		ClientID: client.ClientID,
		Success:  true,
	})
	return resp, nil
}

// unknownAccountKey is the audit subject for login attempts against an
// address with no account. The address itself is never stored.
func unknownAccountKey(email string) string {
	return "email:" + auth.HashToken(email)
}

func (s *Server) tooManyFailures(ctx context.Context, subject string) bool {
	if s.cfg.MaxFailedLogins <= 0 {
		return false
	}
	failures, err := s.events.CountFailedLogins(ctx, subject, s.now().Add(-s.cfg.FailedLoginWindow))
	if err != nil {
		s.logger.Error("Failed to count failed logins", zap.String("subject", subject), zap.Error(err))
		return false
	}
	return failures >= s.cfg.MaxFailedLogins
}

// Register creates an account with the default role.
func (s *Server) Register(ctx context.Context, req models.RegisterRequest, meta RequestMeta) (*models.User, error) {
	email := normalizeEmail(req.Email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return nil, apperrors.ErrInvalidRequest
	}
	if len(req.Password) < minPasswordLength || len(req.Password) > maxPasswordLength {
		return nil, apperrors.ErrInvalidRequest
	}

	hash, err := auth.HashSecret(req.Password)
	if err != nil {
		s.logger.Error("Failed to hash password", zap.Error(err))
		return nil, apperrors.Wrap(err, apperrors.ErrInternalServer)
	}

	user := &models.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hash,
		Roles:        []string{roleUser},
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, apperrors.ErrEmailExists) {
			return nil, apperrors.ErrEmailTaken
		}
		s.logger.Error("Failed to create user", zap.Error(err))
		return nil, apperrors.Wrap(err, apperrors.ErrInternalServer)
	}

	s.record(ctx, meta, models.SecurityEvent{
		Type:    models.EventRegistration,
		UserID:  user.ID,
		Success: true,
	})
	return user, nil
}

// Logout revokes every refresh token the principal holds for the token's
// client and denylists the access token until it expires.
func (s *Server) Logout(ctx context.Context, principal *Principal, meta RequestMeta) error {
	clientID := principal.Claims.ClientID
	revoked, err := s.refresh.RevokeAll(ctx, principal.User.ID, clientID)
	if err != nil {
		s.logger.Error("Failed to revoke refresh tokens", zap.String("user_id", principal.User.ID), zap.Error(err))
		return apperrors.Wrap(err, apperrors.ErrInternalServer)
	}

	if jti := principal.Claims.ID; jti != "" && principal.Claims.ExpiresAt != nil {
		ttl := principal.Claims.ExpiresAt.Sub(s.now())
		if err := s.cache.RevokeToken(ctx, jti, ttl); err != nil {
			s.logger.Error("Failed to denylist access token", zap.String("jti", jti), zap.Error(err))
		}
	}

	s.record(ctx, meta, models.SecurityEvent{
		Type:     models.EventLogout,
		UserID:   principal.User.ID,
		ClientID: clientID,
		Success:  true,
		Metadata: map[string]string{"revoked_refresh_tokens": strconv.FormatInt(revoked, 10)},
	})
	return nil
}

// UserInfo returns the OIDC userinfo claims of the principal.
func (s *Server) UserInfo(principal *Principal) map[string]interface{} {
	return map[string]interface{}{
		"sub":         principal.User.Email,
		"email":       principal.User.Email,
		"authorities": principal.User.Roles,
	}
}

// SecurityEvents returns the principal's most recent audit events.
func (s *Server) SecurityEvents(ctx context.Context, principal *Principal, limit int) ([]models.SecurityEvent, error) {
	events, err := s.events.RecentEvents(ctx, principal.User.ID, limit)
	if err != nil {
		s.logger.Error("Failed to list security events", zap.String("user_id", principal.User.ID), zap.Error(err))
		return nil, apperrors.Wrap(err, apperrors.ErrInternalServer)
	}
	return events, nil
}

// Verify reports whether token is a live access token and returns its claims.
func (s *Server) Verify(ctx context.Context, token string) *models.VerifyResponse {
	claims, err := s.codec.Verify(token)
	if err != nil {
		message := "token is invalid"
		if errors.Is(err, apperrors.ErrTokenExpired) {
			message = "token is expired"
		}
		s.logger.Debug("Token validation failed", zap.Error(err))
		return &models.VerifyResponse{Valid: false, Message: message}
	}
	if s.isRevoked(ctx, claims) {
		return &models.VerifyResponse{Valid: false, Message: "token has been revoked"}
	}

	claimsMap, err := claimsToMap(claims)
	if err != nil {
		s.logger.Error("Failed to encode claims", zap.Error(err))
		return &models.VerifyResponse{Valid: false, Message: "token is invalid"}
	}
	return &models.VerifyResponse{Valid: true, Claims: claimsMap}
}

func claimsToMap(claims *auth.Claims) (map[string]interface{}, error) {
	data, err := json.Marshal(claims)
	if err != nil {
		return nil, err
	}
	m := make(map[string]interface{})
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
