package oauth

import (
	"context"
	"errors"
	"slices"

	"productivity-auth/internal/auth"
	"productivity-auth/internal/models"
	apperrors "productivity-auth/pkg/errors"

	"go.uber.org/zap"
)

// TokenRequest carries the /oauth2/token form after client credentials have
// been pulled from either the Authorization header or the body.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string
}

// Token authenticates the client and dispatches on grant_type.
func (s *Server) Token(ctx context.Context, req TokenRequest, meta RequestMeta) (*models.TokenResponse, error) {
	switch req.GrantType {
	case models.GrantTypeAuthorizationCode, models.GrantTypeRefreshToken:
	case "":
		return nil, apperrors.ErrInvalidRequest
	default:
		return nil, apperrors.ErrUnsupportedGrantType
	}

	client, err := s.clients.Authenticate(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		if errors.Is(err, apperrors.ErrInvalidClient) {
			s.metrics.GrantFailures.WithLabelValues("invalid_client").Inc()
			return nil, err
		}
		s.logger.Error("Failed to authenticate client", zap.String("client_id", req.ClientID), zap.Error(err))
		return nil, apperrors.Wrap(err, apperrors.ErrInternalServer)
	}

	if err := s.checkClientQuota(ctx, client, meta); err != nil {
		return nil, err
	}

	if !client.AllowsGrantType(req.GrantType) {
		return nil, apperrors.ErrUnauthorizedClient
	}

	switch req.GrantType {
	case models.GrantTypeAuthorizationCode:
		return s.exchangeCode(ctx, client, req, meta)
	default:
		return s.refreshGrant(ctx, client, req, meta)
	}
}

// checkClientQuota applies the client's fixed window quota. A cache outage
// lets the request through.
func (s *Server) checkClientQuota(ctx context.Context, client *models.OAuthApplication, meta RequestMeta) error {
	if client.RateLimit <= 0 {
		return nil
	}
	exceeded, err := s.cache.CheckRateLimit(ctx, client.ClientID, client.RateLimit, s.cfg.ClientRateLimitWindow)
	if err != nil {
		s.logger.Error("Rate limit check failed", zap.String("client_id", client.ClientID), zap.Error(err))
		return nil
	}
	if !exceeded {
		return nil
	}

	s.metrics.RateLimitRejections.WithLabelValues("client").Inc()
	s.record(ctx, meta, models.SecurityEvent{
		Type:      models.EventRateLimited,
		ClientID:  client.ClientID,
		ErrorCode: apperrors.ErrRateLimitExceeded.Code,
	})
	return apperrors.ErrRateLimitExceeded
}

func (s *Server) exchangeCode(ctx context.Context, client *models.OAuthApplication, req TokenRequest, meta RequestMeta) (*models.TokenResponse, error) {
	if req.Code == "" || req.RedirectURI == "" {
		return nil, apperrors.ErrInvalidRequest
	}

	code, err := s.codes.Redeem(ctx, req.Code, client.ClientID, req.RedirectURI, req.CodeVerifier)
	if err != nil {
		return nil, s.grantFailure(ctx, models.GrantTypeAuthorizationCode, err, meta)
	}

	user, err := s.users.GetUserByID(ctx, code.UserID)
	if err != nil {
		s.logger.Error("Failed to load code owner", zap.String("user_id", code.UserID), zap.Error(err))
		return nil, apperrors.Wrap(err, apperrors.ErrInternalServer)
	}
	if user == nil {
		return nil, s.grantFailure(ctx, models.GrantTypeAuthorizationCode, &GrantError{Reason: ReasonUserMissing, UserID: code.UserID, ClientID: client.ClientID}, meta)
	}

	s.record(ctx, meta, models.SecurityEvent{
		Type:     models.EventCodeUsed,
		UserID:   user.ID,
		ClientID: client.ClientID,
		Success:  true,
	})

	subject := s.subject(user, client.ClientID, code.Scopes)
	resp, err := s.issueTokens(ctx, subject, models.GrantTypeAuthorizationCode, meta)
	if err != nil {
		return nil, err
	}

	if slices.Contains(code.Scopes, models.ScopeOpenID) {
		idToken, err := s.codec.IssueIDToken(subject, code.Nonce, code.AuthTime, s.cfg.AccessTokenTTL)
		if err != nil {
			s.logger.Error("Failed to sign ID token", zap.String("user_id", user.ID), zap.Error(err))
			return nil, apperrors.Wrap(err, apperrors.ErrInternalServer)
		}
		resp.IDToken = idToken
	}
	return resp, nil
}

// issueTokens mints an access token and a fresh refresh token for subject.
func (s *Server) issueTokens(ctx context.Context, subject models.TokenSubject, grantType string, meta RequestMeta) (*models.TokenResponse, error) {
	access, err := s.codec.Issue(subject, s.cfg.AccessTokenTTL)
	if err != nil {
		s.logger.Error("Failed to generate access token", zap.String("user_id", subject.UserID), zap.Error(err))
		return nil, apperrors.Wrap(err, apperrors.ErrInternalServer)
	}

	raw, _, err := s.refresh.Issue(ctx, subject.UserID, subject.ClientID, subject.Scopes)
	if err != nil {
		s.logger.Error("Failed to store refresh token", zap.String("user_id", subject.UserID), zap.Error(err))
		return nil, apperrors.Wrap(err, apperrors.ErrInternalServer)
	}

	s.metrics.TokensIssued.WithLabelValues(grantType).Inc()
	s.record(ctx, meta, models.SecurityEvent{
		Type:     models.EventTokenIssued,
		UserID:   subject.UserID,
		ClientID: subject.ClientID,
		Success:  true,
		Metadata: map[string]string{"grant_type": grantType},
	})
	return s.tokenResponse(access, raw, subject.Scopes), nil
}

func (s *Server) refreshGrant(ctx context.Context, client *models.OAuthApplication, req TokenRequest, meta RequestMeta) (*models.TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, apperrors.ErrInvalidRequest
	}
	requested := parseScopes(req.Scope)

	var granted []string
	mint := func(ctx context.Context, current *models.RefreshToken) (*auth.IssuedToken, error) {
		granted = current.Scopes
		if len(requested) > 0 {
			for _, scope := range requested {
				if !slices.Contains(current.Scopes, scope) {
					return nil, &GrantError{Reason: ReasonScopeExceeded, UserID: current.UserID, ClientID: current.ClientID}
				}
			}
			granted = requested
		}

		user, err := s.users.GetUserByID(ctx, current.UserID)
		if err != nil {
			return nil, err
		}
		if user == nil {
			return nil, &GrantError{Reason: ReasonUserMissing, UserID: current.UserID, ClientID: current.ClientID}
		}
		return s.codec.Issue(s.subject(user, current.ClientID, granted), s.cfg.AccessTokenTTL)
	}

	rotation, err := s.refresh.RedeemAndRotate(ctx, req.RefreshToken, client.ClientID, mint)
	if err != nil {
		var grantErr *GrantError
		if errors.As(err, &grantErr) {
			if grantErr.Reason == ReasonScopeExceeded {
				s.metrics.GrantFailures.WithLabelValues(ReasonScopeExceeded).Inc()
				return nil, apperrors.ErrInvalidScope
			}
			return nil, s.grantFailure(ctx, models.GrantTypeRefreshToken, err, meta)
		}
		s.logger.Error("Failed to rotate refresh token", zap.String("client_id", client.ClientID), zap.Error(err))
		return nil, apperrors.Wrap(err, apperrors.ErrInternalServer)
	}

	s.metrics.TokensIssued.WithLabelValues(models.GrantTypeRefreshToken).Inc()
	s.record(ctx, meta, models.SecurityEvent{
		Type:     models.EventTokenRefresh,
		UserID:   rotation.Next.UserID,
		ClientID: rotation.Next.ClientID,
		Success:  true,
		Metadata: map[string]string{"previous_token_id": rotation.Previous.ID},
	})
	return s.tokenResponse(rotation.Access, rotation.RawToken, granted), nil
}

// grantFailure counts and audits a rejected grant. A replayed code revokes
// every refresh token the pair holds, since one of them may have been issued
// to the attacker. The caller always sees invalid_grant.
func (s *Server) grantFailure(ctx context.Context, grantType string, err error, meta RequestMeta) error {
	var grantErr *GrantError
	if !errors.As(err, &grantErr) {
		s.logger.Error("Grant processing failed", zap.Error(err))
		return apperrors.Wrap(err, apperrors.ErrInternalServer)
	}

	s.metrics.GrantFailures.WithLabelValues(grantErr.Reason).Inc()
	logFields := []zap.Field{
		zap.String("grant_type", grantType),
		zap.String("reason", grantErr.Reason),
		zap.String("client_id", grantErr.ClientID),
		zap.String("user_id", grantErr.UserID),
		zap.String("ip", meta.IP),
	}

	switch grantErr.Reason {
	case ReasonCodeReused:
		s.logger.Warn("Authorization code replay detected", logFields...)
		s.record(ctx, meta, models.SecurityEvent{
			Type:             models.EventCodeReuse,
			UserID:           grantErr.UserID,
			ClientID:         grantErr.ClientID,
			ErrorCode:        apperrors.ErrInvalidGrant.Code,
			ErrorDescription: "authorization code presented more than once",
		})
		if grantErr.UserID != "" {
			if _, err := s.refresh.RevokeAll(ctx, grantErr.UserID, grantErr.ClientID); err != nil {
				s.logger.Error("Failed to revoke tokens after code replay", append(logFields, zap.Error(err))...)
			}
		}
	case ReasonExpired:
		s.logger.Info("Expired grant presented", logFields...)
		if grantType != models.GrantTypeAuthorizationCode {
			break
		}
		s.record(ctx, meta, models.SecurityEvent{
			Type:      models.EventCodeExpired,
			UserID:    grantErr.UserID,
			ClientID:  grantErr.ClientID,
			ErrorCode: apperrors.ErrInvalidGrant.Code,
		})
	case ReasonRevoked:
		s.logger.Warn("Revoked refresh token presented", logFields...)
		s.record(ctx, meta, models.SecurityEvent{
			Type:             models.EventSuspiciousActivity,
			UserID:           grantErr.UserID,
			ClientID:         grantErr.ClientID,
			ErrorCode:        apperrors.ErrInvalidGrant.Code,
			ErrorDescription: "revoked refresh token presented",
		})
	default:
		s.logger.Info("Grant rejected", logFields...)
	}

	return err
}
