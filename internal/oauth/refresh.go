package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"productivity-auth/internal/auth"
	"productivity-auth/internal/models"
	apperrors "productivity-auth/pkg/errors"

	"github.com/google/uuid"
)

// RefreshRepository is the persistence the refresh token store needs.
type RefreshRepository interface {
	CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error
	GetRefreshTokenByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error)
	RotateRefreshToken(ctx context.Context, oldHash string, revokedAt time.Time, next *models.RefreshToken) error
	RevokeRefreshTokens(ctx context.Context, userID, clientID string, revokedAt time.Time) (int64, error)
}

// MintFunc issues the access token that accompanies a rotation.
type MintFunc func(ctx context.Context, current *models.RefreshToken) (*auth.IssuedToken, error)

// Rotation is the result of a successful refresh.
type Rotation struct {
	Previous *models.RefreshToken
	Next     *models.RefreshToken
	RawToken string
	Access   *auth.IssuedToken
}

// RefreshTokenStore issues, rotates and revokes opaque refresh tokens. Only
// the SHA-256 of a token is persisted.
type RefreshTokenStore struct {
	repo       RefreshRepository
	ttl        time.Duration
	tokenBytes int
	now        func() time.Time
}

// NewRefreshTokenStore creates a store issuing tokenBytes random bytes valid for ttl.
func NewRefreshTokenStore(repo RefreshRepository, ttl time.Duration, tokenBytes int) *RefreshTokenStore {
	return &RefreshTokenStore{repo: repo, ttl: ttl, tokenBytes: tokenBytes, now: time.Now}
}

// SetClock replaces the time source. Tests only.
func (s *RefreshTokenStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *RefreshTokenStore) newToken(userID, clientID string, scopes []string) (string, *models.RefreshToken, error) {
	raw, err := auth.GenerateSecret(s.tokenBytes)
	if err != nil {
		return "", nil, err
	}
	now := s.now().UTC()
	return raw, &models.RefreshToken{
		ID:        uuid.New().String(),
		TokenHash: auth.HashToken(raw),
		UserID:    userID,
		ClientID:  clientID,
		Scopes:    scopes,
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	}, nil
}

// Issue creates a refresh token. The raw value is returned only here.
func (s *RefreshTokenStore) Issue(ctx context.Context, userID, clientID string, scopes []string) (string, *models.RefreshToken, error) {
	raw, record, err := s.newToken(userID, clientID, scopes)
	if err != nil {
		return "", nil, err
	}
	if err := s.repo.CreateRefreshToken(ctx, record); err != nil {
		return "", nil, fmt.Errorf("store refresh token: %w", err)
	}
	return raw, record, nil
}

// RedeemAndRotate validates raw for clientID, mints an access token and then
// revokes raw and stores its successor in one repository call. If another
// caller rotated the same token first the result is a revoked GrantError and
// the minted access token is discarded.
func (s *RefreshTokenStore) RedeemAndRotate(ctx context.Context, raw, clientID string, mint MintFunc) (*Rotation, error) {
	hash := auth.HashToken(raw)
	current, err := s.repo.GetRefreshTokenByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("load refresh token: %w", err)
	}
	if current == nil {
		return nil, &GrantError{Reason: ReasonNotFound, ClientID: clientID}
	}

	reject := func(reason string) (*Rotation, error) {
		return nil, &GrantError{Reason: reason, UserID: current.UserID, ClientID: current.ClientID}
	}

	now := s.now()
	switch {
	case current.Revoked:
		return reject(ReasonRevoked)
	case !now.Before(current.ExpiresAt):
		return reject(ReasonExpired)
	case current.ClientID != clientID:
		return reject(ReasonClientMismatch)
	}

	access, err := mint(ctx, current)
	if err != nil {
		return nil, err
	}

	nextRaw, next, err := s.newToken(current.UserID, current.ClientID, current.Scopes)
	if err != nil {
		return nil, err
	}

	if err := s.repo.RotateRefreshToken(ctx, hash, now.UTC(), next); err != nil {
		if errors.Is(err, apperrors.ErrTokenAlreadyRevoked) {
			return reject(ReasonRevoked)
		}
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}

	revokedAt := now.UTC()
	current.Revoked = true
	current.RevokedAt = &revokedAt
	return &Rotation{Previous: current, Next: next, RawToken: nextRaw, Access: access}, nil
}

// RevokeAll revokes every live token of userID for clientID.
func (s *RefreshTokenStore) RevokeAll(ctx context.Context, userID, clientID string) (int64, error) {
	return s.repo.RevokeRefreshTokens(ctx, userID, clientID, s.now().UTC())
}
