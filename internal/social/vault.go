// Package social keeps third-party provider tokens for linked accounts.
package social

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"productivity-auth/internal/encryption"
	"productivity-auth/internal/events"
	"productivity-auth/internal/models"
	apperrors "productivity-auth/pkg/errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// AccountStore persists linked accounts.
type AccountStore interface {
	UpsertLinkedAccount(ctx context.Context, account *models.LinkedAccount) error
	GetLinkedAccount(ctx context.Context, userID, provider string) (*models.LinkedAccount, error)
}

// Vault stores provider tokens encrypted at rest. A token that no longer
// decrypts is reported as needing re-authorization with the provider rather
// than as a failure.
type Vault struct {
	store     AccountStore
	encryptor *encryption.TokenEncryptor
	events    *events.Recorder
	logger    *zap.Logger
	now       func() time.Time
}

// NewVault creates a vault
func NewVault(store AccountStore, encryptor *encryption.TokenEncryptor, recorder *events.Recorder, logger *zap.Logger) *Vault {
	return &Vault{
		store:     store,
		encryptor: encryptor,
		events:    recorder,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (v *Vault) SetClock(now func() time.Time) {
	v.now = now
}

// Store encrypts and saves token for the user's provider account.
func (v *Vault) Store(ctx context.Context, userID, provider, providerUserID string, token *oauth2.Token) error {
	if token == nil || token.AccessToken == "" {
		return errors.New("provider token has no access token")
	}

	accessCT, err := v.encryptor.Encrypt(token.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	var refreshCT string
	if token.RefreshToken != "" {
		if refreshCT, err = v.encryptor.Encrypt(token.RefreshToken); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	now := v.now().UTC()
	return v.store.UpsertLinkedAccount(ctx, &models.LinkedAccount{
		ID:                     uuid.New().String(),
		UserID:                 userID,
		Provider:               provider,
		ProviderUserID:         providerUserID,
		AccessTokenCiphertext:  accessCT,
		RefreshTokenCiphertext: refreshCT,
		TokenExpiresAt:         token.Expiry,
		CreatedAt:              now,
		UpdatedAt:              now,
	})
}

// Token returns the decrypted provider token. It returns errors.ErrNotFound
// when no account is linked and errors.ErrReauthenticationRequired when the
// stored ciphertext cannot be decrypted.
func (v *Vault) Token(ctx context.Context, userID, provider string) (*oauth2.Token, error) {
	account, err := v.store.GetLinkedAccount(ctx, userID, provider)
	if err != nil {
		return nil, fmt.Errorf("load linked account: %w", err)
	}
	if account == nil {
		return nil, apperrors.ErrNotFound
	}

	access, err := v.encryptor.Decrypt(account.AccessTokenCiphertext)
	if err != nil {
		return nil, v.undecryptable(ctx, account, err)
	}
	token := &oauth2.Token{
		AccessToken: access,
		TokenType:   "Bearer",
		Expiry:      account.TokenExpiresAt,
	}
	if account.RefreshTokenCiphertext != "" {
		if token.RefreshToken, err = v.encryptor.Decrypt(account.RefreshTokenCiphertext); err != nil {
			return nil, v.undecryptable(ctx, account, err)
		}
	}
	return token, nil
}

func (v *Vault) undecryptable(ctx context.Context, account *models.LinkedAccount, err error) error {
	v.logger.Warn("Provider token could not be decrypted",
		zap.String("user_id", account.UserID),
		zap.String("provider", account.Provider),
		zap.Error(err))
	v.events.Record(ctx, models.SecurityEvent{
		Type:      models.EventProviderTokenUndecryptable,
		UserID:    account.UserID,
		ErrorCode: apperrors.ErrReauthenticationRequired.Code,
		Metadata:  map[string]string{"provider": account.Provider},
	})
	return apperrors.Wrap(err, apperrors.ErrReauthenticationRequired)
}

// Status reports whether the user's provider link is usable.
func (v *Vault) Status(ctx context.Context, userID, provider string) (*models.ProviderStatus, error) {
	status := &models.ProviderStatus{Provider: provider}

	token, err := v.Token(ctx, userID, provider)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return status, nil
	case errors.Is(err, apperrors.ErrReauthenticationRequired):
		status.Linked = true
		status.ReauthRequired = true
		return status, nil
	case err != nil:
		return nil, err
	}

	status.Linked = true
	if !token.Expiry.IsZero() {
		expiry := token.Expiry
		status.ExpiresAt = &expiry
		// Without a refresh token an expired access token cannot be renewed.
		status.ReauthRequired = token.RefreshToken == "" && !v.now().Before(expiry)
	}
	return status, nil
}

// TokenSource returns a source that refreshes the stored token through cfg
// and writes every renewed token back to the vault.
func (v *Vault) TokenSource(ctx context.Context, cfg *oauth2.Config, userID, provider string) (oauth2.TokenSource, error) {
	account, err := v.store.GetLinkedAccount(ctx, userID, provider)
	if err != nil {
		return nil, fmt.Errorf("load linked account: %w", err)
	}
	if account == nil {
		return nil, apperrors.ErrNotFound
	}

	token, err := v.Token(ctx, userID, provider)
	if err != nil {
		return nil, err
	}

	return &persistingSource{
		ctx:            ctx,
		base:           cfg.TokenSource(ctx, token),
		vault:          v,
		userID:         userID,
		provider:       provider,
		providerUserID: account.ProviderUserID,
		last:           token.AccessToken,
	}, nil
}

type persistingSource struct {
	ctx            context.Context
	base           oauth2.TokenSource
	vault          *Vault
	userID         string
	provider       string
	providerUserID string

	mu   sync.Mutex
	last string
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	token, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if token.AccessToken == s.last {
		return token, nil
	}
	if err := s.vault.Store(s.ctx, s.userID, s.provider, s.providerUserID, token); err != nil {
		s.vault.logger.Error("Failed to persist refreshed provider token",
			zap.String("user_id", s.userID),
			zap.String("provider", s.provider),
			zap.Error(err))
		return token, nil
	}
	s.last = token.AccessToken
	return token, nil
}
