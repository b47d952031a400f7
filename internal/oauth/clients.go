package oauth

import (
	"context"
	"errors"
	"time"

	"productivity-auth/internal/auth"
	"productivity-auth/internal/cache"
	"productivity-auth/internal/models"
	apperrors "productivity-auth/pkg/errors"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ClientStore is the slice of the repository the registry reads.
type ClientStore interface {
	GetClientByID(ctx context.Context, clientID string) (*models.OAuthApplication, error)
	UpdateClientUpdatedAt(ctx context.Context, clientID string) error
}

// ClientRegistry resolves registered applications, cache first.
type ClientRegistry struct {
	store  ClientStore
	cache  cache.Cache
	ttl    time.Duration
	logger *zap.Logger
	group  singleflight.Group
}

// NewClientRegistry creates a registry caching lookups for ttl.
func NewClientRegistry(store ClientStore, c cache.Cache, ttl time.Duration, logger *zap.Logger) *ClientRegistry {
	return &ClientRegistry{store: store, cache: c, ttl: ttl, logger: logger}
}

// Lookup returns the client or errors.ErrNotFound.
func (r *ClientRegistry) Lookup(ctx context.Context, clientID string) (*models.OAuthApplication, error) {
	if clientID == "" {
		return nil, apperrors.ErrNotFound
	}

	client, err := r.cache.GetClient(ctx, clientID)
	if err != nil {
		r.logger.Warn("Client cache unavailable, falling back to database", zap.String("client_id", clientID), zap.Error(err))
	}
	if client != nil {
		return client, nil
	}

	v, err, _ := r.group.Do(clientID, func() (interface{}, error) {
		client, err := r.store.GetClientByID(ctx, clientID)
		if err != nil {
			return nil, err
		}
		if client == nil {
			return nil, apperrors.ErrNotFound
		}
		if err := r.cache.SetClient(ctx, client, r.ttl); err != nil {
			r.logger.Warn("Failed to cache client", zap.String("client_id", clientID), zap.Error(err))
		}
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.OAuthApplication), nil
}

// Authenticate resolves the client and checks its secret. Public clients
// authenticate with an id and no secret. Unknown clients and wrong secrets
// both return errors.ErrInvalidClient after one bcrypt comparison.
func (r *ClientRegistry) Authenticate(ctx context.Context, clientID, secret string) (*models.OAuthApplication, error) {
	client, err := r.Lookup(ctx, clientID)
	if errors.Is(err, apperrors.ErrNotFound) {
		auth.BurnComparison(secret)
		return nil, apperrors.ErrInvalidClient
	}
	if err != nil {
		return nil, err
	}

	if client.IsPublic() {
		if secret != "" {
			return nil, apperrors.ErrInvalidClient
		}
		return client, nil
	}

	if !auth.CompareSecret(client.ClientSecretHash, secret) {
		return nil, apperrors.ErrInvalidClient
	}

	if err := r.store.UpdateClientUpdatedAt(ctx, client.ClientID); err != nil {
		r.logger.Warn("Failed to touch client", zap.String("client_id", client.ClientID), zap.Error(err))
	}
	return client, nil
}
