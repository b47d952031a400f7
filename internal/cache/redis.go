package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"productivity-auth/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	clientKeyPrefix    = "client:"
	rateLimitKeyPrefix = "rate_limit:"
	revokedJTIPrefix   = "revoked:jti:"
	linkStatePrefix    = "link_state:"
)

// Cache is the Redis-backed state shared between instances: client metadata,
// per-client request quotas, the access token denylist and pending provider
// links.
type Cache interface {
	Close() error
	Ping(ctx context.Context) error

	GetClient(ctx context.Context, clientID string) (*models.OAuthApplication, error)
	SetClient(ctx context.Context, client *models.OAuthApplication, ttl time.Duration) error
	DeleteClient(ctx context.Context, clientID string) error

	// CheckRateLimit counts one request in the current fixed window and
	// reports whether the client is over limit.
	CheckRateLimit(ctx context.Context, clientID string, limit int, window time.Duration) (bool, error)

	RevokeToken(ctx context.Context, jti string, ttl time.Duration) error
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)

	SaveLinkState(ctx context.Context, state string, link *models.LinkState, ttl time.Duration) error
	// TakeLinkState returns and deletes the pending link. A state can be
	// taken once; a missing or expired one returns nil.
	TakeLinkState(ctx context.Context, state string) (*models.LinkState, error)
}

// RedisCache handles Redis operations
type RedisCache struct {
	client   redis.UniversalClient
	logger   *zap.Logger
	embedded *miniredis.Miniredis
}

// NewCache connects to redisURL and verifies the connection.
func NewCache(ctx context.Context, redisURL string, logger *zap.Logger) (*RedisCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewCacheWithClient(client, logger), nil
}

// NewEmbeddedCache runs an in-process Redis for the memory storage backend.
// Nothing survives a restart.
func NewEmbeddedCache(logger *zap.Logger) (*RedisCache, error) {
	server, err := miniredis.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start embedded redis: %w", err)
	}
	c := NewCacheWithClient(redis.NewClient(&redis.Options{Addr: server.Addr()}), logger)
	c.embedded = server
	return c, nil
}

// NewCacheWithClient wraps a pre-configured client.
func NewCacheWithClient(client redis.UniversalClient, logger *zap.Logger) *RedisCache {
	return &RedisCache{client: client, logger: logger}
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	err := c.client.Close()
	if c.embedded != nil {
		c.embedded.Close()
	}
	return err
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// GetClient retrieves client metadata from cache
func (c *RedisCache) GetClient(ctx context.Context, clientID string) (*models.OAuthApplication, error) {
	data, err := c.client.Get(ctx, clientKeyPrefix+clientID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		c.logger.Error("Failed to get client from cache", zap.String("client_id", clientID), zap.Error(err))
		return nil, err
	}

	var client models.OAuthApplication
	if err := json.Unmarshal(data, &client); err != nil {
		c.logger.Error("Failed to unmarshal client data", zap.String("client_id", clientID), zap.Error(err))
		return nil, err
	}
	return &client, nil
}

// SetClient stores client metadata in cache
func (c *RedisCache) SetClient(ctx context.Context, client *models.OAuthApplication, ttl time.Duration) error {
	data, err := json.Marshal(client)
	if err != nil {
		return err
	}

	if err := c.client.Set(ctx, clientKeyPrefix+client.ClientID, data, ttl).Err(); err != nil {
		c.logger.Error("Failed to set client in cache", zap.String("client_id", client.ClientID), zap.Error(err))
		return err
	}
	return nil
}

// DeleteClient evicts cached client metadata.
func (c *RedisCache) DeleteClient(ctx context.Context, clientID string) error {
	if err := c.client.Del(ctx, clientKeyPrefix+clientID).Err(); err != nil {
		c.logger.Error("Failed to delete client from cache", zap.String("client_id", clientID), zap.Error(err))
		return err
	}
	return nil
}

// CheckRateLimit implements a fixed window counter. The window key is created
// with its TTL and incremented inside one MULTI.
func (c *RedisCache) CheckRateLimit(ctx context.Context, clientID string, limit int, window time.Duration) (bool, error) {
	key := rateLimitKeyPrefix + clientID

	var incr *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, key, 0, window)
		incr = pipe.Incr(ctx, key)
		return nil
	})
	if err != nil {
		c.logger.Error("Failed to increment rate limit counter", zap.String("client_id", clientID), zap.Error(err))
		return false, err
	}

	return incr.Val() > int64(limit), nil
}

// RevokeToken adds an access token jti to the denylist until ttl elapses.
func (c *RedisCache) RevokeToken(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := c.client.Set(ctx, revokedJTIPrefix+jti, "1", ttl).Err(); err != nil {
		c.logger.Error("Failed to revoke token", zap.String("jti", jti), zap.Error(err))
		return err
	}
	return nil
}

// IsTokenRevoked checks if a token is revoked
func (c *RedisCache) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	exists, err := c.client.Exists(ctx, revokedJTIPrefix+jti).Result()
	if err != nil {
		c.logger.Error("Failed to check token revocation", zap.String("jti", jti), zap.Error(err))
		return false, err
	}
	return exists > 0, nil
}

// SaveLinkState stores a pending provider link until ttl elapses.
func (c *RedisCache) SaveLinkState(ctx context.Context, state string, link *models.LinkState, ttl time.Duration) error {
	data, err := json.Marshal(link)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, linkStatePrefix+state, data, ttl).Err(); err != nil {
		c.logger.Error("Failed to save link state", zap.String("provider", link.Provider), zap.Error(err))
		return err
	}
	return nil
}

// TakeLinkState reads and deletes a pending provider link in one GETDEL.
func (c *RedisCache) TakeLinkState(ctx context.Context, state string) (*models.LinkState, error) {
	data, err := c.client.GetDel(ctx, linkStatePrefix+state).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		c.logger.Error("Failed to take link state", zap.Error(err))
		return nil, err
	}

	var link models.LinkState
	if err := json.Unmarshal(data, &link); err != nil {
		return nil, fmt.Errorf("decode link state: %w", err)
	}
	return &link, nil
}

var _ Cache = (*RedisCache)(nil)
