package oauth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"productivity-auth/internal/auth"
	"productivity-auth/internal/cache"
	"productivity-auth/internal/models"
	"productivity-auth/internal/oauth"
	"productivity-auth/internal/testutil"
	apperrors "productivity-auth/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMiniredisCache(t *testing.T) (*cache.RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := cache.NewCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zap.NewNop())
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestClientRegistry_LookupCachesClient(t *testing.T) {
	repo := new(testutil.MockRepository)
	c, mr := newMiniredisCache(t)
	registry := oauth.NewClientRegistry(repo, c, 15*time.Minute, zap.NewNop())

	app := &models.OAuthApplication{ClientID: "web", RedirectURIs: []string{testRedirect}}
	repo.On("GetClientByID", mock.Anything, "web").Return(app, nil).Once()

	for i := 0; i < 3; i++ {
		got, err := registry.Lookup(context.Background(), "web")
		require.NoError(t, err)
		assert.Equal(t, app.RedirectURIs, got.RedirectURIs)
	}

	repo.AssertExpectations(t)
	assert.True(t, mr.Exists("client:web"))
}

func TestClientRegistry_LookupUnknown(t *testing.T) {
	repo := new(testutil.MockRepository)
	c, _ := newMiniredisCache(t)
	registry := oauth.NewClientRegistry(repo, c, time.Minute, zap.NewNop())

	repo.On("GetClientByID", mock.Anything, "ghost").Return(nil, nil)

	_, err := registry.Lookup(context.Background(), "ghost")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = registry.Lookup(context.Background(), "")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestClientRegistry_CacheOutageFallsBack(t *testing.T) {
	repo := new(testutil.MockRepository)
	mc := new(testutil.MockCache)
	registry := oauth.NewClientRegistry(repo, mc, time.Minute, zap.NewNop())

	app := &models.OAuthApplication{ClientID: "web"}
	mc.On("GetClient", mock.Anything, "web").Return(nil, errors.New("connection refused"))
	mc.On("SetClient", mock.Anything, app, time.Minute).Return(errors.New("connection refused"))
	repo.On("GetClientByID", mock.Anything, "web").Return(app, nil)

	got, err := registry.Lookup(context.Background(), "web")
	require.NoError(t, err)
	assert.Equal(t, "web", got.ClientID)
}

func TestClientRegistry_Authenticate(t *testing.T) {
	hash, err := auth.HashSecret("s3cret-value")
	require.NoError(t, err)

	confidential := &models.OAuthApplication{ClientID: "backend", ClientSecretHash: hash}
	public := &models.OAuthApplication{ClientID: "web"}

	repo := new(testutil.MockRepository)
	repo.On("GetClientByID", mock.Anything, "backend").Return(confidential, nil)
	repo.On("GetClientByID", mock.Anything, "web").Return(public, nil)
	repo.On("GetClientByID", mock.Anything, "ghost").Return(nil, nil)
	repo.On("UpdateClientUpdatedAt", mock.Anything, "backend").Return(nil)

	c, _ := newMiniredisCache(t)
	registry := oauth.NewClientRegistry(repo, c, time.Minute, zap.NewNop())
	ctx := context.Background()

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantErr  bool
	}{
		{"confidential with secret", "backend", "s3cret-value", false},
		{"confidential wrong secret", "backend", "wrong", true},
		{"confidential without secret", "backend", "", true},
		{"public without secret", "web", "", false},
		{"public with secret", "web", "anything", true},
		{"unknown client", "ghost", "s3cret-value", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := registry.Authenticate(ctx, tt.clientID, tt.secret)
			if tt.wantErr {
				assert.ErrorIs(t, err, apperrors.ErrInvalidClient)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.clientID, got.ClientID)
		})
	}

	repo.AssertCalled(t, "UpdateClientUpdatedAt", mock.Anything, "backend")
}
