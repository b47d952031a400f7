package database

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"productivity-auth/internal/models"
	apperrors "productivity-auth/pkg/errors"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runRepositoryContract exercises behaviour every Repository must share.
func runRepositoryContract(t *testing.T, repo Repository) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	user := &models.User{
		ID:           uuid.New().String(),
		Email:        "contract-" + uuid.New().String()[:8] + "@example.com",
		PasswordHash: "hash",
		Roles:        []string{"ROLE_USER"},
	}

	t.Run("users", func(t *testing.T) {
		require.NoError(t, repo.CreateUser(ctx, user))

		got, err := repo.GetUserByEmail(ctx, user.Email)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, user.ID, got.ID)
		assert.Equal(t, []string{"ROLE_USER"}, got.Roles)

		dup := &models.User{ID: uuid.New().String(), Email: user.Email, PasswordHash: "x"}
		assert.ErrorIs(t, repo.CreateUser(ctx, dup), apperrors.ErrEmailExists)

		missing, err := repo.GetUserByID(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("clients", func(t *testing.T) {
		app := &models.OAuthApplication{
			ClientID:                "contract-" + uuid.New().String()[:8],
			Name:                    "Contract",
			RedirectURIs:            []string{"https://app.example.com/cb"},
			Scopes:                  []string{"openid"},
			GrantTypes:              []string{models.GrantTypeAuthorizationCode},
			ResponseTypes:           []string{models.ResponseTypeCode},
			TokenEndpointAuthMethod: models.AuthMethodNone,
			RateLimit:               10,
		}
		require.NoError(t, repo.CreateClient(ctx, app))

		got, err := repo.GetClientByID(ctx, app.ClientID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.IsPublic())
		assert.Equal(t, app.RedirectURIs, got.RedirectURIs)

		none, err := repo.GetClientByID(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, none)
	})

	t.Run("authorization code is marked used once", func(t *testing.T) {
		code := &models.AuthorizationCode{
			Code:        uuid.New().String(),
			ClientID:    "web",
			UserID:      user.ID,
			RedirectURI: "https://app.example.com/cb",
			Scopes:      []string{"openid"},
			AuthTime:    now,
			ExpiresAt:   now.Add(5 * time.Minute),
			CreatedAt:   now,
		}
		require.NoError(t, repo.CreateAuthorizationCode(ctx, code))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := repo.MarkAuthorizationCodeUsed(ctx, code.Code, now)
				assert.NoError(t, err)
				if ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())

		got, err := repo.GetAuthorizationCode(ctx, code.Code)
		require.NoError(t, err)
		assert.True(t, got.Used)
	})

	t.Run("expired code cannot be marked", func(t *testing.T) {
		code := &models.AuthorizationCode{
			Code:        uuid.New().String(),
			ClientID:    "web",
			UserID:      user.ID,
			RedirectURI: "https://app.example.com/cb",
			AuthTime:    now,
			ExpiresAt:   now.Add(-time.Second),
			CreatedAt:   now.Add(-time.Minute),
		}
		require.NoError(t, repo.CreateAuthorizationCode(ctx, code))

		ok, err := repo.MarkAuthorizationCodeUsed(ctx, code.Code, now)
		require.NoError(t, err)
		assert.False(t, ok)

		n, err := repo.DeleteExpiredAuthorizationCodes(ctx, now)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))

		gone, err := repo.GetAuthorizationCode(ctx, code.Code)
		require.NoError(t, err)
		assert.Nil(t, gone)
	})

	t.Run("refresh rotation has one winner", func(t *testing.T) {
		first := &models.RefreshToken{
			ID:        uuid.New().String(),
			TokenHash: uuid.New().String(),
			UserID:    user.ID,
			ClientID:  "web",
			Scopes:    []string{"openid"},
			ExpiresAt: now.Add(time.Hour),
			CreatedAt: now,
		}
		require.NoError(t, repo.CreateRefreshToken(ctx, first))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				next := &models.RefreshToken{
					ID:        uuid.New().String(),
					TokenHash: uuid.New().String(),
					UserID:    user.ID,
					ClientID:  "web",
					ExpiresAt: now.Add(time.Hour),
					CreatedAt: now,
				}
				err := repo.RotateRefreshToken(ctx, first.TokenHash, now, next)
				if err == nil {
					wins.Add(1)
					return
				}
				assert.ErrorIs(t, err, apperrors.ErrTokenAlreadyRevoked)
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())

		old, err := repo.GetRefreshTokenByHash(ctx, first.TokenHash)
		require.NoError(t, err)
		assert.True(t, old.Revoked)
		require.NotNil(t, old.RevokedAt)

		n, err := repo.RevokeRefreshTokens(ctx, user.ID, "web", now)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("security events", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			require.NoError(t, repo.InsertSecurityEvent(ctx, &models.SecurityEvent{
				ID:        uuid.New().String(),
				Type:      models.EventLoginFailure,
				UserID:    user.ID,
				Metadata:  map[string]string{"attempt": "x"},
				CreatedAt: now.Add(time.Duration(i) * time.Second),
			}))
		}
		bare := &models.SecurityEvent{
			ID:        uuid.New().String(),
			Type:      models.EventLoginFailure,
			UserID:    user.ID,
			IPAddress: "203.0.113.9",
			CreatedAt: now.Add(500 * time.Millisecond),
		}
		require.NoError(t, repo.InsertSecurityEvent(ctx, bare))
		require.NoError(t, repo.InsertSecurityEvent(ctx, &models.SecurityEvent{
			ID:        uuid.New().String(),
			Type:      models.EventLoginFailure,
			UserID:    user.ID,
			CreatedAt: now.Add(-48 * time.Hour),
		}))

		count, err := repo.CountSecurityEvents(ctx, user.ID, models.EventLoginFailure, now)
		require.NoError(t, err)
		assert.Equal(t, 4, count)

		all, err := repo.ListSecurityEvents(ctx, user.ID, 100)
		require.NoError(t, err)
		var stored *models.SecurityEvent
		for i := range all {
			if all[i].ID == bare.ID {
				stored = &all[i]
			}
		}
		require.NotNil(t, stored, "event without metadata was not stored")
		assert.Empty(t, stored.Metadata)
		assert.Equal(t, "203.0.113.9", stored.IPAddress)

		events, err := repo.ListSecurityEvents(ctx, user.ID, 2)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.True(t, !events[0].CreatedAt.Before(events[1].CreatedAt))
		assert.Equal(t, "x", events[0].Metadata["attempt"])

		pruned, err := repo.DeleteSecurityEventsBefore(ctx, now.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, pruned, int64(1))
	})

	t.Run("linked accounts", func(t *testing.T) {
		account := &models.LinkedAccount{
			ID:                    uuid.New().String(),
			UserID:                user.ID,
			Provider:              "google",
			ProviderUserID:        "g-1",
			AccessTokenCiphertext: "ct-1",
			TokenExpiresAt:        now.Add(time.Hour),
		}
		require.NoError(t, repo.UpsertLinkedAccount(ctx, account))
		firstID := account.ID

		account.ID = uuid.New().String()
		account.AccessTokenCiphertext = "ct-2"
		require.NoError(t, repo.UpsertLinkedAccount(ctx, account))
		assert.Equal(t, firstID, account.ID)

		got, err := repo.GetLinkedAccount(ctx, user.ID, "google")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "ct-2", got.AccessTokenCiphertext)
		assert.WithinDuration(t, now.Add(time.Hour), got.TokenExpiresAt, time.Second)

		none, err := repo.GetLinkedAccount(ctx, user.ID, "github")
		require.NoError(t, err)
		assert.Nil(t, none)
	})
}
