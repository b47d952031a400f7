package testutil

import (
	"context"
	"time"

	"productivity-auth/internal/models"

	"github.com/stretchr/testify/mock"
)

// MockRepository is a mock implementation of database.Repository
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockRepository) GetClientByID(ctx context.Context, clientID string) (*models.OAuthApplication, error) {
	args := m.Called(ctx, clientID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.OAuthApplication), args.Error(1)
}

func (m *MockRepository) CreateClient(ctx context.Context, app *models.OAuthApplication) error {
	args := m.Called(ctx, app)
	return args.Error(0)
}

func (m *MockRepository) UpdateClientUpdatedAt(ctx context.Context, clientID string) error {
	args := m.Called(ctx, clientID)
	return args.Error(0)
}

func (m *MockRepository) GetUserByID(ctx context.Context, userID string) (*models.User, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockRepository) CreateUser(ctx context.Context, user *models.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *MockRepository) CreateAuthorizationCode(ctx context.Context, code *models.AuthorizationCode) error {
	args := m.Called(ctx, code)
	return args.Error(0)
}

func (m *MockRepository) GetAuthorizationCode(ctx context.Context, code string) (*models.AuthorizationCode, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.AuthorizationCode), args.Error(1)
}

func (m *MockRepository) MarkAuthorizationCodeUsed(ctx context.Context, code string, now time.Time) (bool, error) {
	args := m.Called(ctx, code, now)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepository) DeleteExpiredAuthorizationCodes(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRepository) CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

func (m *MockRepository) GetRefreshTokenByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	args := m.Called(ctx, tokenHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RefreshToken), args.Error(1)
}

func (m *MockRepository) RotateRefreshToken(ctx context.Context, oldHash string, revokedAt time.Time, next *models.RefreshToken) error {
	args := m.Called(ctx, oldHash, revokedAt, next)
	return args.Error(0)
}

func (m *MockRepository) RevokeRefreshTokens(ctx context.Context, userID, clientID string, revokedAt time.Time) (int64, error) {
	args := m.Called(ctx, userID, clientID, revokedAt)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRepository) DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRepository) InsertSecurityEvent(ctx context.Context, event *models.SecurityEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockRepository) CountSecurityEvents(ctx context.Context, userID string, eventType models.EventType, since time.Time) (int, error) {
	args := m.Called(ctx, userID, eventType, since)
	return args.Int(0), args.Error(1)
}

func (m *MockRepository) ListSecurityEvents(ctx context.Context, userID string, limit int) ([]models.SecurityEvent, error) {
	args := m.Called(ctx, userID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.SecurityEvent), args.Error(1)
}

func (m *MockRepository) DeleteSecurityEventsBefore(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRepository) UpsertLinkedAccount(ctx context.Context, account *models.LinkedAccount) error {
	args := m.Called(ctx, account)
	return args.Error(0)
}

func (m *MockRepository) GetLinkedAccount(ctx context.Context, userID, provider string) (*models.LinkedAccount, error) {
	args := m.Called(ctx, userID, provider)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.LinkedAccount), args.Error(1)
}

// MockCache is a mock implementation of cache.Cache
type MockCache struct {
	mock.Mock
}

func (m *MockCache) Close() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockCache) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockCache) GetClient(ctx context.Context, clientID string) (*models.OAuthApplication, error) {
	args := m.Called(ctx, clientID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.OAuthApplication), args.Error(1)
}

func (m *MockCache) SetClient(ctx context.Context, client *models.OAuthApplication, ttl time.Duration) error {
	args := m.Called(ctx, client, ttl)
	return args.Error(0)
}

func (m *MockCache) DeleteClient(ctx context.Context, clientID string) error {
	args := m.Called(ctx, clientID)
	return args.Error(0)
}

func (m *MockCache) CheckRateLimit(ctx context.Context, clientID string, limit int, window time.Duration) (bool, error) {
	args := m.Called(ctx, clientID, limit, window)
	return args.Bool(0), args.Error(1)
}

func (m *MockCache) RevokeToken(ctx context.Context, jti string, ttl time.Duration) error {
	args := m.Called(ctx, jti, ttl)
	return args.Error(0)
}

func (m *MockCache) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	args := m.Called(ctx, jti)
	return args.Bool(0), args.Error(1)
}

func (m *MockCache) SaveLinkState(ctx context.Context, state string, link *models.LinkState, ttl time.Duration) error {
	args := m.Called(ctx, state, link, ttl)
	return args.Error(0)
}

func (m *MockCache) TakeLinkState(ctx context.Context, state string) (*models.LinkState, error) {
	args := m.Called(ctx, state)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.LinkState), args.Error(1)
}
