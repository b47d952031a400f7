package database

import (
	"context"
	"time"

	"productivity-auth/internal/models"
)

// Repository defines the persistence operations of the authorization server.
// Getters return (nil, nil) when the row does not exist.
type Repository interface {
	Close() error
	Ping(ctx context.Context) error

	// Clients
	GetClientByID(ctx context.Context, clientID string) (*models.OAuthApplication, error)
	CreateClient(ctx context.Context, app *models.OAuthApplication) error
	UpdateClientUpdatedAt(ctx context.Context, clientID string) error

	// Users
	GetUserByID(ctx context.Context, userID string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	// CreateUser stores the user and its roles. A taken email yields
	// errors.ErrEmailExists.
	CreateUser(ctx context.Context, user *models.User) error

	// Authorization codes
	CreateAuthorizationCode(ctx context.Context, code *models.AuthorizationCode) error
	GetAuthorizationCode(ctx context.Context, code string) (*models.AuthorizationCode, error)
	// MarkAuthorizationCodeUsed flips used from false to true if the code is
	// unused and unexpired at now. It reports whether this call won.
	MarkAuthorizationCodeUsed(ctx context.Context, code string, now time.Time) (bool, error)
	DeleteExpiredAuthorizationCodes(ctx context.Context, before time.Time) (int64, error)

	// Refresh tokens
	CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error
	GetRefreshTokenByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error)
	// RotateRefreshToken revokes oldHash and stores next as one unit. If
	// oldHash is no longer live it returns errors.ErrTokenAlreadyRevoked and
	// stores nothing.
	RotateRefreshToken(ctx context.Context, oldHash string, revokedAt time.Time, next *models.RefreshToken) error
	RevokeRefreshTokens(ctx context.Context, userID, clientID string, revokedAt time.Time) (int64, error)
	DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error)

	// Security events
	InsertSecurityEvent(ctx context.Context, event *models.SecurityEvent) error
	CountSecurityEvents(ctx context.Context, userID string, eventType models.EventType, since time.Time) (int, error)
	ListSecurityEvents(ctx context.Context, userID string, limit int) ([]models.SecurityEvent, error)
	DeleteSecurityEventsBefore(ctx context.Context, before time.Time) (int64, error)

	// Linked provider accounts
	UpsertLinkedAccount(ctx context.Context, account *models.LinkedAccount) error
	GetLinkedAccount(ctx context.Context, userID, provider string) (*models.LinkedAccount, error)
}

var (
	_ Repository = (*PostgresRepository)(nil)
	_ Repository = (*MemoryRepository)(nil)
)
