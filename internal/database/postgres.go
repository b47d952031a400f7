package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"productivity-auth/internal/models"
	apperrors "productivity-auth/pkg/errors"

	"github.com/cenkalti/backoff/v5"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"gocloud.dev/postgres"
	_ "gocloud.dev/postgres/awspostgres"
	_ "gocloud.dev/postgres/gcppostgres"
)

const (
	connectMaxTries = 5
	uniqueViolation = "23505"
)

// PostgresRepository handles database operations
type PostgresRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRepository opens databaseURL through gocloud.dev/postgres (plain, AWS
// RDS or GCP Cloud SQL URLs) and retries with exponential backoff until the
// database answers a ping.
func NewRepository(ctx context.Context, databaseURL string, logger *zap.Logger) (*PostgresRepository, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = time.Second

	db, err := backoff.Retry(ctx, func() (*sql.DB, error) {
		db, err := postgres.Open(ctx, databaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(connectMaxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warn("Failed to connect to database, retrying...", zap.Duration("wait", wait), zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", connectMaxTries, err)
	}

	return NewRepositoryWithDB(db, logger), nil
}

// NewRepositoryWithDB wraps an already open connection pool.
func NewRepositoryWithDB(db *sql.DB, logger *zap.Logger) *PostgresRepository {
	return &PostgresRepository{db: db, logger: logger}
}

// DB exposes the pool for migrations.
func (r *PostgresRepository) DB() *sql.DB {
	return r.db
}

// Close closes the database connection
func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

// Ping checks connectivity.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// inTx runs fn in a transaction, rolling back on any error.
func (r *PostgresRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				r.logger.Error("Failed to rollback transaction", zap.Error(rbErr))
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// GetClientByID retrieves a client by client_id
func (r *PostgresRepository) GetClientByID(ctx context.Context, clientID string) (*models.OAuthApplication, error) {
	query := `
		SELECT id, client_id, COALESCE(client_secret_hash, ''), name, COALESCE(client_uri, ''), COALESCE(logo_uri, ''),
		       redirect_uris, scopes, grant_types, response_types, token_endpoint_auth_method, rate_limit,
		       created_at, updated_at
		FROM oauth_applications
		WHERE client_id = $1
	`

	var app models.OAuthApplication
	err := r.db.QueryRowContext(ctx, query, clientID).Scan(
		&app.ID,
		&app.ClientID,
		&app.ClientSecretHash,
		&app.Name,
		&app.ClientURI,
		&app.LogoURI,
		pq.Array(&app.RedirectURIs),
		pq.Array(&app.Scopes),
		pq.Array(&app.GrantTypes),
		pq.Array(&app.ResponseTypes),
		&app.TokenEndpointAuthMethod,
		&app.RateLimit,
		&app.CreatedAt,
		&app.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get client by ID", zap.String("client_id", clientID), zap.Error(err))
		return nil, err
	}

	return &app, nil
}

// CreateClient registers a client. ID and timestamps are filled in.
func (r *PostgresRepository) CreateClient(ctx context.Context, app *models.OAuthApplication) error {
	query := `
		INSERT INTO oauth_applications (
			client_id, client_secret_hash, name, client_uri, logo_uri,
			redirect_uris, scopes, grant_types, response_types, token_endpoint_auth_method, rate_limit
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRowContext(ctx, query,
		app.ClientID,
		nullIfEmpty(app.ClientSecretHash),
		app.Name,
		nullIfEmpty(app.ClientURI),
		nullIfEmpty(app.LogoURI),
		pq.Array(app.RedirectURIs),
		pq.Array(app.Scopes),
		pq.Array(app.GrantTypes),
		pq.Array(app.ResponseTypes),
		app.TokenEndpointAuthMethod,
		app.RateLimit,
	).Scan(&app.ID, &app.CreatedAt, &app.UpdatedAt)
	if err != nil {
		r.logger.Error("Failed to create client", zap.String("client_id", app.ClientID), zap.Error(err))
		return err
	}
	return nil
}

// UpdateClientUpdatedAt updates the updated_at timestamp for a client
func (r *PostgresRepository) UpdateClientUpdatedAt(ctx context.Context, clientID string) error {
	query := `UPDATE oauth_applications SET updated_at = $1 WHERE client_id = $2`
	_, err := r.db.ExecContext(ctx, query, time.Now(), clientID)
	if err != nil {
		r.logger.Error("Failed to update client updated_at", zap.String("client_id", clientID), zap.Error(err))
		return err
	}
	return nil
}

func (r *PostgresRepository) getUser(ctx context.Context, where string, arg string) (*models.User, error) {
	query := `
		SELECT u.id, u.email, u.password_hash, u.created_at, u.updated_at,
		       COALESCE(ARRAY_AGG(ur.role ORDER BY ur.role) FILTER (WHERE ur.role IS NOT NULL), '{}')
		FROM users u
		LEFT JOIN user_roles ur ON ur.user_id = u.id
		WHERE ` + where + ` = $1
		GROUP BY u.id
	`

	var user models.User
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.CreatedAt,
		&user.UpdatedAt,
		pq.Array(&user.Roles),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get user", zap.String("by", where), zap.Error(err))
		return nil, err
	}
	return &user, nil
}

// GetUserByID retrieves a user and its roles by ID
func (r *PostgresRepository) GetUserByID(ctx context.Context, userID string) (*models.User, error) {
	return r.getUser(ctx, "u.id", userID)
}

// GetUserByEmail retrieves a user and its roles by email
func (r *PostgresRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.getUser(ctx, "u.email", email)
}

// CreateUser inserts the user and its role assignments in a single transaction.
func (r *PostgresRepository) CreateUser(ctx context.Context, user *models.User) error {
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		userQuery := `
			INSERT INTO users (id, email, password_hash)
			VALUES ($1, $2, $3)
			RETURNING created_at, updated_at
		`
		if err := tx.QueryRowContext(ctx, userQuery, user.ID, user.Email, user.PasswordHash).
			Scan(&user.CreatedAt, &user.UpdatedAt); err != nil {
			return err
		}

		roleInsert := `
			INSERT INTO user_roles (user_id, role)
			VALUES ($1, $2)
			ON CONFLICT (user_id, role) DO NOTHING
		`
		for _, role := range user.Roles {
			if _, err := tx.ExecContext(ctx, roleInsert, user.ID, role); err != nil {
				return err
			}
		}
		return nil
	})

	if isUniqueViolation(err) {
		return apperrors.ErrEmailExists
	}
	if err != nil {
		r.logger.Error("Failed to create user", zap.String("user_id", user.ID), zap.Error(err))
		return err
	}
	return nil
}

// CreateAuthorizationCode persists a freshly issued code
func (r *PostgresRepository) CreateAuthorizationCode(ctx context.Context, code *models.AuthorizationCode) error {
	query := `
		INSERT INTO authorization_codes (
			code, client_id, user_id, redirect_uri, scopes, code_challenge, code_challenge_method,
			nonce, state, auth_time, expires_at, used, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, FALSE, $12)
	`

	_, err := r.db.ExecContext(ctx, query,
		code.Code,
		code.ClientID,
		code.UserID,
		code.RedirectURI,
		pq.Array(code.Scopes),
		nullIfEmpty(code.CodeChallenge),
		nullIfEmpty(code.CodeChallengeMethod),
		nullIfEmpty(code.Nonce),
		nullIfEmpty(code.State),
		code.AuthTime,
		code.ExpiresAt,
		code.CreatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create authorization code", zap.String("client_id", code.ClientID), zap.Error(err))
		return err
	}
	return nil
}

// GetAuthorizationCode loads a code regardless of its state
func (r *PostgresRepository) GetAuthorizationCode(ctx context.Context, code string) (*models.AuthorizationCode, error) {
	query := `
		SELECT code, client_id, user_id, redirect_uri, scopes,
		       COALESCE(code_challenge, ''), COALESCE(code_challenge_method, ''),
		       COALESCE(nonce, ''), COALESCE(state, ''),
		       auth_time, expires_at, used, created_at
		FROM authorization_codes
		WHERE code = $1
	`

	var ac models.AuthorizationCode
	err := r.db.QueryRowContext(ctx, query, code).Scan(
		&ac.Code,
		&ac.ClientID,
		&ac.UserID,
		&ac.RedirectURI,
		pq.Array(&ac.Scopes),
		&ac.CodeChallenge,
		&ac.CodeChallengeMethod,
		&ac.Nonce,
		&ac.State,
		&ac.AuthTime,
		&ac.ExpiresAt,
		&ac.Used,
		&ac.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get authorization code", zap.Error(err))
		return nil, err
	}
	return &ac, nil
}

// MarkAuthorizationCodeUsed is a single conditional UPDATE, so concurrent
// redeemers of the same code cannot both observe used=false.
func (r *PostgresRepository) MarkAuthorizationCodeUsed(ctx context.Context, code string, now time.Time) (bool, error) {
	query := `
		UPDATE authorization_codes
		SET used = TRUE
		WHERE code = $1 AND used = FALSE AND expires_at > $2
	`

	res, err := r.db.ExecContext(ctx, query, code, now)
	if err != nil {
		r.logger.Error("Failed to mark authorization code used", zap.Error(err))
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DeleteExpiredAuthorizationCodes removes codes that expired before the cutoff
func (r *PostgresRepository) DeleteExpiredAuthorizationCodes(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM authorization_codes WHERE expires_at < $1`, before)
	if err != nil {
		r.logger.Error("Failed to delete expired authorization codes", zap.Error(err))
		return 0, err
	}
	return res.RowsAffected()
}

func insertRefreshToken(ctx context.Context, exec interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, token *models.RefreshToken) error {
	query := `
		INSERT INTO refresh_tokens (id, token_hash, user_id, client_id, scopes, expires_at, revoked, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
	`
	_, err := exec.ExecContext(ctx, query,
		token.ID,
		token.TokenHash,
		token.UserID,
		token.ClientID,
		pq.Array(token.Scopes),
		token.ExpiresAt,
		token.CreatedAt,
	)
	return err
}

// CreateRefreshToken stores the hashed half of a new refresh token
func (r *PostgresRepository) CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	if err := insertRefreshToken(ctx, r.db, token); err != nil {
		r.logger.Error("Failed to create refresh token", zap.String("user_id", token.UserID), zap.Error(err))
		return err
	}
	return nil
}

// GetRefreshTokenByHash looks a refresh token up by the hash of its secret
func (r *PostgresRepository) GetRefreshTokenByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	query := `
		SELECT id, token_hash, user_id, client_id, scopes, expires_at, revoked, revoked_at, created_at
		FROM refresh_tokens
		WHERE token_hash = $1
	`

	var (
		rt        models.RefreshToken
		revokedAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, tokenHash).Scan(
		&rt.ID,
		&rt.TokenHash,
		&rt.UserID,
		&rt.ClientID,
		pq.Array(&rt.Scopes),
		&rt.ExpiresAt,
		&rt.Revoked,
		&revokedAt,
		&rt.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get refresh token", zap.Error(err))
		return nil, err
	}
	if revokedAt.Valid {
		rt.RevokedAt = &revokedAt.Time
	}
	return &rt, nil
}

// RotateRefreshToken revokes the presented token and inserts its successor in
// one transaction. The conditional UPDATE decides which concurrent caller wins.
func (r *PostgresRepository) RotateRefreshToken(ctx context.Context, oldHash string, revokedAt time.Time, next *models.RefreshToken) error {
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE refresh_tokens
			SET revoked = TRUE, revoked_at = $2
			WHERE token_hash = $1 AND revoked = FALSE AND expires_at > $2
		`, oldHash, revokedAt)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return apperrors.ErrTokenAlreadyRevoked
		}
		return insertRefreshToken(ctx, tx, next)
	})

	if err != nil && !errors.Is(err, apperrors.ErrTokenAlreadyRevoked) {
		r.logger.Error("Failed to rotate refresh token", zap.String("user_id", next.UserID), zap.Error(err))
	}
	return err
}

// RevokeRefreshTokens revokes every live token of a user for one client
func (r *PostgresRepository) RevokeRefreshTokens(ctx context.Context, userID, clientID string, revokedAt time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET revoked = TRUE, revoked_at = $3
		WHERE user_id = $1 AND client_id = $2 AND revoked = FALSE
	`, userID, clientID, revokedAt)
	if err != nil {
		r.logger.Error("Failed to revoke refresh tokens", zap.String("user_id", userID), zap.String("client_id", clientID), zap.Error(err))
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteExpiredRefreshTokens removes tokens that expired before the cutoff
func (r *PostgresRepository) DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1`, before)
	if err != nil {
		r.logger.Error("Failed to delete expired refresh tokens", zap.Error(err))
		return 0, err
	}
	return res.RowsAffected()
}

// InsertSecurityEvent appends an audit record
func (r *PostgresRepository) InsertSecurityEvent(ctx context.Context, event *models.SecurityEvent) error {
	// A nil []byte reaches lib/pq as an empty string, which jsonb rejects.
	var metadata any
	if len(event.Metadata) > 0 {
		raw, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("marshal event metadata: %w", err)
		}
		metadata = raw
	}

	query := `
		INSERT INTO security_events (
			id, event_type, user_id, client_id, ip_address, user_agent,
			success, error_code, error_description, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.ExecContext(ctx, query,
		event.ID,
		string(event.Type),
		nullIfEmpty(event.UserID),
		nullIfEmpty(event.ClientID),
		nullIfEmpty(event.IPAddress),
		nullIfEmpty(event.UserAgent),
		event.Success,
		nullIfEmpty(event.ErrorCode),
		nullIfEmpty(event.ErrorDescription),
		metadata,
		event.CreatedAt,
	)
	return err
}

// CountSecurityEvents counts a user's events of one type since a cutoff
func (r *PostgresRepository) CountSecurityEvents(ctx context.Context, userID string, eventType models.EventType, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM security_events
		WHERE user_id = $1 AND event_type = $2 AND created_at >= $3
	`, userID, string(eventType), since).Scan(&count)
	if err != nil {
		r.logger.Error("Failed to count security events", zap.String("user_id", userID), zap.Error(err))
		return 0, err
	}
	return count, nil
}

// ListSecurityEvents returns a user's most recent events, newest first
func (r *PostgresRepository) ListSecurityEvents(ctx context.Context, userID string, limit int) ([]models.SecurityEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, event_type, COALESCE(user_id, ''), COALESCE(client_id, ''), COALESCE(ip_address, ''),
		       COALESCE(user_agent, ''), success, COALESCE(error_code, ''), COALESCE(error_description, ''),
		       metadata, created_at
		FROM security_events
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		r.logger.Error("Failed to list security events", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	var events []models.SecurityEvent
	for rows.Next() {
		var (
			e         models.SecurityEvent
			eventType string
			metadata  []byte
		)
		if err := rows.Scan(
			&e.ID,
			&eventType,
			&e.UserID,
			&e.ClientID,
			&e.IPAddress,
			&e.UserAgent,
			&e.Success,
			&e.ErrorCode,
			&e.ErrorDescription,
			&metadata,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.Type = models.EventType(eventType)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				r.logger.Warn("Discarding unreadable event metadata", zap.String("event_id", e.ID), zap.Error(err))
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// DeleteSecurityEventsBefore prunes events older than the retention cutoff
func (r *PostgresRepository) DeleteSecurityEventsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM security_events WHERE created_at < $1`, before)
	if err != nil {
		r.logger.Error("Failed to prune security events", zap.Error(err))
		return 0, err
	}
	return res.RowsAffected()
}

// UpsertLinkedAccount stores or replaces the encrypted tokens for a provider
func (r *PostgresRepository) UpsertLinkedAccount(ctx context.Context, account *models.LinkedAccount) error {
	query := `
		INSERT INTO linked_accounts (
			id, user_id, provider, provider_user_id, access_token_ciphertext,
			refresh_token_ciphertext, token_expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, provider) DO UPDATE
		SET provider_user_id = EXCLUDED.provider_user_id,
		    access_token_ciphertext = EXCLUDED.access_token_ciphertext,
		    refresh_token_ciphertext = EXCLUDED.refresh_token_ciphertext,
		    token_expires_at = EXCLUDED.token_expires_at,
		    updated_at = NOW()
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRowContext(ctx, query,
		account.ID,
		account.UserID,
		account.Provider,
		account.ProviderUserID,
		account.AccessTokenCiphertext,
		nullIfEmpty(account.RefreshTokenCiphertext),
		nullTime(account.TokenExpiresAt),
	).Scan(&account.ID, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		r.logger.Error("Failed to upsert linked account", zap.String("user_id", account.UserID), zap.String("provider", account.Provider), zap.Error(err))
		return err
	}
	return nil
}

// GetLinkedAccount loads a user's link to one provider
func (r *PostgresRepository) GetLinkedAccount(ctx context.Context, userID, provider string) (*models.LinkedAccount, error) {
	query := `
		SELECT id, user_id, provider, provider_user_id, access_token_ciphertext,
		       COALESCE(refresh_token_ciphertext, ''), token_expires_at, created_at, updated_at
		FROM linked_accounts
		WHERE user_id = $1 AND provider = $2
	`

	var (
		account   models.LinkedAccount
		expiresAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, userID, provider).Scan(
		&account.ID,
		&account.UserID,
		&account.Provider,
		&account.ProviderUserID,
		&account.AccessTokenCiphertext,
		&account.RefreshTokenCiphertext,
		&expiresAt,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get linked account", zap.String("user_id", userID), zap.String("provider", provider), zap.Error(err))
		return nil, err
	}
	if expiresAt.Valid {
		account.TokenExpiresAt = expiresAt.Time
	}
	return &account, nil
}
