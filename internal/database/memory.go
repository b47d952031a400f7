package database

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"productivity-auth/internal/models"
	apperrors "productivity-auth/pkg/errors"
)

// MemoryRepository is an in-process Repository for development and tests.
// A single mutex gives it the same atomicity as the Postgres conditional
// updates.
type MemoryRepository struct {
	mu sync.Mutex

	clients map[string]*models.OAuthApplication
	nextID  int64
	users   map[string]*models.User
	emails  map[string]string
	codes   map[string]*models.AuthorizationCode
	refresh map[string]*models.RefreshToken
	events  []models.SecurityEvent
	linked  map[string]*models.LinkedAccount
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		clients: make(map[string]*models.OAuthApplication),
		users:   make(map[string]*models.User),
		emails:  make(map[string]string),
		codes:   make(map[string]*models.AuthorizationCode),
		refresh: make(map[string]*models.RefreshToken),
		linked:  make(map[string]*models.LinkedAccount),
	}
}

func (m *MemoryRepository) Close() error {
	return nil
}

func (m *MemoryRepository) Ping(context.Context) error {
	return nil
}

func cloneApp(a *models.OAuthApplication) *models.OAuthApplication {
	c := *a
	c.RedirectURIs = slices.Clone(a.RedirectURIs)
	c.Scopes = slices.Clone(a.Scopes)
	c.GrantTypes = slices.Clone(a.GrantTypes)
	c.ResponseTypes = slices.Clone(a.ResponseTypes)
	return &c
}

func (m *MemoryRepository) GetClientByID(_ context.Context, clientID string) (*models.OAuthApplication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	app, ok := m.clients[clientID]
	if !ok {
		return nil, nil
	}
	return cloneApp(app), nil
}

func (m *MemoryRepository) CreateClient(_ context.Context, app *models.OAuthApplication) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	now := time.Now()
	app.ID = m.nextID
	app.CreatedAt, app.UpdatedAt = now, now
	m.clients[app.ClientID] = cloneApp(app)
	return nil
}

func (m *MemoryRepository) UpdateClientUpdatedAt(_ context.Context, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if app, ok := m.clients[clientID]; ok {
		app.UpdatedAt = time.Now()
	}
	return nil
}

func (m *MemoryRepository) GetUserByID(_ context.Context, userID string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[userID]
	if !ok {
		return nil, nil
	}
	c := *user
	c.Roles = slices.Clone(user.Roles)
	return &c, nil
}

func (m *MemoryRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	id, ok := m.emails[email]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return m.GetUserByID(ctx, id)
}

func (m *MemoryRepository) CreateUser(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.emails[user.Email]; taken {
		return apperrors.ErrEmailExists
	}
	now := time.Now()
	user.CreatedAt, user.UpdatedAt = now, now
	c := *user
	c.Roles = slices.Clone(user.Roles)
	m.users[user.ID] = &c
	m.emails[user.Email] = user.ID
	return nil
}

func (m *MemoryRepository) CreateAuthorizationCode(_ context.Context, code *models.AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *code
	c.Scopes = slices.Clone(code.Scopes)
	c.Used = false
	m.codes[code.Code] = &c
	return nil
}

func (m *MemoryRepository) GetAuthorizationCode(_ context.Context, code string) (*models.AuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ac, ok := m.codes[code]
	if !ok {
		return nil, nil
	}
	c := *ac
	c.Scopes = slices.Clone(ac.Scopes)
	return &c, nil
}

func (m *MemoryRepository) MarkAuthorizationCodeUsed(_ context.Context, code string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ac, ok := m.codes[code]
	if !ok || ac.Used || ac.IsExpired(now) {
		return false, nil
	}
	ac.Used = true
	return true, nil
}

func (m *MemoryRepository) DeleteExpiredAuthorizationCodes(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, ac := range m.codes {
		if ac.ExpiresAt.Before(before) {
			delete(m.codes, k)
			n++
		}
	}
	return n, nil
}

func cloneRefresh(t *models.RefreshToken) *models.RefreshToken {
	c := *t
	c.Scopes = slices.Clone(t.Scopes)
	if t.RevokedAt != nil {
		at := *t.RevokedAt
		c.RevokedAt = &at
	}
	return &c
}

func (m *MemoryRepository) CreateRefreshToken(_ context.Context, token *models.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refresh[token.TokenHash] = cloneRefresh(token)
	return nil
}

func (m *MemoryRepository) GetRefreshTokenByHash(_ context.Context, tokenHash string) (*models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rt, ok := m.refresh[tokenHash]
	if !ok {
		return nil, nil
	}
	return cloneRefresh(rt), nil
}

func (m *MemoryRepository) RotateRefreshToken(_ context.Context, oldHash string, revokedAt time.Time, next *models.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.refresh[oldHash]
	if !ok || !old.IsValid(revokedAt) {
		return apperrors.ErrTokenAlreadyRevoked
	}
	at := revokedAt
	old.Revoked = true
	old.RevokedAt = &at
	m.refresh[next.TokenHash] = cloneRefresh(next)
	return nil
}

func (m *MemoryRepository) RevokeRefreshTokens(_ context.Context, userID, clientID string, revokedAt time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, rt := range m.refresh {
		if rt.UserID == userID && rt.ClientID == clientID && !rt.Revoked {
			at := revokedAt
			rt.Revoked = true
			rt.RevokedAt = &at
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) DeleteExpiredRefreshTokens(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, rt := range m.refresh {
		if rt.ExpiresAt.Before(before) {
			delete(m.refresh, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) InsertSecurityEvent(_ context.Context, event *models.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := *event
	if event.Metadata != nil {
		e.Metadata = make(map[string]string, len(event.Metadata))
		for k, v := range event.Metadata {
			e.Metadata[k] = v
		}
	}
	m.events = append(m.events, e)
	return nil
}

func (m *MemoryRepository) CountSecurityEvents(_ context.Context, userID string, eventType models.EventType, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, e := range m.events {
		if e.UserID == userID && e.Type == eventType && !e.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryRepository) ListSecurityEvents(_ context.Context, userID string, limit int) ([]models.SecurityEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var events []models.SecurityEvent
	for _, e := range m.events {
		if e.UserID == userID {
			events = append(events, e)
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt.After(events[j].CreatedAt)
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (m *MemoryRepository) DeleteSecurityEventsBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.events[:0]
	var n int64
	for _, e := range m.events {
		if e.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept
	return n, nil
}

func linkKey(userID, provider string) string {
	return userID + "|" + provider
}

func (m *MemoryRepository) UpsertLinkedAccount(_ context.Context, account *models.LinkedAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	key := linkKey(account.UserID, account.Provider)
	if existing, ok := m.linked[key]; ok {
		account.ID = existing.ID
		account.CreatedAt = existing.CreatedAt
	} else {
		account.CreatedAt = now
	}
	account.UpdatedAt = now
	c := *account
	m.linked[key] = &c
	return nil
}

func (m *MemoryRepository) GetLinkedAccount(_ context.Context, userID, provider string) (*models.LinkedAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.linked[linkKey(userID, provider)]
	if !ok {
		return nil, nil
	}
	c := *account
	return &c, nil
}
