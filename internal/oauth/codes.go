package oauth

import (
	"context"
	"fmt"
	"time"

	"productivity-auth/internal/auth"
	"productivity-auth/internal/models"
)

// CodeRepository is the persistence the code store needs.
type CodeRepository interface {
	CreateAuthorizationCode(ctx context.Context, code *models.AuthorizationCode) error
	GetAuthorizationCode(ctx context.Context, code string) (*models.AuthorizationCode, error)
	MarkAuthorizationCodeUsed(ctx context.Context, code string, now time.Time) (bool, error)
}

// CodeGrant is what an authorization code binds.
type CodeGrant struct {
	ClientID            string
	UserID              string
	RedirectURI         string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	State               string
	AuthTime            time.Time
}

// CodeStore issues and redeems single-use authorization codes.
type CodeStore struct {
	repo CodeRepository
	ttl  time.Duration
	now  func() time.Time
}

// NewCodeStore creates a store whose codes live for ttl.
func NewCodeStore(repo CodeRepository, ttl time.Duration) *CodeStore {
	return &CodeStore{repo: repo, ttl: ttl, now: time.Now}
}

// SetClock replaces the time source. Tests only.
func (s *CodeStore) SetClock(now func() time.Time) {
	s.now = now
}

// Issue persists a new code for grant.
func (s *CodeStore) Issue(ctx context.Context, grant CodeGrant) (*models.AuthorizationCode, error) {
	value, err := auth.GenerateAuthorizationCode()
	if err != nil {
		return nil, err
	}

	method := grant.CodeChallengeMethod
	if grant.CodeChallenge != "" && method == "" {
		method = models.PKCEMethodPlain
	}

	now := s.now().UTC()
	code := &models.AuthorizationCode{
		Code:                value,
		ClientID:            grant.ClientID,
		UserID:              grant.UserID,
		RedirectURI:         grant.RedirectURI,
		Scopes:              grant.Scopes,
		CodeChallenge:       grant.CodeChallenge,
		CodeChallengeMethod: method,
		Nonce:               grant.Nonce,
		State:               grant.State,
		AuthTime:            grant.AuthTime,
		ExpiresAt:           now.Add(s.ttl),
		CreatedAt:           now,
	}
	if code.AuthTime.IsZero() {
		code.AuthTime = now
	}

	if err := s.repo.CreateAuthorizationCode(ctx, code); err != nil {
		return nil, fmt.Errorf("store authorization code: %w", err)
	}
	return code, nil
}

// Redeem checks, in order: the code exists, has not expired, is unused, was
// issued to clientID for exactly redirectURI and, if a challenge was stored,
// that verifier satisfies it. The code is then marked used with a
// conditional update; losing that race counts as reuse. Every failure is a
// *GrantError.
func (s *CodeStore) Redeem(ctx context.Context, value, clientID, redirectURI, verifier string) (*models.AuthorizationCode, error) {
	code, err := s.repo.GetAuthorizationCode(ctx, value)
	if err != nil {
		return nil, fmt.Errorf("load authorization code: %w", err)
	}
	if code == nil {
		return nil, &GrantError{Reason: ReasonNotFound, ClientID: clientID}
	}

	reject := func(reason string) (*models.AuthorizationCode, error) {
		return nil, &GrantError{Reason: reason, UserID: code.UserID, ClientID: code.ClientID}
	}

	now := s.now()
	switch {
	case code.IsExpired(now):
		return reject(ReasonExpired)
	case code.Used:
		return reject(ReasonCodeReused)
	case code.ClientID != clientID:
		return reject(ReasonClientMismatch)
	case code.RedirectURI != redirectURI:
		return reject(ReasonRedirectMismatch)
	case code.CodeChallenge != "" && !auth.VerifyPKCE(code.CodeChallengeMethod, code.CodeChallenge, verifier):
		return reject(ReasonPKCEFailed)
	}

	won, err := s.repo.MarkAuthorizationCodeUsed(ctx, code.Code, now)
	if err != nil {
		return nil, fmt.Errorf("mark authorization code used: %w", err)
	}
	if !won {
		return reject(ReasonCodeReused)
	}

	code.Used = true
	return code, nil
}
