package oauth_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"productivity-auth/internal/auth"
	"productivity-auth/internal/database"
	"productivity-auth/internal/models"
	"productivity-auth/internal/oauth"
	apperrors "productivity-auth/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRedirect = "https://app.example.com/callback"
	testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
)

func reasonOf(t *testing.T, err error) string {
	t.Helper()
	var grantErr *oauth.GrantError
	require.ErrorAs(t, err, &grantErr)
	assert.ErrorIs(t, err, apperrors.ErrInvalidGrant)
	return grantErr.Reason
}

func issueCode(t *testing.T, store *oauth.CodeStore, challenge, method string) *models.AuthorizationCode {
	t.Helper()
	code, err := store.Issue(context.Background(), oauth.CodeGrant{
		ClientID:            "web",
		UserID:              "user-1",
		RedirectURI:         testRedirect,
		Scopes:              []string{"openid", "email"},
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
	})
	require.NoError(t, err)
	return code
}

func TestCodeStore_RedeemOnce(t *testing.T) {
	store := oauth.NewCodeStore(database.NewMemoryRepository(), 5*time.Minute)
	code := issueCode(t, store, auth.S256Challenge(testVerifier), models.PKCEMethodS256)

	assert.Len(t, code.Code, 43)
	assert.Equal(t, []string{"openid", "email"}, code.Scopes)

	redeemed, err := store.Redeem(context.Background(), code.Code, "web", testRedirect, testVerifier)
	require.NoError(t, err)
	assert.True(t, redeemed.Used)
	assert.Equal(t, "user-1", redeemed.UserID)

	_, err = store.Redeem(context.Background(), code.Code, "web", testRedirect, testVerifier)
	assert.Equal(t, oauth.ReasonCodeReused, reasonOf(t, err))
	assert.ErrorIs(t, err, apperrors.ErrDuplicateCodeUse)
}

func TestCodeStore_RedeemRejections(t *testing.T) {
	challenge := auth.S256Challenge(testVerifier)

	tests := []struct {
		name        string
		code        func(c *models.AuthorizationCode) string
		clientID    string
		redirectURI string
		verifier    string
		reason      string
	}{
		{
			name:        "unknown code",
			code:        func(*models.AuthorizationCode) string { return "does-not-exist" },
			clientID:    "web",
			redirectURI: testRedirect,
			verifier:    testVerifier,
			reason:      oauth.ReasonNotFound,
		},
		{
			name:        "other client",
			clientID:    "mobile",
			redirectURI: testRedirect,
			verifier:    testVerifier,
			reason:      oauth.ReasonClientMismatch,
		},
		{
			name:        "trailing slash on redirect",
			clientID:    "web",
			redirectURI: testRedirect + "/",
			verifier:    testVerifier,
			reason:      oauth.ReasonRedirectMismatch,
		},
		{
			name:        "missing verifier",
			clientID:    "web",
			redirectURI: testRedirect,
			reason:      oauth.ReasonPKCEFailed,
		},
		{
			name:        "wrong verifier",
			clientID:    "web",
			redirectURI: testRedirect,
			verifier:    testVerifier[:len(testVerifier)-1] + "Y",
			reason:      oauth.ReasonPKCEFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := oauth.NewCodeStore(database.NewMemoryRepository(), 5*time.Minute)
			code := issueCode(t, store, challenge, models.PKCEMethodS256)
			value := code.Code
			if tt.code != nil {
				value = tt.code(code)
			}

			_, err := store.Redeem(context.Background(), value, tt.clientID, tt.redirectURI, tt.verifier)
			assert.Equal(t, tt.reason, reasonOf(t, err))

			// A failed check must not consume the code.
			if tt.code == nil {
				_, err = store.Redeem(context.Background(), code.Code, "web", testRedirect, testVerifier)
				assert.NoError(t, err)
			}
		})
	}
}

func TestCodeStore_Expiry(t *testing.T) {
	store := oauth.NewCodeStore(database.NewMemoryRepository(), 5*time.Minute)
	now := time.Now()
	store.SetClock(func() time.Time { return now })
	code := issueCode(t, store, "", "")

	store.SetClock(func() time.Time { return now.Add(5 * time.Minute) })
	_, err := store.Redeem(context.Background(), code.Code, "web", testRedirect, "")
	assert.Equal(t, oauth.ReasonExpired, reasonOf(t, err))
}

func TestCodeStore_PlainChallenge(t *testing.T) {
	store := oauth.NewCodeStore(database.NewMemoryRepository(), time.Minute)
	code := issueCode(t, store, testVerifier, "")
	assert.Equal(t, models.PKCEMethodPlain, code.CodeChallengeMethod)

	_, err := store.Redeem(context.Background(), code.Code, "web", testRedirect, testVerifier)
	assert.NoError(t, err)
}

func TestCodeStore_ConcurrentRedeem(t *testing.T) {
	store := oauth.NewCodeStore(database.NewMemoryRepository(), 5*time.Minute)
	code := issueCode(t, store, auth.S256Challenge(testVerifier), models.PKCEMethodS256)

	const callers = 16
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		reused    atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := store.Redeem(context.Background(), code.Code, "web", testRedirect, testVerifier)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, apperrors.ErrDuplicateCodeUse):
				reused.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(callers-1), reused.Load())
}
