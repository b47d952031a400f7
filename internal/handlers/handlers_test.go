package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"productivity-auth/internal/auth"
	"productivity-auth/internal/cache"
	"productivity-auth/internal/database"
	"productivity-auth/internal/encryption"
	"productivity-auth/internal/events"
	"productivity-auth/internal/handlers"
	"productivity-auth/internal/metrics"
	"productivity-auth/internal/middleware"
	"productivity-auth/internal/models"
	"productivity-auth/internal/oauth"
	"productivity-auth/internal/social"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	testRedirect = "https://app.example.com/callback"
	testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	testEmail    = "alice@example.com"
	testPassword = "correct horse battery"
	testIssuer   = "https://auth.example.com"
)

type testEnv struct {
	router   *mux.Router
	keys     *auth.KeyManager
	vault    *social.Vault
	user     *models.User
	provider *fakeProvider
}

// fakeProvider is a third-party authorization server with token and user
// info endpoints.
type fakeProvider struct {
	*httptest.Server

	mu       sync.Mutex
	verifier string
}

func (p *fakeProvider) lastVerifier() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.verifier
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{}
	routes := http.NewServeMux()
	routes.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		access := ""
		switch r.Form.Get("grant_type") {
		case "authorization_code":
			if r.Form.Get("code") != "provider-code" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
			p.mu.Lock()
			p.verifier = r.Form.Get("code_verifier")
			p.mu.Unlock()
			access = "ya29.linked"
		case "refresh_token":
			access = "ya29.renewed"
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  access,
			"refresh_token": "1//linked",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})
	routes.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer ya29.linked" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"sub":"g-42","email":"alice@gmail.example"}`))
	})
	p.Server = httptest.NewServer(routes)
	t.Cleanup(p.Close)
	return p
}

func (p *fakeProvider) socialProvider() *social.Provider {
	return &social.Provider{
		Name: "google",
		Config: &oauth2.Config{
			ClientID:     "calendar-sync",
			ClientSecret: "provider-secret",
			RedirectURL:  testIssuer + "/api/auth/providers/google/callback",
			Endpoint: oauth2.Endpoint{
				AuthURL:   p.URL + "/authorize",
				TokenURL:  p.URL + "/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		UserInfoURL: p.URL + "/userinfo",
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop()
	repo := database.NewMemoryRepository()

	require.NoError(t, repo.CreateClient(ctx, &models.OAuthApplication{
		ClientID:                "web",
		Name:                    "Web",
		RedirectURIs:            []string{testRedirect},
		Scopes:                  []string{"openid", "profile", "email"},
		GrantTypes:              []string{models.GrantTypeAuthorizationCode, models.GrantTypeRefreshToken, models.GrantTypePassword},
		ResponseTypes:           []string{models.ResponseTypeCode},
		TokenEndpointAuthMethod: models.AuthMethodNone,
		RateLimit:               600,
	}))
	secretHash, err := auth.HashSecret("backend-secret")
	require.NoError(t, err)
	require.NoError(t, repo.CreateClient(ctx, &models.OAuthApplication{
		ClientID:                "backend",
		ClientSecretHash:        secretHash,
		Name:                    "Backend",
		RedirectURIs:            []string{testRedirect},
		Scopes:                  []string{"email"},
		GrantTypes:              []string{models.GrantTypeAuthorizationCode, models.GrantTypeRefreshToken},
		ResponseTypes:           []string{models.ResponseTypeCode},
		TokenEndpointAuthMethod: models.AuthMethodClientSecretBasic,
		RateLimit:               600,
	}))

	passwordHash, err := auth.HashSecret(testPassword)
	require.NoError(t, err)
	user := &models.User{ID: "user-1", Email: testEmail, PasswordHash: passwordHash, Roles: []string{"ROLE_USER"}}
	require.NoError(t, repo.CreateUser(ctx, user))

	mr := miniredis.RunT(t)
	c := cache.NewCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), logger)
	t.Cleanup(func() { c.Close() })

	km, err := auth.NewEphemeralKeyManager()
	require.NoError(t, err)
	codec, err := auth.NewTokenCodec(km, "", testIssuer, auth.SchemeAsymmetric)
	require.NoError(t, err)

	m := metrics.NewNop()
	recorder := events.NewRecorder(repo, logger, m, 64)
	t.Cleanup(recorder.Close)

	server := oauth.NewServer(
		oauth.ServerConfig{
			AccessTokenTTL:        15 * time.Minute,
			ClientRateLimitWindow: time.Minute,
			MaxFailedLogins:       5,
			FailedLoginWindow:     15 * time.Minute,
			FirstPartyClientID:    "web",
		},
		repo,
		oauth.NewClientRegistry(repo, c, time.Minute, logger),
		oauth.NewCodeStore(repo, 5*time.Minute),
		oauth.NewRefreshTokenStore(repo, 24*time.Hour, 32),
		codec,
		c,
		recorder,
		m,
		logger,
	)

	enc, err := encryption.NewEphemeralTokenEncryptor(logger)
	require.NoError(t, err)
	vault := social.NewVault(repo, enc, recorder, logger)
	provider := newFakeProvider(t)
	linker := social.NewLinker(vault, c, []*social.Provider{provider.socialProvider()}, recorder, logger)

	oauthHandler := handlers.NewOAuthHandler(server, logger)
	authHandler := handlers.NewAuthHandler(server, logger)
	providerHandler := handlers.NewProviderHandler(vault, linker, logger)

	router := mux.NewRouter()
	router.Use(middleware.BearerAuth(server))
	router.HandleFunc("/.well-known/jwks.json", handlers.NewJWKSHandler(km, logger).HandleJWKS).Methods("GET")
	router.HandleFunc("/.well-known/openid-configuration",
		handlers.NewOIDCConfigurationHandler("https://auth.example.com", testIssuer, logger).HandleOIDCConfiguration).Methods("GET")
	router.HandleFunc("/oauth2/authorize", oauthHandler.HandleAuthorize).Methods("GET")
	router.HandleFunc("/oauth2/token", oauthHandler.HandleToken).Methods("POST")
	router.Handle("/oauth2/userinfo", middleware.RequireAuth(http.HandlerFunc(oauthHandler.HandleUserInfo))).Methods("GET")
	router.HandleFunc("/oauth2/verify", handlers.NewVerifyHandler(server, logger).HandleVerify).Methods("POST")
	router.HandleFunc("/api/auth/login", authHandler.HandleLogin).Methods("POST")
	router.HandleFunc("/api/auth/register", authHandler.HandleRegister).Methods("POST")
	router.Handle("/api/auth/logout", middleware.RequireAuth(http.HandlerFunc(authHandler.HandleLogout))).Methods("POST")
	router.Handle("/api/auth/security-events", middleware.RequireAuth(http.HandlerFunc(authHandler.HandleSecurityEvents))).Methods("GET")
	router.Handle("/api/auth/providers/{provider}", middleware.RequireAuth(http.HandlerFunc(providerHandler.HandleProviderStatus))).Methods("GET")
	router.Handle("/api/auth/providers/{provider}/link", middleware.RequireAuth(http.HandlerFunc(providerHandler.HandleLinkProvider))).Methods("POST")
	router.HandleFunc("/api/auth/providers/{provider}/callback", providerHandler.HandleProviderCallback).Methods("GET")
	router.Handle("/api/auth/providers/{provider}/token", middleware.RequireAuth(http.HandlerFunc(providerHandler.HandleProviderToken))).Methods("GET")

	return &testEnv{router: router, keys: km, vault: vault, user: user, provider: provider}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) postJSON(path, body, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return e.do(req)
}

func (e *testEnv) get(path, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return e.do(req)
}

func (e *testEnv) postForm(form url.Values, configure func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/oauth2/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if configure != nil {
		configure(req)
	}
	return e.do(req)
}

func (e *testEnv) login(t *testing.T) *models.TokenResponse {
	t.Helper()
	rr := e.postJSON("/api/auth/login", `{"email":"alice@example.com","password":"correct horse battery"}`, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp models.TokenResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return &resp
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), rr.Body.String())
	return body["error"]
}

func authorizeQuery(clientID string) url.Values {
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {testRedirect},
		"scope":                 {"openid email"},
		"state":                 {"xyz"},
		"nonce":                 {"n-1"},
		"code_challenge":        {auth.S256Challenge(testVerifier)},
		"code_challenge_method": {"S256"},
	}
}

func TestAuthorizationCodeFlow(t *testing.T) {
	env := newTestEnv(t)
	session := env.login(t)

	rr := env.get("/oauth2/authorize?"+authorizeQuery("web").Encode(), session.AccessToken)
	require.Equal(t, http.StatusFound, rr.Code, rr.Body.String())

	location, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", location.Host)
	assert.Equal(t, "xyz", location.Query().Get("state"))
	code := location.Query().Get("code")
	require.NotEmpty(t, code)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"web"},
		"code":          {code},
		"redirect_uri":  {testRedirect},
		"code_verifier": {testVerifier},
	}
	rr = env.postForm(form, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))

	var tokens models.TokenResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &tokens))
	assert.Equal(t, "Bearer", tokens.TokenType)
	assert.Equal(t, "openid email", tokens.Scope)
	assert.NotEmpty(t, tokens.RefreshToken)
	assert.NotEmpty(t, tokens.IDToken)

	// Replaying the code fails.
	rr = env.postForm(form, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_grant", errorCode(t, rr))

	rr = env.get("/oauth2/userinfo", tokens.AccessToken)
	require.Equal(t, http.StatusOK, rr.Code)
	var info map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))
	assert.Equal(t, testEmail, info["sub"])
}

func TestHandleAuthorize_Errors(t *testing.T) {
	env := newTestEnv(t)
	session := env.login(t)

	t.Run("unknown client is answered in band", func(t *testing.T) {
		rr := env.get("/oauth2/authorize?"+authorizeQuery("nope").Encode(), session.AccessToken)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Empty(t, rr.Header().Get("Location"))
		assert.Equal(t, "invalid_request", errorCode(t, rr))
	})

	t.Run("unregistered redirect is answered in band", func(t *testing.T) {
		q := authorizeQuery("web")
		q.Set("redirect_uri", "https://evil.example.com/callback")
		rr := env.get("/oauth2/authorize?"+q.Encode(), session.AccessToken)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Empty(t, rr.Header().Get("Location"))
	})

	t.Run("anonymous owner is redirected with login_required", func(t *testing.T) {
		rr := env.get("/oauth2/authorize?"+authorizeQuery("web").Encode(), "")
		require.Equal(t, http.StatusFound, rr.Code)
		location, err := url.Parse(rr.Header().Get("Location"))
		require.NoError(t, err)
		assert.Equal(t, "login_required", location.Query().Get("error"))
		assert.Equal(t, "xyz", location.Query().Get("state"))
		assert.Empty(t, location.Query().Get("code"))
	})

	t.Run("scope outside the client registration", func(t *testing.T) {
		q := authorizeQuery("web")
		q.Set("scope", "openid admin")
		rr := env.get("/oauth2/authorize?"+q.Encode(), session.AccessToken)
		require.Equal(t, http.StatusFound, rr.Code)
		location, err := url.Parse(rr.Header().Get("Location"))
		require.NoError(t, err)
		assert.Equal(t, "invalid_scope", location.Query().Get("error"))
	})
}

func TestHandleToken_ClientAuthentication(t *testing.T) {
	env := newTestEnv(t)

	refreshForm := url.Values{"grant_type": {"refresh_token"}, "refresh_token": {"unknown"}}

	tests := []struct {
		name          string
		form          url.Values
		configure     func(*http.Request)
		expectStatus  int
		expectError   string
		expectWWWAuth bool
	}{
		{
			name: "wrong basic secret",
			form: refreshForm,
			configure: func(r *http.Request) {
				r.SetBasicAuth("backend", "wrong")
			},
			expectStatus:  http.StatusUnauthorized,
			expectError:   "invalid_client",
			expectWWWAuth: true,
		},
		{
			name: "wrong body secret",
			form: url.Values{
				"grant_type":    {"refresh_token"},
				"refresh_token": {"unknown"},
				"client_id":     {"backend"},
				"client_secret": {"wrong"},
			},
			expectStatus: http.StatusUnauthorized,
			expectError:  "invalid_client",
		},
		{
			name: "basic and body secret together",
			form: url.Values{
				"grant_type":    {"refresh_token"},
				"refresh_token": {"unknown"},
				"client_secret": {"backend-secret"},
			},
			configure: func(r *http.Request) {
				r.SetBasicAuth("backend", "backend-secret")
			},
			expectStatus: http.StatusBadRequest,
			expectError:  "invalid_request",
		},
		{
			name: "basic and body name different clients",
			form: url.Values{
				"grant_type":    {"refresh_token"},
				"refresh_token": {"unknown"},
				"client_id":     {"web"},
			},
			configure: func(r *http.Request) {
				r.SetBasicAuth("backend", "backend-secret")
			},
			expectStatus: http.StatusBadRequest,
			expectError:  "invalid_request",
		},
		{
			name: "authenticated client with unknown refresh token",
			form: refreshForm,
			configure: func(r *http.Request) {
				r.SetBasicAuth("backend", "backend-secret")
			},
			expectStatus: http.StatusBadRequest,
			expectError:  "invalid_grant",
		},
		{
			name:         "password grant is not offered at the token endpoint",
			form:         url.Values{"grant_type": {"password"}, "client_id": {"web"}},
			expectStatus: http.StatusBadRequest,
			expectError:  "unsupported_grant_type",
		},
		{
			name:         "missing grant type",
			form:         url.Values{"client_id": {"web"}},
			expectStatus: http.StatusBadRequest,
			expectError:  "invalid_request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.postForm(tt.form, tt.configure)
			assert.Equal(t, tt.expectStatus, rr.Code, rr.Body.String())
			assert.Equal(t, tt.expectError, errorCode(t, rr))
			assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
			if tt.expectWWWAuth {
				assert.Equal(t, `Basic realm="oauth2"`, rr.Header().Get("WWW-Authenticate"))
			} else {
				assert.Empty(t, rr.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestHandleToken_RefreshRotation(t *testing.T) {
	env := newTestEnv(t)
	session := env.login(t)

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {"web"},
		"refresh_token": {session.RefreshToken},
	}
	rr := env.postForm(form, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var rotated models.TokenResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rotated))
	assert.NotEqual(t, session.RefreshToken, rotated.RefreshToken)
	assert.Empty(t, rotated.IDToken)

	rr = env.postForm(form, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_grant", errorCode(t, rr))
}

func TestHandleLogin(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name         string
		body         string
		expectStatus int
		expectError  string
	}{
		{
			name:         "success",
			body:         `{"email":"Alice@Example.com ","password":"correct horse battery"}`,
			expectStatus: http.StatusOK,
		},
		{
			name:         "wrong password",
			body:         `{"email":"alice@example.com","password":"nope-nope-nope"}`,
			expectStatus: http.StatusUnauthorized,
			expectError:  "invalid_credentials",
		},
		{
			name:         "unknown account looks the same",
			body:         `{"email":"bob@example.com","password":"nope-nope-nope"}`,
			expectStatus: http.StatusUnauthorized,
			expectError:  "invalid_credentials",
		},
		{
			name:         "malformed body",
			body:         `{"email":`,
			expectStatus: http.StatusBadRequest,
			expectError:  "invalid_request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.postJSON("/api/auth/login", tt.body, "")
			assert.Equal(t, tt.expectStatus, rr.Code, rr.Body.String())
			assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
			if tt.expectError != "" {
				assert.Equal(t, tt.expectError, errorCode(t, rr))
				return
			}
			var resp models.TokenResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.AccessToken)
			assert.NotEmpty(t, resp.RefreshToken)
		})
	}
}

func TestHandleRegister(t *testing.T) {
	env := newTestEnv(t)

	rr := env.postJSON("/api/auth/register", `{"email":"bob@example.com","password":"long enough password"}`, "")
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var created handlers.RegisterResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "bob@example.com", created.Email)

	rr = env.postJSON("/api/auth/register", `{"email":"bob@example.com","password":"another password"}`, "")
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = env.postJSON("/api/auth/register", `{"email":"not-an-email","password":"long enough password"}`, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.postJSON("/api/auth/register", `{"email":"carol@example.com","password":"short"}`, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.postJSON("/api/auth/login", `{"email":"bob@example.com","password":"long enough password"}`, "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHandleLogout(t *testing.T) {
	env := newTestEnv(t)
	session := env.login(t)

	rr := env.postJSON("/api/auth/logout", "", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Header().Get("WWW-Authenticate"), "Bearer")

	rr = env.postJSON("/api/auth/logout", "", session.AccessToken)
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())

	// The access token is denylisted and the refresh token revoked.
	rr = env.get("/oauth2/userinfo", session.AccessToken)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = env.postForm(url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {"web"},
		"refresh_token": {session.RefreshToken},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_grant", errorCode(t, rr))
}

func TestHandleSecurityEvents(t *testing.T) {
	env := newTestEnv(t)
	session := env.login(t)

	rr := env.get("/api/auth/security-events?limit=5", session.AccessToken)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var list []models.SecurityEvent
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	for _, event := range list {
		assert.Equal(t, env.user.ID, event.UserID)
	}

	rr = env.get("/api/auth/security-events?limit=abc", session.AccessToken)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.get("/api/auth/security-events", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHandleVerify(t *testing.T) {
	env := newTestEnv(t)
	session := env.login(t)

	tests := []struct {
		name          string
		body          string
		expectStatus  int
		expectValid   bool
		expectMessage string
	}{
		{
			name:         "valid token",
			body:         `{"token":"` + session.AccessToken + `"}`,
			expectStatus: http.StatusOK,
			expectValid:  true,
		},
		{
			name:          "garbage",
			body:          `{"token":"not-a-jwt"}`,
			expectStatus:  http.StatusOK,
			expectMessage: "token is invalid",
		},
		{
			name:         "missing token",
			body:         `{}`,
			expectStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.postJSON("/oauth2/verify", tt.body, "")
			require.Equal(t, tt.expectStatus, rr.Code, rr.Body.String())
			if tt.expectStatus != http.StatusOK {
				return
			}
			var resp models.VerifyResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.Equal(t, tt.expectValid, resp.Valid)
			assert.Equal(t, tt.expectMessage, resp.Message)
			if tt.expectValid {
				assert.Equal(t, testEmail, resp.Claims["sub"])
			}
		})
	}
}

func TestHandleJWKS(t *testing.T) {
	env := newTestEnv(t)

	rr := env.get("/.well-known/jwks.json", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "public, max-age=3600", rr.Header().Get("Cache-Control"))

	var body struct {
		Keys []map[string]interface{} `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Keys, 1)
	assert.Equal(t, env.keys.CurrentKeyID(), body.Keys[0]["kid"])
	assert.Equal(t, "RSA", body.Keys[0]["kty"])
	assert.NotContains(t, body.Keys[0], "d")
}

func TestHandleOIDCConfiguration(t *testing.T) {
	env := newTestEnv(t)

	rr := env.get("/.well-known/openid-configuration", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var cfg handlers.OIDCConfiguration
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &cfg))
	assert.Equal(t, testIssuer, cfg.Issuer)
	assert.Equal(t, "https://auth.example.com/oauth2/token", cfg.TokenEndpoint)
	assert.Equal(t, "https://auth.example.com/.well-known/jwks.json", cfg.JwksURI)
	assert.Equal(t, []string{"code"}, cfg.ResponseTypesSupported)
	assert.ElementsMatch(t, []string{"S256", "plain"}, cfg.CodeChallengeMethodsSupported)
	assert.NotContains(t, cfg.GrantTypesSupported, "password")
}

func TestHandleProviderStatus(t *testing.T) {
	env := newTestEnv(t)
	session := env.login(t)

	require.NoError(t, env.vault.Store(context.Background(), env.user.ID, "google", "g-123", &oauth2.Token{
		AccessToken:  "provider-access",
		RefreshToken: "provider-refresh",
		Expiry:       time.Now().Add(time.Hour),
	}))

	rr := env.get("/api/auth/providers/google", session.AccessToken)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var status models.ProviderStatus
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, "google", status.Provider)
	assert.True(t, status.Linked)
	assert.False(t, status.ReauthRequired)
	assert.NotNil(t, status.ExpiresAt)

	rr = env.get("/api/auth/providers/github", session.AccessToken)
	require.Equal(t, http.StatusOK, rr.Code)
	status = models.ProviderStatus{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.False(t, status.Linked)

	rr = env.get("/api/auth/providers/google", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHandleProviderLink(t *testing.T) {
	env := newTestEnv(t)
	session := env.login(t)

	rr := env.postJSON("/api/auth/providers/google/link", "", session.AccessToken)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
	var link models.ProviderLink
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &link))

	authURL, err := url.Parse(link.AuthorizationURL)
	require.NoError(t, err)
	assert.Equal(t, env.provider.URL+"/authorize", authURL.Scheme+"://"+authURL.Host+authURL.Path)
	q := authURL.Query()
	assert.Equal(t, "calendar-sync", q.Get("client_id"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, "offline", q.Get("access_type"))
	state := q.Get("state")
	require.NotEmpty(t, state)

	callback := "/api/auth/providers/google/callback?" + url.Values{"state": {state}, "code": {"provider-code"}}.Encode()
	rr = env.get(callback, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var status models.ProviderStatus
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.True(t, status.Linked)
	assert.False(t, status.ReauthRequired)
	assert.Equal(t, q.Get("code_challenge"), auth.S256Challenge(env.provider.lastVerifier()))

	stored, err := env.vault.Token(context.Background(), env.user.ID, "google")
	require.NoError(t, err)
	assert.Equal(t, "ya29.linked", stored.AccessToken)
	assert.Equal(t, "1//linked", stored.RefreshToken)

	// The state is single use.
	rr = env.get(callback, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_request", errorCode(t, rr))
}

func TestHandleProviderLink_Errors(t *testing.T) {
	env := newTestEnv(t)
	session := env.login(t)

	rr := env.postJSON("/api/auth/providers/myspace/link", "", session.AccessToken)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.postJSON("/api/auth/providers/google/link", "", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = env.get("/api/auth/providers/google/callback?state=forged&code=provider-code", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_request", errorCode(t, rr))

	rr = env.get("/api/auth/providers/google/callback?error=access_denied", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.postJSON("/api/auth/providers/google/link", "", session.AccessToken)
	require.Equal(t, http.StatusOK, rr.Code)
	var link models.ProviderLink
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &link))
	authURL, err := url.Parse(link.AuthorizationURL)
	require.NoError(t, err)

	rr = env.get("/api/auth/providers/google/callback?"+url.Values{
		"state": {authURL.Query().Get("state")},
		"code":  {"stolen-code"},
	}.Encode(), "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_grant", errorCode(t, rr))

	status, err := env.vault.Status(context.Background(), env.user.ID, "google")
	require.NoError(t, err)
	assert.False(t, status.Linked)
}

func TestHandleProviderToken(t *testing.T) {
	env := newTestEnv(t)
	session := env.login(t)

	rr := env.get("/api/auth/providers/google/token", session.AccessToken)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	require.NoError(t, env.vault.Store(context.Background(), env.user.ID, "google", "g-42", &oauth2.Token{
		AccessToken:  "ya29.expired",
		RefreshToken: "1//linked",
		Expiry:       time.Now().Add(-time.Minute),
	}))

	rr = env.get("/api/auth/providers/google/token", session.AccessToken)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
	var token models.ProviderToken
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &token))
	assert.Equal(t, "ya29.renewed", token.AccessToken)
	assert.Equal(t, "Bearer", token.TokenType)
	require.NotNil(t, token.ExpiresAt)

	stored, err := env.vault.Token(context.Background(), env.user.ID, "google")
	require.NoError(t, err)
	assert.Equal(t, "ya29.renewed", stored.AccessToken)
}
