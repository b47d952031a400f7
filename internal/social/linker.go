package social

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"productivity-auth/internal/events"
	"productivity-auth/internal/models"
	apperrors "productivity-auth/pkg/errors"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

const linkStateTTL = 10 * time.Minute

// Provider is a third-party OAuth2 provider accounts can be linked to.
type Provider struct {
	Name   string
	Config *oauth2.Config
	// UserInfoURL answers with a JSON object carrying the account id as
	// "sub" (OIDC) or "id" (GitHub).
	UserInfoURL string
}

type knownProvider struct {
	endpoint    oauth2.Endpoint
	userInfoURL string
	scopes      []string
}

var knownProviders = map[string]knownProvider{
	"google": {
		endpoint:    endpoints.Google,
		userInfoURL: "https://openidconnect.googleapis.com/v1/userinfo",
		scopes:      []string{"openid", "email", "profile"},
	},
	"github": {
		endpoint:    endpoints.GitHub,
		userInfoURL: "https://api.github.com/user",
		scopes:      []string{"read:user", "user:email"},
	},
}

// KnownProviders lists the provider names NewProvider accepts.
func KnownProviders() []string {
	names := make([]string, 0, len(knownProviders))
	for name := range knownProviders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewProvider builds one of the KnownProviders. Empty scopes keep the
// provider's defaults.
func NewProvider(name, clientID, clientSecret, redirectURL string, scopes []string) (*Provider, error) {
	known, ok := knownProviders[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	if len(scopes) == 0 {
		scopes = known.scopes
	}
	return &Provider{
		Name: name,
		Config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       scopes,
			Endpoint:     known.endpoint,
		},
		UserInfoURL: known.userInfoURL,
	}, nil
}

// StateStore keeps pending links between the two legs of the flow.
type StateStore interface {
	SaveLinkState(ctx context.Context, state string, link *models.LinkState, ttl time.Duration) error
	TakeLinkState(ctx context.Context, state string) (*models.LinkState, error)
}

// Linker runs the provider authorization code flow that links an account
// and hands out fresh provider tokens afterwards.
type Linker struct {
	vault     *Vault
	states    StateStore
	providers map[string]*Provider
	events    *events.Recorder
	logger    *zap.Logger
}

// NewLinker creates a linker for providers.
func NewLinker(vault *Vault, states StateStore, providers []*Provider, recorder *events.Recorder, logger *zap.Logger) *Linker {
	byName := make(map[string]*Provider, len(providers))
	for _, p := range providers {
		byName[p.Name] = p
	}
	return &Linker{
		vault:     vault,
		states:    states,
		providers: byName,
		events:    recorder,
		logger:    logger,
	}
}

func (l *Linker) provider(name string) (*Provider, error) {
	p, ok := l.providers[name]
	if !ok {
		return nil, apperrors.ErrNotFoundResponse
	}
	return p, nil
}

// Begin starts linking userID's account at provider and returns the URL the
// user's browser must visit. The request carries a one-time state and an
// S256 PKCE challenge.
func (l *Linker) Begin(ctx context.Context, userID, provider string) (*models.ProviderLink, error) {
	p, err := l.provider(provider)
	if err != nil {
		return nil, err
	}

	state := oauth2.GenerateVerifier()
	verifier := oauth2.GenerateVerifier()
	link := &models.LinkState{UserID: userID, Provider: p.Name, Verifier: verifier}
	if err := l.states.SaveLinkState(ctx, state, link, linkStateTTL); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrInternalServer)
	}

	return &models.ProviderLink{
		Provider:         p.Name,
		AuthorizationURL: p.Config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier)),
	}, nil
}

// Complete finishes the flow started by Begin: it redeems code at the
// provider, resolves the provider account id and stores the tokens.
func (l *Linker) Complete(ctx context.Context, provider, state, code string) (*models.ProviderStatus, error) {
	p, err := l.provider(provider)
	if err != nil {
		return nil, err
	}
	if state == "" {
		return nil, apperrors.ErrInvalidRequest
	}

	link, err := l.states.TakeLinkState(ctx, state)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrInternalServer)
	}
	if link == nil || link.Provider != p.Name {
		l.logger.Warn("Provider callback with unknown state", zap.String("provider", p.Name))
		return nil, apperrors.ErrInvalidRequest
	}
	if code == "" {
		return nil, apperrors.ErrInvalidRequest
	}

	token, err := p.Config.Exchange(ctx, code, oauth2.VerifierOption(link.Verifier))
	if err != nil {
		l.logger.Warn("Provider code exchange failed",
			zap.String("provider", p.Name),
			zap.String("user_id", link.UserID),
			zap.Error(err))
		var retrieve *oauth2.RetrieveError
		if errors.As(err, &retrieve) {
			return nil, apperrors.Wrap(err, apperrors.ErrInvalidGrant)
		}
		return nil, apperrors.Wrap(err, apperrors.ErrProviderUnavailable)
	}

	accountID, err := l.accountID(ctx, p, token)
	if err != nil {
		l.logger.Warn("Provider account lookup failed", zap.String("provider", p.Name), zap.Error(err))
		return nil, apperrors.Wrap(err, apperrors.ErrProviderUnavailable)
	}

	if err := l.vault.Store(ctx, link.UserID, p.Name, accountID, token); err != nil {
		l.logger.Error("Failed to store provider token",
			zap.String("provider", p.Name),
			zap.String("user_id", link.UserID),
			zap.Error(err))
		return nil, apperrors.Wrap(err, apperrors.ErrInternalServer)
	}

	l.events.Record(ctx, models.SecurityEvent{
		Type:     models.EventProviderLinked,
		UserID:   link.UserID,
		Success:  true,
		Metadata: map[string]string{"provider": p.Name},
	})
	return l.vault.Status(ctx, link.UserID, p.Name)
}

func (l *Linker) accountID(ctx context.Context, p *Provider, token *oauth2.Token) (string, error) {
	if p.UserInfoURL == "" {
		return "", nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.UserInfoURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.Config.Client(ctx, token).Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: user info request: %w", p.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: user info returned status %d", p.Name, resp.StatusCode)
	}

	var info struct {
		Sub string      `json:"sub"`
		ID  json.Number `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("%s: decode user info: %w", p.Name, err)
	}
	if info.Sub != "" {
		return info.Sub, nil
	}
	if info.ID != "" {
		return info.ID.String(), nil
	}
	return "", fmt.Errorf("%s: user info has no account id", p.Name)
}

// Token returns a usable access token for userID's linked provider
// account, refreshing it through the provider when it has expired.
func (l *Linker) Token(ctx context.Context, userID, provider string) (*models.ProviderToken, error) {
	p, err := l.provider(provider)
	if err != nil {
		return nil, err
	}

	source, err := l.vault.TokenSource(ctx, p.Config, userID, provider)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return nil, apperrors.ErrNotFoundResponse
	case err != nil:
		return nil, apperrors.From(err)
	}

	token, err := source.Token()
	if err != nil {
		l.logger.Warn("Provider token refresh failed",
			zap.String("provider", p.Name),
			zap.String("user_id", userID),
			zap.Error(err))
		var retrieve *oauth2.RetrieveError
		if errors.As(err, &retrieve) {
			return nil, apperrors.Wrap(err, apperrors.ErrReauthenticationRequired)
		}
		return nil, apperrors.Wrap(err, apperrors.ErrProviderUnavailable)
	}

	out := &models.ProviderToken{
		Provider:    p.Name,
		AccessToken: token.AccessToken,
		TokenType:   token.Type(),
	}
	if !token.Expiry.IsZero() {
		expiry := token.Expiry
		out.ExpiresAt = &expiry
	}
	return out, nil
}
