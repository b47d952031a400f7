package handlers

import (
	"errors"
	"net/http"
	"net/url"

	"productivity-auth/internal/middleware"
	"productivity-auth/internal/oauth"
	"productivity-auth/internal/ratelimit"
	apperrors "productivity-auth/pkg/errors"

	"go.uber.org/zap"
)

// OAuthHandler serves the authorize, token and userinfo endpoints.
type OAuthHandler struct {
	server *oauth.Server
	logger *zap.Logger
}

// NewOAuthHandler creates a new OAuth handler
func NewOAuthHandler(server *oauth.Server, logger *zap.Logger) *OAuthHandler {
	return &OAuthHandler{
		server: server,
		logger: logger,
	}
}

func requestMeta(r *http.Request) oauth.RequestMeta {
	return oauth.RequestMeta{IP: ratelimit.ClientIP(r), UserAgent: r.UserAgent()}
}

// HandleAuthorize handles GET /oauth2/authorize
// @Summary     Start an authorization code grant
// @Description Validates the request and redirects back to the client with a single-use code. The resource owner authenticates with a bearer access token.
// @Tags        oauth2
// @Produce     application/json
// @Param       response_type         query string true  "Must be code"
// @Param       client_id             query string true  "Client ID"
// @Param       redirect_uri          query string true  "Registered redirect URI"
// @Param       scope                 query string false "Space separated scopes"
// @Param       state                 query string false "Opaque value echoed back"
// @Param       nonce                 query string false "OIDC nonce"
// @Param       code_challenge        query string false "PKCE challenge (required for public clients)"
// @Param       code_challenge_method query string false "plain or S256"
// @Success     302
// @Failure     400  {object}  map[string]string
// @Security    BearerAuth
// @Router      /oauth2/authorize [get]
func (h *OAuthHandler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := oauth.AuthorizeRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		Nonce:               q.Get("nonce"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}

	location, err := h.server.Authorize(r.Context(), req, middleware.PrincipalFrom(r.Context()), requestMeta(r))
	if err != nil {
		var authErr *oauth.AuthorizeError
		if errors.As(err, &authErr) && authErr.Redirect() {
			http.Redirect(w, r, authErr.RedirectURL(), http.StatusFound)
			return
		}
		sendError(w, apperrors.From(err))
		return
	}

	http.Redirect(w, r, location, http.StatusFound)
}

// HandleToken handles POST /oauth2/token
// @Summary     Exchange a grant for tokens
// @Description Redeems an authorization code or rotates a refresh token. Clients authenticate with HTTP Basic or client_id/client_secret form fields.
// @Tags        oauth2
// @Accept      application/x-www-form-urlencoded
// @Produce     application/json
// @Param       grant_type    formData string true  "authorization_code or refresh_token"
// @Param       client_id     formData string false "Client ID (when not using HTTP Basic)"
// @Param       client_secret formData string false "Client secret (confidential clients)"
// @Param       code          formData string false "Authorization code"
// @Param       redirect_uri  formData string false "Redirect URI used at /oauth2/authorize"
// @Param       code_verifier formData string false "PKCE verifier"
// @Param       refresh_token formData string false "Refresh token"
// @Param       scope         formData string false "Narrowed scope for refresh"
// @Success     200  {object}  models.TokenResponse
// @Failure     400  {object}  map[string]string
// @Failure     401  {object}  map[string]string
// @Failure     429  {object}  map[string]string
// @Router      /oauth2/token [post]
func (h *OAuthHandler) HandleToken(w http.ResponseWriter, r *http.Request) {
	noStore(w)

	if err := r.ParseForm(); err != nil {
		sendError(w, apperrors.Wrap(err, apperrors.ErrInvalidRequest))
		return
	}

	clientID, clientSecret, usedBasic, ok := clientCredentials(r)
	if !ok {
		sendError(w, apperrors.ErrInvalidRequest)
		return
	}

	req := oauth.TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		Scope:        r.PostForm.Get("scope"),
	}

	resp, err := h.server.Token(r.Context(), req, requestMeta(r))
	if err != nil {
		serviceErr := apperrors.From(err)
		if usedBasic && serviceErr.Code == apperrors.ErrInvalidClient.Code {
			w.Header().Set("WWW-Authenticate", `Basic realm="oauth2"`)
		}
		sendError(w, serviceErr)
		return
	}

	sendJSON(w, http.StatusOK, resp)
}

// clientCredentials reads HTTP Basic credentials (form-encoded per RFC 6749
// §2.3.1) or the body fields. Using both, or naming two different clients,
// is malformed.
func clientCredentials(r *http.Request) (id, secret string, usedBasic, ok bool) {
	bodyID := r.PostForm.Get("client_id")
	bodySecret := r.PostForm.Get("client_secret")

	basicID, basicSecret, hasBasic := r.BasicAuth()
	if !hasBasic {
		return bodyID, bodySecret, false, true
	}
	if bodySecret != "" {
		return "", "", true, false
	}

	id, err := url.QueryUnescape(basicID)
	if err != nil {
		return "", "", true, false
	}
	secret, err = url.QueryUnescape(basicSecret)
	if err != nil {
		return "", "", true, false
	}
	if bodyID != "" && bodyID != id {
		return "", "", true, false
	}
	return id, secret, true, true
}

// HandleUserInfo handles GET /oauth2/userinfo
// @Summary     OIDC userinfo
// @Tags        oidc
// @Produce     application/json
// @Success     200  {object}  map[string]interface{}
// @Failure     401  {object}  map[string]string
// @Security    BearerAuth
// @Router      /oauth2/userinfo [get]
func (h *OAuthHandler) HandleUserInfo(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFrom(r.Context())
	if principal == nil {
		sendError(w, apperrors.ErrInvalidToken)
		return
	}
	sendJSON(w, http.StatusOK, h.server.UserInfo(principal))
}
