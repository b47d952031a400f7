package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"productivity-auth/internal/middleware"
	"productivity-auth/internal/models"
	"productivity-auth/internal/oauth"
	"productivity-auth/pkg/errors"

	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 16

// AuthHandler handles first-party account endpoints
type AuthHandler struct {
	server *oauth.Server
	logger *zap.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(server *oauth.Server, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		server: server,
		logger: logger,
	}
}

// RegisterResponse is returned by a successful registration.
type RegisterResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		sendError(w, errors.Wrap(err, errors.ErrInvalidRequest))
		return false
	}
	return true
}

// HandleLogin handles POST /api/auth/login
// @Summary     Log in with email and password
// @Description Issues an access and refresh token for the first-party client. Repeated failures lock the account temporarily.
// @Tags        auth
// @Accept      application/json
// @Produce     application/json
// @Param       request body     models.LoginRequest true "Credentials"
// @Success     200     {object} models.TokenResponse
// @Failure     400     {object} map[string]string
// @Failure     401     {object} map[string]string
// @Failure     429     {object} map[string]string
// @Router      /api/auth/login [post]
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	noStore(w)

	var req models.LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := h.server.Login(r.Context(), req, requestMeta(r))
	if err != nil {
		sendError(w, errors.From(err))
		return
	}
	sendJSON(w, http.StatusOK, resp)
}

// HandleRegister handles POST /api/auth/register
// @Summary     Create an account
// @Tags        auth
// @Accept      application/json
// @Produce     application/json
// @Param       request body     models.RegisterRequest true "Account details"
// @Success     201     {object} handlers.RegisterResponse
// @Failure     400     {object} map[string]string
// @Failure     409     {object} map[string]string
// @Router      /api/auth/register [post]
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := h.server.Register(r.Context(), req, requestMeta(r))
	if err != nil {
		sendError(w, errors.From(err))
		return
	}
	sendJSON(w, http.StatusCreated, &RegisterResponse{ID: user.ID, Email: user.Email})
}

// HandleLogout handles POST /api/auth/logout
// @Summary     Log out everywhere for the current client
// @Description Revokes every refresh token of the caller for the token's client and denylists the presented access token.
// @Tags        auth
// @Success     204
// @Failure     401  {object}  map[string]string
// @Security    BearerAuth
// @Router      /api/auth/logout [post]
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFrom(r.Context())
	if principal == nil {
		sendError(w, errors.ErrInvalidToken)
		return
	}

	if err := h.server.Logout(r.Context(), principal, requestMeta(r)); err != nil {
		sendError(w, errors.From(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSecurityEvents handles GET /api/auth/security-events
// @Summary     Recent security events of the caller
// @Tags        auth
// @Produce     application/json
// @Param       limit query    int false "Maximum events (default 20, max 100)"
// @Success     200   {array}  models.SecurityEvent
// @Failure     401   {object} map[string]string
// @Security    BearerAuth
// @Router      /api/auth/security-events [get]
func (h *AuthHandler) HandleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFrom(r.Context())
	if principal == nil {
		sendError(w, errors.ErrInvalidToken)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			sendError(w, errors.ErrInvalidRequest)
			return
		}
		limit = n
	}

	events, err := h.server.SecurityEvents(r.Context(), principal, limit)
	if err != nil {
		sendError(w, errors.From(err))
		return
	}
	sendJSON(w, http.StatusOK, events)
}
