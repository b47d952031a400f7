package handlers

import (
	"net/http"

	"productivity-auth/internal/middleware"
	"productivity-auth/internal/social"
	"productivity-auth/pkg/errors"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// ProviderHandler links third-party provider accounts and reports their state
type ProviderHandler struct {
	vault  *social.Vault
	linker *social.Linker
	logger *zap.Logger
}

// NewProviderHandler creates a new provider handler
func NewProviderHandler(vault *social.Vault, linker *social.Linker, logger *zap.Logger) *ProviderHandler {
	return &ProviderHandler{
		vault:  vault,
		linker: linker,
		logger: logger,
	}
}

// HandleProviderStatus handles GET /api/auth/providers/{provider}
// @Summary     Linked provider status
// @Description Reports whether the caller's provider link is usable or must be re-authorized.
// @Tags        auth
// @Produce     application/json
// @Param       provider path     string true "Provider name, e.g. google"
// @Success     200      {object} models.ProviderStatus
// @Failure     401      {object} map[string]string
// @Security    BearerAuth
// @Router      /api/auth/providers/{provider} [get]
func (h *ProviderHandler) HandleProviderStatus(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFrom(r.Context())
	if principal == nil {
		sendError(w, errors.ErrInvalidToken)
		return
	}

	provider := mux.Vars(r)["provider"]
	if provider == "" {
		sendError(w, errors.ErrInvalidRequest)
		return
	}

	status, err := h.vault.Status(r.Context(), principal.User.ID, provider)
	if err != nil {
		h.logger.Error("Failed to load provider status",
			zap.String("user_id", principal.User.ID),
			zap.String("provider", provider),
			zap.Error(err))
		sendError(w, errors.Wrap(err, errors.ErrInternalServer))
		return
	}
	sendJSON(w, http.StatusOK, status)
}

// HandleLinkProvider handles POST /api/auth/providers/{provider}/link
// @Summary     Start linking a provider account
// @Description Returns the provider authorization URL the user's browser must visit. The link completes on the callback.
// @Tags        auth
// @Produce     application/json
// @Param       provider path     string true "Provider name, e.g. google"
// @Success     200      {object} models.ProviderLink
// @Failure     401      {object} map[string]string
// @Failure     404      {object} map[string]string
// @Security    BearerAuth
// @Router      /api/auth/providers/{provider}/link [post]
func (h *ProviderHandler) HandleLinkProvider(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFrom(r.Context())
	if principal == nil {
		sendError(w, errors.ErrInvalidToken)
		return
	}

	link, err := h.linker.Begin(r.Context(), principal.User.ID, mux.Vars(r)["provider"])
	if err != nil {
		sendError(w, errors.From(err))
		return
	}
	noStore(w)
	sendJSON(w, http.StatusOK, link)
}

// HandleProviderCallback handles GET /api/auth/providers/{provider}/callback
// @Summary     Provider redirect target
// @Description Redeems the provider authorization code and stores the encrypted tokens for the user who started the link.
// @Tags        auth
// @Produce     application/json
// @Param       provider path     string true  "Provider name, e.g. google"
// @Param       state    query    string true  "State issued when the link started"
// @Param       code     query    string false "Provider authorization code"
// @Success     200      {object} models.ProviderStatus
// @Failure     400      {object} map[string]string
// @Failure     502      {object} map[string]string
// @Router      /api/auth/providers/{provider}/callback [get]
func (h *ProviderHandler) HandleProviderCallback(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]
	query := r.URL.Query()

	if providerErr := query.Get("error"); providerErr != "" {
		h.logger.Info("Provider declined the link",
			zap.String("provider", provider),
			zap.String("error", providerErr))
		sendError(w, errors.ErrInvalidRequest)
		return
	}

	status, err := h.linker.Complete(r.Context(), provider, query.Get("state"), query.Get("code"))
	if err != nil {
		sendError(w, errors.From(err))
		return
	}
	noStore(w)
	sendJSON(w, http.StatusOK, status)
}

// HandleProviderToken handles GET /api/auth/providers/{provider}/token
// @Summary     Linked provider access token
// @Description Returns a usable provider access token, refreshing it with the provider when it has expired.
// @Tags        auth
// @Produce     application/json
// @Param       provider path     string true "Provider name, e.g. google"
// @Success     200      {object} models.ProviderToken
// @Failure     401      {object} map[string]string
// @Failure     404      {object} map[string]string
// @Security    BearerAuth
// @Router      /api/auth/providers/{provider}/token [get]
func (h *ProviderHandler) HandleProviderToken(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFrom(r.Context())
	if principal == nil {
		sendError(w, errors.ErrInvalidToken)
		return
	}

	token, err := h.linker.Token(r.Context(), principal.User.ID, mux.Vars(r)["provider"])
	if err != nil {
		sendError(w, errors.From(err))
		return
	}
	noStore(w)
	sendJSON(w, http.StatusOK, token)
}
