package handlers

import (
	"net/http"

	"productivity-auth/internal/models"
	"productivity-auth/internal/oauth"
	"productivity-auth/pkg/errors"

	"go.uber.org/zap"
)

// VerifyHandler handles token verification requests
type VerifyHandler struct {
	server *oauth.Server
	logger *zap.Logger
}

// NewVerifyHandler creates a new verify handler
func NewVerifyHandler(server *oauth.Server, logger *zap.Logger) *VerifyHandler {
	return &VerifyHandler{
		server: server,
		logger: logger,
	}
}

// HandleVerify handles POST /oauth2/verify
// @Summary     Verify JWT token
// @Description Validates an access token under either signing scheme and returns its claims if valid
// @Tags        oauth2
// @Accept      application/json
// @Produce     application/json
// @Param       request body     models.VerifyRequest true "Token verification request"
// @Success     200     {object} models.VerifyResponse
// @Failure     400     {object} map[string]string
// @Router      /oauth2/verify [post]
func (h *VerifyHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var req models.VerifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Token == "" {
		sendError(w, errors.ErrInvalidRequest)
		return
	}

	sendJSON(w, http.StatusOK, h.server.Verify(r.Context(), req.Token))
}
