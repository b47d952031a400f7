package handlers

import (
	"encoding/json"
	"net/http"

	"productivity-auth/internal/auth"
	"productivity-auth/internal/models"

	"go.uber.org/zap"
)

// JWKSHandler handles JWKS endpoint requests
type JWKSHandler struct {
	keyManager *auth.KeyManager
	logger     *zap.Logger
}

// NewJWKSHandler creates a new JWKS handler
func NewJWKSHandler(keyManager *auth.KeyManager, logger *zap.Logger) *JWKSHandler {
	return &JWKSHandler{
		keyManager: keyManager,
		logger:     logger,
	}
}

// HandleJWKS handles GET /.well-known/jwks.json
// @Summary     JSON Web Key Set
// @Description Public keys that verify RS256 access and ID tokens, including keys retired within the grace period.
// @Tags        oidc
// @Produce     application/json
// @Success     200  {object}  map[string]interface{}
// @Router      /.well-known/jwks.json [get]
func (h *JWKSHandler) HandleJWKS(w http.ResponseWriter, r *http.Request) {
	keySet, err := h.keyManager.JWKSet()
	if err != nil {
		h.logger.Error("Failed to build JWKS", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	data, err := json.Marshal(keySet)
	if err != nil {
		h.logger.Error("Failed to marshal JWKS", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// OIDCConfiguration represents the OpenID Connect discovery document
type OIDCConfiguration struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	JwksURI                           string   `json:"jwks_uri"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
	RequestURIParameterSupported      bool     `json:"request_uri_parameter_supported"`
}

// OIDCConfigurationHandler handles OIDC discovery endpoint
type OIDCConfigurationHandler struct {
	baseURL string
	issuer  string
	logger  *zap.Logger
}

// NewOIDCConfigurationHandler creates a new OIDC configuration handler
func NewOIDCConfigurationHandler(baseURL, issuer string, logger *zap.Logger) *OIDCConfigurationHandler {
	return &OIDCConfigurationHandler{
		baseURL: baseURL,
		issuer:  issuer,
		logger:  logger,
	}
}

// HandleOIDCConfiguration handles GET /.well-known/openid-configuration
// @Summary     OpenID Connect discovery document
// @Tags        oidc
// @Produce     application/json
// @Success     200  {object}  handlers.OIDCConfiguration
// @Router      /.well-known/openid-configuration [get]
func (h *OIDCConfigurationHandler) HandleOIDCConfiguration(w http.ResponseWriter, r *http.Request) {
	config := OIDCConfiguration{
		Issuer:                h.issuer,
		AuthorizationEndpoint: h.baseURL + "/oauth2/authorize",
		TokenEndpoint:         h.baseURL + "/oauth2/token",
		UserinfoEndpoint:      h.baseURL + "/oauth2/userinfo",
		JwksURI:               h.baseURL + "/.well-known/jwks.json",
		TokenEndpointAuthMethodsSupported: []string{
			models.AuthMethodClientSecretBasic,
			models.AuthMethodClientSecretPost,
			models.AuthMethodNone,
		},
		ResponseTypesSupported:           []string{models.ResponseTypeCode},
		ResponseModesSupported:           []string{"query"},
		GrantTypesSupported:              []string{models.GrantTypeAuthorizationCode, models.GrantTypeRefreshToken},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{"RS256"},
		CodeChallengeMethodsSupported:    []string{models.PKCEMethodS256, models.PKCEMethodPlain},
		ScopesSupported:                  []string{"openid", "profile", "email"},
		ClaimsSupported: []string{
			"sub",
			"iss",
			"aud",
			"exp",
			"iat",
			"jti",
			"email",
			"authorities",
			"nonce",
			"auth_time",
		},
		RequestURIParameterSupported: false,
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		h.logger.Error("Failed to marshal OIDC configuration", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
