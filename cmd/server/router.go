package main

import (
	"net/http"

	"productivity-auth/internal/events"
	"productivity-auth/internal/handlers"
	"productivity-auth/internal/metrics"
	"productivity-auth/internal/middleware"
	"productivity-auth/internal/ratelimit"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"
)

// Handlers groups the HTTP handlers mounted by SetupRouter.
type Handlers struct {
	OAuth     *handlers.OAuthHandler
	Auth      *handlers.AuthHandler
	Verify    *handlers.VerifyHandler
	JWKS      *handlers.JWKSHandler
	OIDC      *handlers.OIDCConfigurationHandler
	Providers *handlers.ProviderHandler
}

// RouterDeps carries the cross-cutting dependencies of the middleware chain.
type RouterDeps struct {
	Authenticator middleware.Authenticator
	Limiter       *ratelimit.Limiter
	Recorder      *events.Recorder
	Metrics       *metrics.Metrics
	Gatherer      prometheus.Gatherer
	HSTS          bool
	Health        func(r *http.Request) error
	Logger        *zap.Logger
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// SetupRouter configures the routes and wraps them in the middleware chain.
// router.Use middleware only runs for matched routes. Rate limiting, CORS
// and security headers must also cover 404 and 405 responses, so they wrap
// the router itself. Logging stays inside to label metrics by route template.
func SetupRouter(h Handlers, deps RouterDeps) http.Handler {
	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware(deps.Logger, deps.Metrics))
	router.Use(middleware.BearerAuth(deps.Authenticator))

	// OIDC discovery
	router.HandleFunc("/.well-known/openid-configuration", h.OIDC.HandleOIDCConfiguration).Methods("GET", "OPTIONS")
	router.HandleFunc("/.well-known/jwks.json", h.JWKS.HandleJWKS).Methods("GET", "OPTIONS")

	// OAuth2 endpoints
	router.HandleFunc("/oauth2/authorize", h.OAuth.HandleAuthorize).Methods("GET", "OPTIONS")
	router.HandleFunc("/oauth2/token", h.OAuth.HandleToken).Methods("POST", "OPTIONS")
	router.Handle("/oauth2/userinfo", middleware.RequireAuth(http.HandlerFunc(h.OAuth.HandleUserInfo))).Methods("GET", "OPTIONS")
	router.HandleFunc("/oauth2/verify", h.Verify.HandleVerify).Methods("POST", "OPTIONS")

	// First-party account endpoints
	router.HandleFunc("/api/auth/login", h.Auth.HandleLogin).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/auth/register", h.Auth.HandleRegister).Methods("POST", "OPTIONS")
	router.Handle("/api/auth/logout", middleware.RequireAuth(http.HandlerFunc(h.Auth.HandleLogout))).Methods("POST", "OPTIONS")
	router.Handle("/api/auth/security-events", middleware.RequireAuth(http.HandlerFunc(h.Auth.HandleSecurityEvents))).Methods("GET", "OPTIONS")
	router.Handle("/api/auth/providers/{provider}", middleware.RequireAuth(http.HandlerFunc(h.Providers.HandleProviderStatus))).Methods("GET", "OPTIONS")
	router.Handle("/api/auth/providers/{provider}/link", middleware.RequireAuth(http.HandlerFunc(h.Providers.HandleLinkProvider))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/auth/providers/{provider}/callback", h.Providers.HandleProviderCallback).Methods("GET")
	router.Handle("/api/auth/providers/{provider}/token", middleware.RequireAuth(http.HandlerFunc(h.Providers.HandleProviderToken))).Methods("GET", "OPTIONS")

	// Health check
	// @Summary     Health check endpoint
	// @Description Returns OK if the service and its stores are reachable
	// @Tags        health
	// @Produce     text/plain
	// @Success     200  {string}  string  "OK"
	// @Failure     503  {string}  string  "Unavailable"
	// @Router      /health [get]
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			if err := deps.Health(r); err != nil {
				deps.Logger.Warn("Health check failed", zap.Error(err))
				http.Error(w, "Unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	router.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})).Methods("GET")

	// Swagger documentation
	router.PathPrefix("/swagger/").Handler(httpSwagger.WrapHandler)

	var handler http.Handler = router
	handler = middleware.RateLimitMiddleware(deps.Limiter, deps.Recorder, deps.Metrics, deps.Logger)(handler)
	handler = middleware.SecurityHeaders(deps.HSTS)(handler)
	return cors(handler)
}
