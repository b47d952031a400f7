// @title                      Productivity Auth API
// @version                    1.0
// @description                OAuth2 authorization server and first-party account endpoints.
// @BasePath                   /
// @securityDefinitions.apikey BearerAuth
// @in                         header
// @name                       Authorization
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "productivity-auth/docs"
	"productivity-auth/internal/auth"
	"productivity-auth/internal/cache"
	"productivity-auth/internal/config"
	"productivity-auth/internal/database"
	"productivity-auth/internal/encryption"
	"productivity-auth/internal/events"
	"productivity-auth/internal/handlers"
	"productivity-auth/internal/metrics"
	"productivity-auth/internal/models"
	"productivity-auth/internal/oauth"
	"productivity-auth/internal/ratelimit"
	"productivity-auth/internal/social"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting auth service")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Server exited with error", zap.Error(err))
	}
	logger.Info("Server exited")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	repo, cacheClient, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer repo.Close()
	defer cacheClient.Close()

	keyManager, err := loadKeys(cfg, logger)
	if err != nil {
		return err
	}

	encryptor, err := loadEncryptor(cfg, logger)
	if err != nil {
		return err
	}

	scheme, err := auth.ParseScheme(cfg.JWTSigningScheme)
	if err != nil {
		return err
	}
	codec, err := auth.NewTokenCodec(keyManager, cfg.JWTLegacySecret, cfg.JWTIssuer, scheme)
	if err != nil {
		return fmt.Errorf("failed to initialize token codec: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	recorder := events.NewRecorder(repo, logger, m, cfg.EventBufferSize)
	defer recorder.Close()

	server := oauth.NewServer(
		oauth.ServerConfig{
			AccessTokenTTL:        cfg.JWTExpiry,
			ClientRateLimitWindow: cfg.ClientRateLimitWindow,
			MaxFailedLogins:       cfg.MaxFailedLogins,
			FailedLoginWindow:     cfg.FailedLoginWindow,
			FirstPartyClientID:    cfg.FirstPartyClientID,
		},
		repo,
		oauth.NewClientRegistry(repo, cacheClient, cfg.ClientCacheTTL, logger),
		oauth.NewCodeStore(repo, cfg.AuthCodeTTL),
		oauth.NewRefreshTokenStore(repo, cfg.RefreshTokenExpiry, cfg.RefreshTokenLength),
		codec,
		cacheClient,
		recorder,
		m,
		logger,
	)
	vault := social.NewVault(repo, encryptor, recorder, logger)
	providers, err := linkProviders(cfg, logger)
	if err != nil {
		return err
	}
	linker := social.NewLinker(vault, cacheClient, providers, recorder, logger)
	sweeper := oauth.NewSweeper(repo, recorder, cfg.SweepInterval, cfg.SecurityEventRetention, logger)

	limiter := ratelimit.New(
		ratelimit.Policy{Capacity: cfg.RateLimitAuthCapacity, Refill: cfg.RateLimitAuthRefill},
		ratelimit.Policy{Capacity: cfg.RateLimitGeneralCapacity, Refill: cfg.RateLimitGeneralRefill},
		cfg.RateLimitIdleTTL,
		cfg.AuthPathPrefixes,
	)
	limiter.Start()
	defer limiter.Stop()

	router := SetupRouter(
		Handlers{
			OAuth:     handlers.NewOAuthHandler(server, logger),
			Auth:      handlers.NewAuthHandler(server, logger),
			Verify:    handlers.NewVerifyHandler(server, logger),
			JWKS:      handlers.NewJWKSHandler(keyManager, logger),
			OIDC:      handlers.NewOIDCConfigurationHandler(cfg.BaseURL, cfg.JWTIssuer, logger),
			Providers: handlers.NewProviderHandler(vault, linker, logger),
		},
		RouterDeps{
			Authenticator: server,
			Limiter:       limiter,
			Recorder:      recorder,
			Metrics:       m,
			Gatherer:      registry,
			HSTS:          cfg.IsProduction(),
			Health: func(r *http.Request) error {
				if err := repo.Ping(r.Context()); err != nil {
					return err
				}
				return cacheClient.Ping(r.Context())
			},
			Logger: logger,
		},
	)

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Server starting", zap.String("port", cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return sweeper.Run(gctx)
	})

	g.Go(func() error {
		rotateKeys(gctx, keyManager, cfg, logger)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server forced to shutdown", zap.Error(err))
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (database.Repository, *cache.RedisCache, error) {
	if cfg.StorageBackend == config.StorageMemory {
		logger.Warn("Using in-memory storage; all state is lost on restart")
		repo := database.NewMemoryRepository()
		if err := seedWebClient(ctx, repo, cfg.FirstPartyClientID); err != nil {
			return nil, nil, err
		}
		cacheClient, err := cache.NewEmbeddedCache(logger)
		if err != nil {
			return nil, nil, err
		}
		return repo, cacheClient, nil
	}

	repo, err := database.NewRepository(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if cfg.RunMigrations {
		if err := database.ApplyMigrations(repo.DB(), logger); err != nil {
			repo.Close()
			return nil, nil, err
		}
	}

	cacheClient, err := cache.NewCache(ctx, cfg.RedisURL, logger)
	if err != nil {
		repo.Close()
		return nil, nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	return repo, cacheClient, nil
}

// seedWebClient registers the first-party client the postgres seed migration creates.
func seedWebClient(ctx context.Context, repo database.Repository, clientID string) error {
	return repo.CreateClient(ctx, &models.OAuthApplication{
		ClientID:                clientID,
		Name:                    "Productivity Web",
		ClientURI:               "http://localhost:3000",
		RedirectURIs:            []string{"http://localhost:3000/auth/callback"},
		Scopes:                  []string{"openid", "profile", "email"},
		GrantTypes:              []string{models.GrantTypeAuthorizationCode, models.GrantTypeRefreshToken, models.GrantTypePassword},
		ResponseTypes:           []string{models.ResponseTypeCode},
		TokenEndpointAuthMethod: models.AuthMethodNone,
		RateLimit:               600,
	})
}

func loadKeys(cfg *config.Config, logger *zap.Logger) (*auth.KeyManager, error) {
	if cfg.JWTPrivateKey != "" {
		km, err := auth.NewKeyManager(cfg.JWTPrivateKey, cfg.JWTPublicKey)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize key manager: %w", err)
		}
		return km, nil
	}
	logger.Warn("JWT_PRIVATE_KEY not set; generating an ephemeral signing key")
	return auth.NewEphemeralKeyManager()
}

func loadEncryptor(cfg *config.Config, logger *zap.Logger) (*encryption.TokenEncryptor, error) {
	if cfg.TokenEncryptionKey != "" {
		return encryption.NewTokenEncryptor(cfg.TokenEncryptionKey)
	}
	return encryption.NewEphemeralTokenEncryptor(logger)
}

// linkProviders builds the configured third-party providers.
func linkProviders(cfg *config.Config, logger *zap.Logger) ([]*social.Provider, error) {
	providers := make([]*social.Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		p, err := social.NewProvider(pc.Name, pc.ClientID, pc.ClientSecret, cfg.RedirectURL(pc.Name), pc.Scopes)
		if err != nil {
			return nil, fmt.Errorf("failed to configure provider %s: %w", pc.Name, err)
		}
		logger.Info("Account linking enabled", zap.String("provider", pc.Name), zap.String("redirect_url", p.Config.RedirectURL))
		providers = append(providers, p)
	}
	return providers, nil
}

// rotateKeys rotates the signing key every KEY_ROTATION_DAYS and drops keys
// whose grace period has ended.
func rotateKeys(ctx context.Context, keyManager *auth.KeyManager, cfg *config.Config, logger *zap.Logger) {
	rotationDays := cfg.KeyRotationDays
	if rotationDays <= 0 {
		rotationDays = 90
	}
	graceDays := cfg.KeyGraceDays
	if graceDays <= 0 {
		graceDays = 14
	}

	rotationInterval := time.Duration(rotationDays) * 24 * time.Hour
	gracePeriod := time.Duration(graceDays) * 24 * time.Hour

	ticker := time.NewTicker(rotationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("Rotating signing keys", zap.Int("rotation_days", rotationDays), zap.Int("grace_days", graceDays))
			if err := keyManager.RotateKeys(gracePeriod); err != nil {
				logger.Error("Failed to rotate keys", zap.Error(err))
			}
			if removed := keyManager.CleanupExpiredKeys(); removed > 0 {
				logger.Info("Removed retired signing keys", zap.Int("count", removed))
			}
		}
	}
}
