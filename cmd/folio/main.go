package main

import (
	"context"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/foliocms/folio/pkg/api"
	"github.com/foliocms/folio/pkg/audit"
	"github.com/foliocms/folio/pkg/auth"
	"github.com/foliocms/folio/pkg/config"
	"github.com/foliocms/folio/pkg/idp"
	"github.com/foliocms/folio/pkg/maintenance"
	"github.com/foliocms/folio/pkg/middleware"
	"github.com/foliocms/folio/pkg/observability"
	"github.com/foliocms/folio/pkg/storage"
	"github.com/foliocms/folio/pkg/tenants"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	ctx := context.Background()

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	tracerProvider, err := observability.InitTracing(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize tracing")
		os.Exit(1)
	}

	db, err := storage.OpenPostgres(ctx, storage.PostgresConfig{
		URL:          cfg.Database.URL,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		PingTimeout:  cfg.Database.PingTimeout,
	})
	if err != nil {
		logger.WithError(err).Error("Failed to connect to database")
		os.Exit(1)
	}
	defer db.Close()
	registry.MustRegister(collectors.NewDBStatsCollector(db, "folio"))

	redisClient := storage.OpenRedis(storage.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	// Signing keys. Discovery happens once at startup; the cache handles
	// refresh from then on.
	jwksURL := cfg.IdentityProvider.JWKSURL
	if jwksURL == "" {
		jwksURL, err = idp.DiscoverJWKSURL(ctx, cfg.IdentityProvider.IssuerURL)
		if err != nil {
			logger.WithError(err).Error("Failed to discover identity provider")
			os.Exit(1)
		}
	}
	keyCache := idp.NewKeyCache(jwksURL, cfg.IdentityProvider.KeyFreshness, nil).
		Instrument(metrics.KeyCacheRefreshTotal)
	bearerVerifier := idp.NewVerifier(keyCache, cfg.IdentityProvider.IssuerURL, auth.DefaultBearerProfile())

	keyStore, err := auth.NewPostgresKeyStore(db)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize key store")
		os.Exit(1)
	}
	membershipStore, err := tenants.NewPostgresMembershipStore(db)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize membership store")
		os.Exit(1)
	}
	resolver := tenants.NewResolver(membershipStore, tenants.NewSystemAdminSet(cfg.SystemAdmins))

	// Usage recording.
	var sink audit.Sink
	var dbSink *audit.DBSink
	if cfg.Usage.LogOnly {
		sink = audit.NewLogSink(logrus.StandardLogger())
	} else {
		dbSink, err = audit.NewDBSink(db)
		if err != nil {
			logger.WithError(err).Error("Failed to initialize usage sink")
			os.Exit(1)
		}
		sink = dbSink
		if cfg.Usage.LogMirror {
			sink = audit.NewMultiSink(dbSink, audit.NewLogSink(logrus.StandardLogger()))
		}
	}
	recorder := audit.NewAsyncRecorder(sink, cfg.Usage.BufferSize,
		func(err error) {
			metrics.UsageWriteFailuresTotal.Inc()
			logger.WithError(err).Warn("Usage record write failed")
		},
		metrics.UsageRecordsDroppedTotal.Inc,
	)

	// Rate limiting, with optional hot-reloaded per-subject overrides.
	var overrides middleware.ProfileSource
	if cfg.RateLimits.OverridesPath != "" {
		limitOverrides, err := config.NewLimitOverrides(cfg.RateLimits.OverridesPath, logger)
		if err != nil {
			logger.WithError(err).Error("Failed to load rate limit overrides")
			os.Exit(1)
		}
		if err := limitOverrides.Watch(); err != nil {
			logger.WithError(err).Error("Failed to watch rate limit overrides")
			os.Exit(1)
		}
		defer limitOverrides.Close()
		overrides = limitOverrides
	}
	rateLimit := middleware.NewRateLimitMiddleware(
		middleware.NewLimiter(redisClient, cfg.RateLimits.KeyPrefix),
		cfg.RateLimits.Anonymous,
		overrides,
		func(err error) {
			logger.WithError(err).Warn("Rate limit store unreachable, failing open")
		},
	).Instrument(metrics.RateLimitDecisionsTotal)

	health := observability.NewHealthChecker(db, redisClient, keyCache, 2*cfg.IdentityProvider.KeyFreshness)

	server := api.NewServer(api.Deps{
		Authenticator: middleware.NewAuthenticator(bearerVerifier, auth.NewAPIKeyVerifier(keyStore, nil), true).
			Instrument(metrics.AuthAttemptsTotal),
		Authorizer:    middleware.NewAuthorizer(resolver),
		RateLimit:     rateLimit,
		Usage:         audit.NewMiddleware(recorder),
		KeyStore:      keyStore,
		ContentStore:  api.NewContentStore(),
		Health:        health,
		Metrics:       metrics,
		Registry:      registry,
	})

	// Scheduled housekeeping.
	var pruner maintenance.UsagePruner
	if dbSink != nil {
		pruner = dbSink
	}
	sweeper := maintenance.NewSweeper(pruner, keyCache, maintenance.Config{
		Retention: cfg.Usage.Retention,
	}, logger)
	if err := sweeper.Start(); err != nil {
		logger.WithError(err).Error("Failed to start maintenance sweeper")
		os.Exit(1)
	}

	var handler http.Handler = server
	if tracerProvider != nil {
		handler = otelhttp.NewHandler(server, "folio-gateway")
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		sweeper.Stop()
		return nil
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		recorder.Close()
		return nil
	})
	if tracerProvider != nil {
		shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
			return observability.ShutdownTracing(ctx, tracerProvider, logger)
		})
	}

	go func() {
		logger.WithField("addr", httpServer.Addr).Info("Folio gateway listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Server failed")
			os.Exit(1)
		}
	}()

	if err := shutdown.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("Shutdown completed with errors")
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}
