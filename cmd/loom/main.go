package main

import (
	"context"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/platinummonkey/loom/pkg/audit"
	"github.com/platinummonkey/loom/pkg/config"
	"github.com/platinummonkey/loom/pkg/database"
	"github.com/platinummonkey/loom/pkg/httputil"
	"github.com/platinummonkey/loom/pkg/middleware"
	"github.com/platinummonkey/loom/pkg/observability"
	"github.com/platinummonkey/loom/pkg/rbac"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	seedOnly := flag.Bool("seed-only", false, "Apply migrations, seed the permission catalog and built-in roles, then exit")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.Level(), os.Stdout)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	otelProviders, err := observability.InitOTel(ctx, cfg.Observability.OTel(), logger)
	if err != nil {
		log.Fatalf("Failed to initialize OpenTelemetry: %v", err)
	}

	db, err := database.Open(ctx, database.Config{
		Driver:          cfg.Database.Driver,
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectTimeout:  cfg.Database.ConnectTimeout,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	logger.Infof("Connected to %s database", cfg.Database.Driver)

	var auditSink audit.Logger = audit.NewLogrusLogger(auditOutput(cfg.Audit.Output))
	if cfg.Audit.ArchiveEnabled() {
		s3Client, err := audit.NewS3Client(ctx, audit.S3Config{
			Bucket:       cfg.Audit.S3Bucket,
			Prefix:       cfg.Audit.S3Prefix,
			Region:       cfg.Audit.S3Region,
			Endpoint:     cfg.Audit.S3Endpoint,
			AccessKey:    cfg.Audit.S3AccessKey,
			SecretKey:    cfg.Audit.S3SecretKey,
			UsePathStyle: cfg.Audit.S3UsePathStyle,
		})
		if err != nil {
			log.Fatalf("Failed to create audit archive client: %v", err)
		}
		archiver := audit.NewS3Archiver(s3Client, cfg.Audit.S3Bucket, cfg.Audit.S3Prefix,
			cfg.Audit.S3FlushInterval, audit.WithBatchSize(cfg.Audit.S3BatchSize))
		auditSink = audit.NewMultiLogger(auditSink, archiver)
		logger.Infof("Archiving audit events to s3://%s/%s", cfg.Audit.S3Bucket, cfg.Audit.S3Prefix)
	}
	auditLogger := audit.NewAsyncLogger(
		auditSink,
		cfg.Audit.BufferSize,
		audit.WithDropHook(metrics.AuditEventsDropped.Inc),
		audit.WithDiagnostics(logger),
	)

	cache := rbac.NewRoleCache(cfg.RBAC.CacheSize, cfg.RBAC.CacheTTL, metrics)
	opts := []rbac.Option{
		rbac.WithAuditLogger(auditLogger),
		rbac.WithLogger(logger),
		rbac.WithMetrics(metrics),
		rbac.WithCache(cache),
	}

	var redisClient *redis.Client
	var invalidator *rbac.RedisInvalidator
	if cfg.Redis.Enabled() {
		redisOpts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Invalid redis URL: %v", err)
		}
		if cfg.Redis.Password != "" {
			redisOpts.Password = cfg.Redis.Password
		}
		if cfg.Redis.DB != 0 {
			redisOpts.DB = cfg.Redis.DB
		}
		redisClient = redis.NewClient(redisOpts)

		invalidator = rbac.NewRedisInvalidator(redisClient, cfg.Redis.Channel, cache, logger)
		if err := invalidator.Start(ctx); err != nil {
			log.Fatalf("Failed to start cache invalidation: %v", err)
		}
		opts = append(opts, rbac.WithInvalidator(invalidator))
		logger.Infof("Role cache invalidation enabled on %s", cfg.Redis.Channel)
	} else {
		logger.Warn("Redis not configured: other instances see role changes only after cache expiry")
	}

	manager := rbac.NewManager(db, rbac.Config{
		CacheTTL:  cfg.RBAC.CacheTTL,
		CacheSize: cfg.RBAC.CacheSize,
	}, opts...)

	if cfg.RBAC.SeedOnStart || *seedOnly {
		result, err := manager.Initialize(ctx)
		if err != nil {
			log.Fatalf("Failed to initialize RBAC: %v", err)
		}
		logger.Infof("RBAC seeded: %d permissions created, %d roles created, %d roles synced",
			result.PermissionsCreated, result.RolesCreated, result.RolesSynced)
	} else if err := manager.Migrate(ctx); err != nil {
		log.Fatalf("Failed to run RBAC migrations: %v", err)
	}

	if *seedOnly {
		auditLogger.Close()
		db.Close()
		return
	}

	var resyncer *rbac.Resyncer
	if cfg.RBAC.ResyncSchedule != "" {
		resyncer, err = rbac.NewResyncer(manager, cfg.RBAC.ResyncSchedule, logger)
		if err != nil {
			log.Fatalf("Failed to schedule RBAC resync: %v", err)
		}
		resyncer.Start()
		logger.Infof("System roles resync scheduled: %s", cfg.RBAC.ResyncSchedule)
	}

	go database.ReportPoolStats(ctx, db, metrics, 15*time.Second)

	identity, err := identityProvider(ctx, cfg.Auth)
	if err != nil {
		log.Fatalf("Failed to configure authentication: %v", err)
	}

	router := mux.NewRouter()
	router.Use(
		observability.RequestIDMiddleware(logger),
		observability.HTTPMetricsMiddleware(metrics),
		httputil.RecoveryMiddleware,
		httputil.MaxBytesMiddleware(cfg.Server.MaxBodyBytes),
		httputil.ContentTypeMiddleware,
		middleware.NewAuthMiddleware(identity, true).Handler,
	)
	rbac.NewHandlers(manager, manager.NewGate()).RegisterRoutes(router)

	var handler http.Handler = router
	if cfg.Observability.OTelEnabled {
		handler = otelhttp.NewHandler(router, "loom")
	}

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthRouter := mux.NewRouter()
	observability.RegisterHealthRoutes(healthRouter, observability.NewHealthChecker(db, redisClient, cfg.Observability.OTelServiceVersion))
	if cfg.Observability.MetricsEnabled {
		healthRouter.Handle("/metrics", observability.MetricsHandler(registry)).Methods(http.MethodGet)
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthRouter,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders, logger)
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return db.Close()
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return auditLogger.Close()
	})
	if redisClient != nil {
		shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
			return redisClient.Close()
		})
		shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
			return invalidator.Close()
		})
	}
	if resyncer != nil {
		shutdown.RegisterShutdownFunc(resyncer.Stop)
	}
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		cancel()
		return healthServer.Shutdown(ctx)
	})

	go func() {
		logger.Infof("Health and metrics listening on %s", healthServer.Addr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Health server failed")
		}
	}()

	go func() {
		logger.Infof("Starting loom RBAC server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	if err := shutdown.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("Shutdown completed with errors")
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

func identityProvider(ctx context.Context, cfg config.AuthConfig) (middleware.IdentityProvider, error) {
	if cfg.Mode != "oidc" {
		return middleware.HeaderIdentityProvider{}, nil
	}
	return middleware.NewOIDCIdentityProvider(ctx, middleware.OIDCConfig{
		IssuerURL:         cfg.OIDCIssuer,
		ClientID:          cfg.OIDCClientID,
		OrganizationClaim: cfg.OIDCOrganizationClaim,
		UserInfoFallback:  cfg.OIDCUserInfoFallback,
	})
}

func auditOutput(name string) io.Writer {
	switch name {
	case "stderr":
		return os.Stderr
	case "discard":
		return io.Discard
	default:
		return os.Stdout
	}
}
