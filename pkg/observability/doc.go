// Package observability provides structured logging, Prometheus metrics, health checks,
// and OpenTelemetry tracing for loom.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("role_id", id).Info("role updated")
//
// Request-scoped loggers are installed by RequestIDMiddleware and retrieved with FromContext.
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.AuthzDecisionsTotal.WithLabelValues("deny").Inc()
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	observability.RegisterHealthRoutes(router, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "loom",
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
package observability
