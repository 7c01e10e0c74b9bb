// Package config loads loom's configuration.
//
// Precedence, lowest first: built-in defaults, the YAML file named by
// LOOM_CONFIG_FILE, LOOM_* environment variables.
//
// Server:
//
//	LOOM_HOST="0.0.0.0"
//	LOOM_PORT="8080"
//	LOOM_HEALTH_PORT="9090"
//
// Database:
//
//	LOOM_DB_DRIVER="postgres"   # postgres or sqlite3
//	LOOM_DB_URL="postgres://loom:secret@db:5432/loom?sslmode=disable"
//
// Redis cache invalidation (optional):
//
//	LOOM_REDIS_URL="redis://redis:6379/0"
//	LOOM_REDIS_CHANNEL="loom:rbac:invalidate"
//
// RBAC:
//
//	LOOM_RBAC_CACHE_TTL="1m"
//	LOOM_RBAC_CACHE_SIZE="1024"
//	LOOM_RBAC_SEED_ON_START="true"
//
// An equivalent YAML file:
//
//	server:
//	  port: "8080"
//	database:
//	  driver: postgres
//	  url: postgres://loom:secret@db:5432/loom
//	rbac:
//	  cache_ttl: 30s
package config
