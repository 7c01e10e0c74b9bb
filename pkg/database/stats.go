package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/platinummonkey/loom/pkg/observability"
)

// ReportPoolStats publishes connection pool gauges every interval until ctx is done
func ReportPoolStats(ctx context.Context, db *sql.DB, metrics *observability.Metrics, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		recordPoolStats(db, metrics)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func recordPoolStats(db *sql.DB, metrics *observability.Metrics) {
	stats := db.Stats()
	metrics.DBConnectionsOpen.Set(float64(stats.OpenConnections))
	metrics.DBConnectionsInUse.Set(float64(stats.InUse))
}
