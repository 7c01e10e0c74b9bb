package rbac

import (
	"context"
	"fmt"

	"github.com/platinummonkey/loom/pkg/observability"
	"github.com/robfig/cron/v3"
)

// Resyncer periodically re-runs the catalog and system role seed so built-in
// roles edited out of band are restored to their definitions.
type Resyncer struct {
	manager *Manager
	cron    *cron.Cron
	logger  *observability.Logger
}

// NewResyncer schedules a seed on the given cron spec, e.g. "0 * * * *" or "@every 1h"
func NewResyncer(manager *Manager, schedule string, logger *observability.Logger) (*Resyncer, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	r := &Resyncer{
		manager: manager,
		cron:    cron.New(),
		logger:  logger.WithField("component", "rbac_resync"),
	}
	if _, err := r.cron.AddFunc(schedule, r.run); err != nil {
		return nil, fmt.Errorf("invalid resync schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start begins running scheduled resyncs in the background
func (r *Resyncer) Start() {
	r.cron.Start()
}

// Stop prevents further runs and waits for a running one to finish or ctx to end
func (r *Resyncer) Stop(ctx context.Context) error {
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Resyncer) run() {
	defer observability.RecoverPanic(r.logger, "rbac resync")

	result, err := r.manager.Seed(context.Background())
	if err != nil {
		r.logger.WithError(err).Error("scheduled rbac resync failed")
		return
	}
	r.logger.WithFields(map[string]interface{}{
		"permissions_created": result.PermissionsCreated,
		"roles_created":       result.RolesCreated,
		"roles_synced":        result.RolesSynced,
	}).Info("rbac catalog resynced")
}
