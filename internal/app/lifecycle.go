package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"domaindetermine.io/governance/internal/obslog"
)

// Start starts all background services (River workers consuming the
// job queue and periodic waiver sweeps).
func (a *Application) Start(ctx context.Context) error {
	if a.DB != nil && a.DB.RiverClient != nil {
		if err := a.DB.RiverClient.Start(ctx); err != nil {
			return fmt.Errorf("start river client: %w", err)
		}
		obslog.Info("river client started, jobs will now be consumed")
	}
	return nil
}

// Shutdown gracefully shuts down all application components.
func (a *Application) Shutdown() {
	shutdownCtx := context.Background()

	if a.DB != nil && a.DB.RiverClient != nil {
		if err := a.DB.RiverClient.Stop(shutdownCtx); err != nil {
			obslog.Error("failed to stop river client", zap.Error(err))
		}
		obslog.Info("river client stopped")
	}

	if a.infra != nil {
		a.infra.Close()
		return
	}
	if a.Pools != nil {
		a.Pools.Shutdown()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
