// Package recovery implements Bay's boot-time reconciliation (spec.md
// §4.9): a one-shot pass that reconciles persisted Ship records against
// the live container runtime before Bay starts serving traffic.
package recovery

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/shipyard/bay/pkg/affinity"
	"github.com/shipyard/bay/pkg/log"
	"github.com/shipyard/bay/pkg/runtime"
	"github.com/shipyard/bay/pkg/storage"
	"github.com/shipyard/bay/pkg/types"
)

// reserver is the capacity-accounting half of *scheduler.Scheduler.
type reserver interface {
	Reserve() bool
}

// Recovery reconciles persisted state with the runtime on boot.
type Recovery struct {
	store    storage.Store
	driver   runtime.Driver
	affinity *affinity.Index
	sched    reserver
	logger   zerolog.Logger
}

// NewRecovery creates a Recovery pass.
func NewRecovery(store storage.Store, driver runtime.Driver, affinityIdx *affinity.Index, sched reserver) *Recovery {
	return &Recovery{
		store:    store,
		driver:   driver,
		affinity: affinityIdx,
		sched:    sched,
		logger:   log.WithComponent("recovery"),
	}
}

// Run executes the steps of spec.md §4.9: load every record, inspect
// each non-Stopped Ship's container, restore or stop accordingly,
// rebuild the Affinity Index, and prime the Scheduler's live-count.
func (rc *Recovery) Run(ctx context.Context) error {
	records, err := rc.store.LoadAll()
	if err != nil {
		return err
	}

	for _, ship := range records {
		if ship.Status == types.StatusStopped {
			continue
		}
		rc.reconcileShip(ctx, ship)
	}

	if err := rc.affinity.Load(); err != nil {
		return err
	}

	rc.logger.Info().Int("ships", len(records)).Msg("recovery complete")
	return nil
}

func (rc *Recovery) reconcileShip(ctx context.Context, ship *types.Ship) {
	logger := rc.logger.With().Str("ship_id", ship.ID).Logger()

	result, err := rc.driver.Inspect(ctx, ship.ContainerID)
	if err != nil || !result.Running {
		rc.stopOrphan(ctx, ship, logger)
		return
	}

	if !rc.sched.Reserve() {
		logger.Warn().Msg("live ship found at boot but no admission slot available; stopping it")
		rc.stopOrphan(ctx, ship, logger)
		return
	}

	if err := rc.store.Update(ship.ID, func(sh *types.Ship) error {
		sh.Status = types.StatusRunning
		sh.Address = result.Address
		sh.UpdatedAt = time.Now()
		return nil
	}); err != nil {
		logger.Error().Err(err).Msg("failed to restore ship record")
		return
	}

	logger.Info().Str("address", result.Address).Msg("ship restored")
}

func (rc *Recovery) stopOrphan(ctx context.Context, ship *types.Ship, logger zerolog.Logger) {
	if err := rc.driver.Stop(ctx, ship.ContainerID, 10*time.Second); err != nil {
		logger.Warn().Err(err).Msg("failed to stop orphaned container")
	}
	if err := rc.driver.Remove(ctx, ship.ContainerID); err != nil {
		logger.Warn().Err(err).Msg("failed to remove orphaned container")
	}
	if err := rc.affinity.UnbindAndUpdate(ship.ID, func(sh *types.Ship) error {
		sh.Status = types.StatusStopped
		sh.UpdatedAt = time.Now()
		return nil
	}); err != nil {
		logger.Error().Err(err).Msg("failed to mark orphaned ship stopped and unbind sessions")
		return
	}
	logger.Info().Msg("orphaned ship marked stopped")
}
