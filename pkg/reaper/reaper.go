// Package reaper implements Bay's TTL Reaper (spec.md §4.5): a single
// background goroutine that expires and destroys Ships whose deadline
// has passed.
package reaper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/shipyard/bay/pkg/affinity"
	"github.com/shipyard/bay/pkg/bayerr"
	"github.com/shipyard/bay/pkg/events"
	"github.com/shipyard/bay/pkg/log"
	"github.com/shipyard/bay/pkg/metrics"
	"github.com/shipyard/bay/pkg/runtime"
	"github.com/shipyard/bay/pkg/storage"
	"github.com/shipyard/bay/pkg/types"
)

const (
	// scanInterval bounds how stale an expiry can be: correctness only
	// requires a Ship is reaped within one tick of its deadline.
	scanInterval = time.Second

	maxStopRetries = 3
	stopGrace      = 10 * time.Second
)

// releaser is the capacity-release half of *scheduler.Scheduler, kept
// narrow here so pkg/reaper doesn't import pkg/scheduler.
type releaser interface {
	Release()
}

// Reaper scans for expired Ships and tears them down.
type Reaper struct {
	store    storage.Store
	driver   runtime.Driver
	affinity *affinity.Index
	sched    releaser
	broker   *events.Broker
	logger   zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewReaper creates a Reaper. Call Start to begin scanning.
func NewReaper(store storage.Store, driver runtime.Driver, affinityIdx *affinity.Index, sched releaser, broker *events.Broker) *Reaper {
	return &Reaper{
		store:    store,
		driver:   driver,
		affinity: affinityIdx,
		sched:    sched,
		broker:   broker,
		logger:   log.WithComponent("reaper"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the scan loop in the background.
func (r *Reaper) Start() {
	go r.run()
}

// Stop halts the scan loop and waits for the in-flight scan to finish.
func (r *Reaper) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reaper) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.scan()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Reaper) scan() {
	ships, err := r.store.List(nil)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to list ships")
		return
	}

	r.updateFleetMetrics(ships)

	now := time.Now()
	for _, ship := range ships {
		if ship.Status != types.StatusRunning {
			continue
		}
		if now.Before(ship.Deadline) {
			continue
		}
		r.expire(ship)
	}
}

// updateFleetMetrics reports the current fleet composition and session
// fan-out, sampled once per scan tick rather than on every individual
// state change.
func (r *Reaper) updateFleetMetrics(ships []*types.Ship) {
	counts := map[types.Status]int{types.StatusStarting: 0, types.StatusRunning: 0, types.StatusStopped: 0}
	for _, ship := range ships {
		counts[ship.Status]++
	}
	for status, count := range counts {
		metrics.ShipsTotal.WithLabelValues(string(status)).Set(float64(count))
	}
	metrics.SessionsTotal.Set(float64(r.affinity.TotalSessions()))
}

// expire tears down one Ship per spec.md §4.5: stop, remove, then mark
// Stopped and unbind its sessions in one transaction, release the
// admission slot, count the expiration. Stop failures are retried a
// bounded number of times; the record is marked Stopped regardless,
// with the container id logged for manual cleanup.
func (r *Reaper) expire(ship *types.Ship) {
	logger := r.logger.With().Str("ship_id", ship.ID).Logger()

	ctx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()

	var stopErr error
	for attempt := 1; attempt <= maxStopRetries; attempt++ {
		if stopErr = r.driver.Stop(ctx, ship.ContainerID, stopGrace); stopErr == nil {
			break
		}
		logger.Warn().Err(stopErr).Int("attempt", attempt).Msg("failed to stop expired ship's container")
	}
	if stopErr != nil {
		metrics.ReaperStopFailures.Inc()
		logger.Error().Str("container_id", ship.ContainerID).Msg("giving up on graceful stop; container may require manual cleanup")
	}

	if err := r.driver.Remove(ctx, ship.ContainerID); err != nil {
		logger.Error().Err(err).Str("container_id", ship.ContainerID).Msg("failed to remove expired ship's container")
	}

	if err := r.affinity.UnbindAndUpdate(ship.ID, func(sh *types.Ship) error {
		sh.Status = types.StatusStopped
		sh.UpdatedAt = time.Now()
		return nil
	}); err != nil {
		logger.Error().Err(err).Msg("failed to persist expired ship's stopped status and unbind sessions")
	}

	r.sched.Release()
	metrics.ReaperExpirations.Inc()
	r.broker.Publish(types.Event{Type: types.EventShipStopped, Timestamp: time.Now(), ShipID: ship.ID, Message: "ttl expired"})
	logger.Info().Msg("ship expired")
}

// ExtendTTL recomputes ship's deadline as now+seconds and touches
// updated_at. Fails with NotFound if the ship doesn't exist, or
// IllegalState if it is already Stopped. seconds must be positive.
func (r *Reaper) ExtendTTL(shipID string, seconds int) (*types.Ship, error) {
	if seconds <= 0 {
		return nil, bayerr.New(bayerr.InvalidArgument, "seconds must be positive")
	}

	var updated *types.Ship
	err := r.store.Update(shipID, func(sh *types.Ship) error {
		if !sh.Live() {
			return bayerr.New(bayerr.IllegalState, "ship %s is stopped", shipID)
		}
		now := time.Now()
		sh.TTLSeconds = seconds
		sh.Deadline = now.Add(time.Duration(seconds) * time.Second)
		sh.UpdatedAt = now
		updated = sh.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
