// Package scheduler implements Bay's Scheduler/Admission component
// (spec.md §4.1): capacity-gated Ship creation and Session-aware reuse.
package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
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

// Prober is the subset of *health.Prober the Scheduler depends on,
// declared here so tests can substitute a fake without a real listener.
type Prober interface {
	WaitReady(ctx context.Context, address, checkType string, timeout, interval time.Duration) error
}

// Behavior controls what CreateShip does when the fleet is already at
// MAX_SHIP_NUM.
type Behavior string

const (
	BehaviorReject Behavior = "reject"
	BehaviorWait   Behavior = "wait"

	// defaultStopGrace bounds how long a failed-startup container is
	// given to shut down cleanly before Scheduler moves on.
	defaultStopGrace = 10 * time.Second
)

// Scheduler enforces MAX_SHIP_NUM and arbitrates Ship creation vs. reuse.
// The admission gate is a buffered channel used as a counting semaphore:
// each live Ship holds one token, so the capacity check never holds a
// lock across the (slow) container-create path — a blocked waiter is
// simply a goroutine parked on a channel receive, released in the order
// the runtime wakes them.
type Scheduler struct {
	store    storage.Store
	driver   runtime.Driver
	affinity *affinity.Index
	prober   Prober
	broker   *events.Broker
	logger   zerolog.Logger

	behavior       Behavior
	slots          chan struct{}
	image          string
	healthTimeout  time.Duration
	healthInterval time.Duration
}

// Config configures a Scheduler.
type Config struct {
	MaxShips       int
	Behavior       Behavior
	Image          string
	HealthTimeout  time.Duration
	HealthInterval time.Duration
}

// NewScheduler creates a Scheduler with maxShips capacity tokens
// pre-filled into the admission channel.
func NewScheduler(store storage.Store, driver runtime.Driver, affinityIdx *affinity.Index, prober Prober, broker *events.Broker, cfg Config) *Scheduler {
	slots := make(chan struct{}, cfg.MaxShips)
	for i := 0; i < cfg.MaxShips; i++ {
		slots <- struct{}{}
	}

	return &Scheduler{
		store:          store,
		driver:         driver,
		affinity:       affinityIdx,
		prober:         prober,
		broker:         broker,
		logger:         log.WithComponent("scheduler"),
		behavior:       cfg.Behavior,
		slots:          slots,
		image:          cfg.Image,
		healthTimeout:  cfg.HealthTimeout,
		healthInterval: cfg.HealthInterval,
	}
}

// Reserve takes one admission slot, used by Recovery to account for
// Ships found live at boot before the reaper and normal traffic begin.
func (s *Scheduler) Reserve() bool {
	select {
	case <-s.slots:
		return true
	default:
		return false
	}
}

// Release returns one admission slot and wakes the oldest waiter, if
// any. Called by the Reaper (and DELETE) whenever a Ship becomes
// Stopped.
func (s *Scheduler) Release() {
	select {
	case s.slots <- struct{}{}:
	default:
		// Channel already full; a double-release would be a bug
		// elsewhere, but this keeps Release safe to call defensively.
	}
}

// CreateShip enforces capacity per spec.md §4.1 steps 1-8: acquire a
// slot (reject or wait per BEHAVIOR_AFTER_MAX_SHIP), create+start the
// container, wait for health, persist, and bind session.
func (s *Scheduler) CreateShip(ctx context.Context, session string, ttl time.Duration, spec types.Spec, maxSessionNum int) (*types.Ship, error) {
	if ttl <= 0 {
		return nil, bayerr.New(bayerr.InvalidArgument, "ttl must be positive")
	}
	if maxSessionNum < 1 {
		return nil, bayerr.New(bayerr.InvalidArgument, "max_session_num must be at least 1")
	}

	if err := s.acquireSlot(ctx); err != nil {
		metrics.ShipsRejected.Inc()
		return nil, err
	}

	timer := metrics.NewTimer()
	ship, err := s.allocate(ctx, session, ttl, spec, maxSessionNum)
	if err != nil {
		s.Release()
		metrics.ShipsFailed.Inc()
		return nil, err
	}

	timer.ObserveDuration(metrics.SchedulingLatency)
	metrics.ShipsCreated.Inc()
	return ship, nil
}

// allocate performs the create/start/probe/persist/bind sequence. The
// caller holds the admission slot and is responsible for releasing it
// on error.
func (s *Scheduler) allocate(ctx context.Context, session string, ttl time.Duration, spec types.Spec, maxSessionNum int) (*types.Ship, error) {
	id := uuid.New().String()

	containerID, err := s.driver.Create(ctx, id, runtime.Spec{
		Image:  s.image,
		Cpus:   spec.Cpus,
		Memory: spec.Memory,
	})
	if err != nil {
		return nil, err
	}

	address, err := s.driver.Start(ctx, containerID)
	if err != nil {
		s.cleanupFailedContainer(containerID)
		return nil, err
	}

	now := time.Now()
	ship := &types.Ship{
		ID:            id,
		Status:        types.StatusStarting,
		ContainerID:   containerID,
		Address:       address,
		CreatedAt:     now,
		UpdatedAt:     now,
		TTLSeconds:    int(ttl.Seconds()),
		Deadline:      now.Add(ttl),
		MaxSessionNum: maxSessionNum,
		Spec:          spec,
	}

	if err := s.store.Insert(ship); err != nil {
		s.cleanupFailedContainer(containerID)
		return nil, err
	}

	if err := s.prober.WaitReady(ctx, address, spec.HealthCheckType, s.healthTimeout, s.healthInterval); err != nil {
		s.cleanupFailedContainer(containerID)
		_ = s.store.Update(id, func(sh *types.Ship) error {
			sh.Status = types.StatusStopped
			sh.UpdatedAt = time.Now()
			return nil
		})
		s.logger.Warn().Str("ship_id", id).Err(err).Msg("ship never became healthy")
		return nil, err
	}

	if err := s.affinity.BindAndUpdate(session, ship, func(sh *types.Ship) error {
		sh.Status = types.StatusRunning
		sh.UpdatedAt = time.Now()
		return nil
	}); err != nil {
		return nil, err
	}
	ship.Status = types.StatusRunning
	ship.UpdatedAt = time.Now()

	s.broker.Publish(types.Event{Type: types.EventShipCreated, Timestamp: now, ShipID: id, SessionID: session})
	s.broker.Publish(types.Event{Type: types.EventShipRunning, Timestamp: time.Now(), ShipID: id})

	s.logger.Info().Str("ship_id", id).Str("address", address).Msg("ship running")
	return ship, nil
}

func (s *Scheduler) cleanupFailedContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultStopGrace)
	defer cancel()
	_ = s.driver.Stop(ctx, containerID, defaultStopGrace)
	_ = s.driver.Remove(ctx, containerID)
}

// AcquireForSession implements the reuse policy of spec.md §4.1: an
// existing binding wins outright; otherwise, if allowReuse is set, the
// oldest Running Ship with a free session slot is bound and returned.
// Returns (nil, nil) when no Ship can be reused.
func (s *Scheduler) AcquireForSession(session string, allowReuse bool) (*types.Ship, error) {
	if shipID, ok := s.affinity.Lookup(session); ok {
		ship, err := s.store.Get(shipID)
		if err == nil && ship.Live() {
			return ship, nil
		}
	}

	if !allowReuse {
		return nil, nil
	}

	candidates, err := s.store.ListLive()
	if err != nil {
		return nil, err
	}

	var running []*types.Ship
	for _, sh := range candidates {
		if sh.Status != types.StatusRunning {
			continue
		}
		if _, free := s.affinity.Occupancy(sh.ID, sh.MaxSessionNum); free {
			running = append(running, sh)
		}
	}
	sort.Slice(running, func(i, j int) bool { return running[i].CreatedAt.Before(running[j].CreatedAt) })

	for _, sh := range running {
		if err := s.affinity.Bind(session, sh); err == nil {
			return sh, nil
		}
		// Lost a race for the last slot; try the next candidate.
	}

	return nil, nil
}

func (s *Scheduler) acquireSlot(ctx context.Context) error {
	if s.behavior == BehaviorReject {
		select {
		case <-s.slots:
			return nil
		default:
			return bayerr.New(bayerr.CapacityExhausted, "fleet is at capacity")
		}
	}

	metrics.SchedulerWaitDepth.Inc()
	defer metrics.SchedulerWaitDepth.Dec()

	select {
	case <-s.slots:
		return nil
	case <-ctx.Done():
		return bayerr.Wrap(bayerr.DeadlineExceeded, ctx.Err(), "timed out waiting for a free ship slot")
	}
}
