// Package bay wires together every Bay component into a single running
// service: the Ship Repository, Container Driver, Health Prober,
// Affinity Index, Scheduler, TTL Reaper, Operation Router, and boot-time
// Recovery.
package bay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/shipyard/bay/pkg/affinity"
	"github.com/shipyard/bay/pkg/config"
	"github.com/shipyard/bay/pkg/events"
	"github.com/shipyard/bay/pkg/health"
	"github.com/shipyard/bay/pkg/log"
	"github.com/shipyard/bay/pkg/reaper"
	"github.com/shipyard/bay/pkg/recovery"
	"github.com/shipyard/bay/pkg/router"
	"github.com/shipyard/bay/pkg/runtime"
	"github.com/shipyard/bay/pkg/scheduler"
	"github.com/shipyard/bay/pkg/storage"
	"github.com/shipyard/bay/pkg/types"
)

// Bay is the composition root: every Bay component plus the wiring
// between them.
type Bay struct {
	Config config.Config

	Store    storage.Store
	Driver   runtime.Driver
	Affinity *affinity.Index
	Prober   *health.Prober
	Sched    *scheduler.Scheduler
	Reaper   *reaper.Reaper
	Router   *router.Router
	Events   *events.Broker

	logger zerolog.Logger
}

// New constructs every component and runs boot-time Recovery, but does
// not yet start the Reaper loop or accept traffic — call Start for that.
func New(ctx context.Context, cfg config.Config) (*Bay, error) {
	logger := log.WithComponent("bay")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	driver, err := runtime.NewContainerdRuntime(cfg.ContainerdSocket, cfg.DockerNetwork, filepath.Join(cfg.DataDir, "logs"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	affinityIdx := affinity.NewIndex(store)
	prober := health.NewProber()
	broker := events.NewBroker()

	sched := scheduler.NewScheduler(store, driver, affinityIdx, prober, broker, scheduler.Config{
		MaxShips:       cfg.MaxShipNum,
		Behavior:       scheduler.Behavior(cfg.BehaviorAfterMaxShip),
		Image:          cfg.DockerImage,
		HealthTimeout:  cfg.HealthCheckTimeout,
		HealthInterval: cfg.HealthCheckInterval,
	})

	rpr := reaper.NewReaper(store, driver, affinityIdx, sched, broker)
	rtr := router.NewRouter(store, affinityIdx, upstreamTimeout(cfg))

	rcv := recovery.NewRecovery(store, driver, affinityIdx, sched)

	b := &Bay{
		Config:   cfg,
		Store:    store,
		Driver:   driver,
		Affinity: affinityIdx,
		Prober:   prober,
		Sched:    sched,
		Reaper:   rpr,
		Router:   rtr,
		Events:   broker,
		logger:   logger,
	}

	broker.Start()
	if err := rcv.Run(ctx); err != nil {
		b.Close()
		return nil, fmt.Errorf("recovery failed: %w", err)
	}

	return b, nil
}

// Start begins the TTL Reaper's background loop. Call once, after New.
func (b *Bay) Start() {
	b.Reaper.Start()
	b.logger.Info().Msg("bay started")
}

// Close stops the Reaper and event broker and releases the driver and
// storage connections.
func (b *Bay) Close() error {
	b.Reaper.Stop()
	b.Events.Stop()
	if closer, ok := b.Driver.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	return b.Store.Close()
}

// upstreamTimeout bounds a single Operation Router proxy call. It is
// not independently configurable (spec.md §5 leaves it to "the
// downstream op's declared timeout plus margin"); Bay uses the health
// check timeout plus a fixed margin as a reasonable, single default.
func upstreamTimeout(cfg config.Config) time.Duration {
	return cfg.HealthCheckTimeout + 10*time.Second
}

// ShipPublic is the wire shape for a Ship record returned by the HTTP
// API (spec.md §6): status as 1=Running/0=Stopped, everything else
// passed through.
type ShipPublic struct {
	ID          string `json:"id"`
	Status      int    `json:"status"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
	ContainerID string `json:"container_id"`
	Address     string `json:"ip_address"`
	TTLSeconds  int    `json:"ttl"`
}

// ToPublic converts a Ship record to its wire representation.
func ToPublic(s *types.Ship) ShipPublic {
	status := 0
	if s.Status == types.StatusRunning {
		status = 1
	}
	return ShipPublic{
		ID:          s.ID,
		Status:      status,
		CreatedAt:   s.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   s.UpdatedAt.UTC().Format(time.RFC3339),
		ContainerID: s.ContainerID,
		Address:     s.Address,
		TTLSeconds:  s.TTLSeconds,
	}
}
