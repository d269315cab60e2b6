package scheduler

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipyard/bay/pkg/affinity"
	"github.com/shipyard/bay/pkg/bayerr"
	"github.com/shipyard/bay/pkg/events"
	"github.com/shipyard/bay/pkg/runtime"
	"github.com/shipyard/bay/pkg/storage"
	"github.com/shipyard/bay/pkg/types"
)

// fakeDriver is an in-memory runtime.Driver double; every container
// "starts" immediately healthy so Scheduler tests exercise capacity and
// reuse logic without a real containerd socket.
type fakeDriver struct {
	mu      sync.Mutex
	started map[string]bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{started: make(map[string]bool)}
}

func (d *fakeDriver) Create(ctx context.Context, id string, spec runtime.Spec) (string, error) {
	return "container-" + id, nil
}

func (d *fakeDriver) Start(ctx context.Context, containerID string) (string, error) {
	d.mu.Lock()
	d.started[containerID] = true
	d.mu.Unlock()
	return "127.0.0.1:0", nil
}

func (d *fakeDriver) Inspect(ctx context.Context, containerID string) (runtime.InspectResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return runtime.InspectResult{Running: d.started[containerID], Address: "127.0.0.1:0"}, nil
}

func (d *fakeDriver) Logs(ctx context.Context, containerID string, tailBytes int64) (io.ReadCloser, error) {
	return nil, bayerr.New(bayerr.Internal, "not implemented")
}

func (d *fakeDriver) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	return nil
}

func (d *fakeDriver) Remove(ctx context.Context, containerID string) error {
	return nil
}

// fakeProber short-circuits the HTTP poll loop so unit tests never
// dial a real listener.
type fakeProber struct{}

func (fakeProber) WaitReady(ctx context.Context, address, checkType string, timeout, interval time.Duration) error {
	return nil
}

func newTestScheduler(t *testing.T, maxShips int, behavior Behavior) (*Scheduler, storage.Store) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	idx := affinity.NewIndex(store)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	s := NewScheduler(store, newFakeDriver(), idx, fakeProber{}, broker, Config{
		MaxShips:       maxShips,
		Behavior:       behavior,
		Image:          "bay/ship:latest",
		HealthTimeout:  10 * time.Millisecond,
		HealthInterval: 5 * time.Millisecond,
	})
	return s, store
}

func TestCreateShip_RejectsOnSaturation(t *testing.T) {
	s, _ := newTestScheduler(t, 1, BehaviorReject)

	shipA, err := s.CreateShip(context.Background(), "sess-a", time.Minute, types.Spec{}, 1)
	require.NoError(t, err)
	require.NotNil(t, shipA)

	_, err = s.CreateShip(context.Background(), "sess-b", time.Minute, types.Spec{}, 1)
	require.Error(t, err)
	assert.Equal(t, bayerr.CapacityExhausted, bayerr.KindOf(err))

	s.Release()

	shipB, err := s.CreateShip(context.Background(), "sess-b", time.Minute, types.Spec{}, 1)
	require.NoError(t, err)
	require.NotNil(t, shipB)
}

func TestCreateShip_WaitsOnSaturation(t *testing.T) {
	s, _ := newTestScheduler(t, 1, BehaviorWait)

	shipA, err := s.CreateShip(context.Background(), "sess-a", time.Minute, types.Spec{}, 1)
	require.NoError(t, err)

	done := make(chan *types.Ship, 1)
	go func() {
		ship, err := s.CreateShip(context.Background(), "sess-b", time.Minute, types.Spec{}, 1)
		require.NoError(t, err)
		done <- ship
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("second create should still be waiting")
	default:
	}

	s.Release()
	_ = shipA

	select {
	case ship := <-done:
		require.NotNil(t, ship)
	case <-time.After(time.Second):
		t.Fatal("waiter was never released")
	}
}

func TestCreateShip_WaitHonorsCancellation(t *testing.T) {
	s, _ := newTestScheduler(t, 1, BehaviorWait)

	_, err := s.CreateShip(context.Background(), "sess-a", time.Minute, types.Spec{}, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = s.CreateShip(ctx, "sess-b", time.Minute, types.Spec{}, 1)
	require.Error(t, err)
	assert.Equal(t, bayerr.DeadlineExceeded, bayerr.KindOf(err))
}

func TestCreateShip_RejectsInvalidArguments(t *testing.T) {
	s, _ := newTestScheduler(t, 1, BehaviorReject)

	_, err := s.CreateShip(context.Background(), "sess", 0, types.Spec{}, 1)
	require.Error(t, err)
	assert.Equal(t, bayerr.InvalidArgument, bayerr.KindOf(err))

	_, err = s.CreateShip(context.Background(), "sess", time.Minute, types.Spec{}, 0)
	require.Error(t, err)
	assert.Equal(t, bayerr.InvalidArgument, bayerr.KindOf(err))
}

func TestAcquireForSession_ReturnsExistingBinding(t *testing.T) {
	s, _ := newTestScheduler(t, 2, BehaviorReject)

	ship, err := s.CreateShip(context.Background(), "sess-a", time.Minute, types.Spec{}, 2)
	require.NoError(t, err)

	reused, err := s.AcquireForSession("sess-a", false)
	require.NoError(t, err)
	require.NotNil(t, reused)
	assert.Equal(t, ship.ID, reused.ID)
}

func TestAcquireForSession_ReusesShipWithFreeSlot(t *testing.T) {
	s, _ := newTestScheduler(t, 2, BehaviorReject)

	ship, err := s.CreateShip(context.Background(), "sess-a", time.Minute, types.Spec{}, 2)
	require.NoError(t, err)

	reused, err := s.AcquireForSession("sess-b", true)
	require.NoError(t, err)
	require.NotNil(t, reused)
	assert.Equal(t, ship.ID, reused.ID)
}

func TestAcquireForSession_NoReuseWithoutAllowFlag(t *testing.T) {
	s, _ := newTestScheduler(t, 2, BehaviorReject)

	_, err := s.CreateShip(context.Background(), "sess-a", time.Minute, types.Spec{}, 2)
	require.NoError(t, err)

	reused, err := s.AcquireForSession("sess-b", false)
	require.NoError(t, err)
	assert.Nil(t, reused)
}
