package reaper

import (
	"context"
	"io"
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

type noopDriver struct {
	stopped, removed int
}

func (d *noopDriver) Create(ctx context.Context, id string, spec runtime.Spec) (string, error) {
	return "container-" + id, nil
}
func (d *noopDriver) Start(ctx context.Context, containerID string) (string, error) {
	return "127.0.0.1:0", nil
}
func (d *noopDriver) Inspect(ctx context.Context, containerID string) (runtime.InspectResult, error) {
	return runtime.InspectResult{}, nil
}
func (d *noopDriver) Logs(ctx context.Context, containerID string, tailBytes int64) (io.ReadCloser, error) {
	return nil, bayerr.New(bayerr.Internal, "not implemented")
}
func (d *noopDriver) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	d.stopped++
	return nil
}
func (d *noopDriver) Remove(ctx context.Context, containerID string) error {
	d.removed++
	return nil
}

type fakeReleaser struct{ releases int }

func (f *fakeReleaser) Release() { f.releases++ }

func newTestReaper(t *testing.T) (*Reaper, storage.Store, *noopDriver, *fakeReleaser) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	idx := affinity.NewIndex(store)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	driver := &noopDriver{}
	sched := &fakeReleaser{}
	r := NewReaper(store, driver, idx, sched, broker)
	return r, store, driver, sched
}

func TestScan_ExpiresPastDeadline(t *testing.T) {
	r, store, driver, sched := newTestReaper(t)

	ship := &types.Ship{
		ID:            "ship-1",
		Status:        types.StatusRunning,
		ContainerID:   "container-1",
		MaxSessionNum: 1,
		CreatedAt:     time.Now().Add(-time.Hour),
		UpdatedAt:     time.Now().Add(-time.Hour),
		Deadline:      time.Now().Add(-time.Minute),
	}
	require.NoError(t, store.Insert(ship))
	require.NoError(t, store.BindSession("ship-1", "sess-1"))
	require.NoError(t, r.affinity.Load())

	r.scan()

	updated, err := store.Get("ship-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopped, updated.Status)
	assert.Equal(t, 1, driver.stopped)
	assert.Equal(t, 1, driver.removed)
	assert.Equal(t, 1, sched.releases)

	_, ok := r.affinity.Lookup("sess-1")
	assert.False(t, ok)
}

func TestScan_SkipsUnexpiredShips(t *testing.T) {
	r, store, driver, sched := newTestReaper(t)

	ship := &types.Ship{
		ID:            "ship-1",
		Status:        types.StatusRunning,
		ContainerID:   "container-1",
		MaxSessionNum: 1,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
		Deadline:      time.Now().Add(time.Hour),
	}
	require.NoError(t, store.Insert(ship))

	r.scan()

	updated, err := store.Get("ship-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, updated.Status)
	assert.Equal(t, 0, driver.stopped)
	assert.Equal(t, 0, sched.releases)
}

func TestExtendTTL_RecomputesDeadline(t *testing.T) {
	r, store, _, _ := newTestReaper(t)

	ship := &types.Ship{
		ID:            "ship-1",
		Status:        types.StatusRunning,
		MaxSessionNum: 1,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now().Add(-time.Minute),
		Deadline:      time.Now().Add(time.Minute),
	}
	require.NoError(t, store.Insert(ship))

	updated, err := r.ExtendTTL("ship-1", 120)
	require.NoError(t, err)
	assert.Equal(t, 120, updated.TTLSeconds)
	assert.WithinDuration(t, time.Now().Add(120*time.Second), updated.Deadline, 2*time.Second)
	assert.WithinDuration(t, time.Now(), updated.UpdatedAt, 2*time.Second)
}

func TestExtendTTL_RejectsStoppedShip(t *testing.T) {
	r, store, _, _ := newTestReaper(t)

	ship := &types.Ship{ID: "ship-1", Status: types.StatusStopped, MaxSessionNum: 1, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, store.Insert(ship))

	_, err := r.ExtendTTL("ship-1", 120)
	require.Error(t, err)
	assert.Equal(t, bayerr.IllegalState, bayerr.KindOf(err))
}

func TestExtendTTL_RejectsMissingShip(t *testing.T) {
	r, _, _, _ := newTestReaper(t)

	_, err := r.ExtendTTL("does-not-exist", 120)
	require.Error(t, err)
	assert.Equal(t, bayerr.NotFound, bayerr.KindOf(err))
}

func TestExtendTTL_RejectsNonPositiveSeconds(t *testing.T) {
	r, store, _, _ := newTestReaper(t)
	ship := &types.Ship{ID: "ship-1", Status: types.StatusRunning, MaxSessionNum: 1, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, store.Insert(ship))

	_, err := r.ExtendTTL("ship-1", 0)
	require.Error(t, err)
	assert.Equal(t, bayerr.InvalidArgument, bayerr.KindOf(err))
}
