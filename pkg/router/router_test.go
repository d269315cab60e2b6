package router

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipyard/bay/pkg/affinity"
	"github.com/shipyard/bay/pkg/bayerr"
	"github.com/shipyard/bay/pkg/storage"
	"github.com/shipyard/bay/pkg/types"
)

func newTestRouter(t *testing.T, timeout time.Duration) (*Router, storage.Store) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	idx := affinity.NewIndex(store)
	return NewRouter(store, idx, timeout), store
}

func TestForward_ProxiesToUpstreamShip(t *testing.T) {
	var gotSessionHeader, gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotSessionHeader = req.Header.Get(SessionHeader)
		gotPath = req.URL.Path
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	r, store := newTestRouter(t, time.Second)
	ship := &types.Ship{ID: "ship-1", Status: types.StatusRunning, Address: upstream.Listener.Addr().String(), MaxSessionNum: 1, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, store.Insert(ship))

	req := httptest.NewRequest(http.MethodPost, "/ship/ship-1/exec/fs/read_file", strings.NewReader(`{"path":"/x"}`))
	rec := httptest.NewRecorder()

	err := r.Forward(rec, req, "ship-1", "sess-1", "fs/read_file")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sess-1", gotSessionHeader)
	assert.Equal(t, "/fs/read_file", gotPath)
	assert.Equal(t, `{"ok":true}`, rec.Body.String())

	shipID, ok := r.affinity.Lookup("sess-1")
	assert.True(t, ok)
	assert.Equal(t, "ship-1", shipID)
}

func TestForward_RejectsNonRunningShip(t *testing.T) {
	r, store := newTestRouter(t, time.Second)
	ship := &types.Ship{ID: "ship-1", Status: types.StatusStarting, MaxSessionNum: 1, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, store.Insert(ship))

	req := httptest.NewRequest(http.MethodPost, "/ship/ship-1/exec/fs/read_file", nil)
	rec := httptest.NewRecorder()

	err := r.Forward(rec, req, "ship-1", "sess-1", "fs/read_file")
	require.Error(t, err)
	assert.Equal(t, bayerr.IllegalState, bayerr.KindOf(err))
}

func TestForward_UnknownShip(t *testing.T) {
	r, _ := newTestRouter(t, time.Second)

	req := httptest.NewRequest(http.MethodPost, "/ship/missing/exec/fs/read_file", nil)
	rec := httptest.NewRecorder()

	err := r.Forward(rec, req, "missing", "sess-1", "fs/read_file")
	require.Error(t, err)
	assert.Equal(t, bayerr.NotFound, bayerr.KindOf(err))
}

func TestForward_UpstreamUnreachable(t *testing.T) {
	r, store := newTestRouter(t, 200*time.Millisecond)
	ship := &types.Ship{ID: "ship-1", Status: types.StatusRunning, Address: "127.0.0.1:1", MaxSessionNum: 1, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, store.Insert(ship))

	req := httptest.NewRequest(http.MethodPost, "/ship/ship-1/exec/fs/read_file", nil)
	rec := httptest.NewRecorder()

	err := r.Forward(rec, req, "ship-1", "sess-1", "fs/read_file")
	require.Error(t, err)
	assert.Equal(t, bayerr.Unavailable, bayerr.KindOf(err))
}
