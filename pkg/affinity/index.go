// Package affinity implements Bay's Affinity Index (spec.md §4.4): an
// in-memory Session→Ship map, write-through to the Ship Repository for
// durability, enforcing the per-Ship Session fan-out cap and the
// rebind-after-Stop garbage collection rule.
package affinity

import (
	"sync"

	"github.com/shipyard/bay/pkg/bayerr"
	"github.com/shipyard/bay/pkg/storage"
	"github.com/shipyard/bay/pkg/types"
)

// Index maps Session ids to Ship ids. All operations run under a single
// mutex; critical sections are short (map lookups plus the store calls
// that persist the change).
type Index struct {
	mu       sync.Mutex
	store    storage.Store
	bindings map[string]string          // session id -> ship id
	counts   map[string]map[string]bool // ship id -> set of session ids
}

// NewIndex creates an empty Index backed by store. Call Load to
// repopulate it from persisted bindings on boot.
func NewIndex(store storage.Store) *Index {
	return &Index{
		store:    store,
		bindings: make(map[string]string),
		counts:   make(map[string]map[string]bool),
	}
}

// Load rebuilds the in-memory index from the repository's persisted
// bindings. Used by Recovery on boot.
func (idx *Index) Load() error {
	all, err := idx.store.ListBindings()
	if err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.bindings = make(map[string]string, len(all))
	idx.counts = make(map[string]map[string]bool)
	for _, b := range all {
		idx.bindings[b.SessionID] = b.ShipID
		if idx.counts[b.ShipID] == nil {
			idx.counts[b.ShipID] = make(map[string]bool)
		}
		idx.counts[b.ShipID][b.SessionID] = true
	}
	return nil
}

// Bind associates session with ship, subject to the fan-out cap and the
// single-binding-per-session rule. If session is already bound to a
// different, still-live ship, the bind fails with IllegalState. If the
// prior ship is Stopped, its binding is garbage-collected first and the
// rebind proceeds.
func (idx *Index) Bind(session string, ship *types.Ship) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if existing, ok := idx.bindings[session]; ok {
		if existing == ship.ID {
			return nil // already bound, idempotent
		}
		if err := idx.releaseStaleLocked(session, existing); err != nil {
			return err
		}
	}

	if !ship.Live() {
		return bayerr.New(bayerr.IllegalState, "ship %s is not live", ship.ID)
	}

	set := idx.counts[ship.ID]
	if set == nil {
		set = make(map[string]bool)
		idx.counts[ship.ID] = set
	}
	if len(set) >= ship.MaxSessionNum {
		return bayerr.New(bayerr.CapacityExhausted, "ship %s has no free session slots", ship.ID)
	}

	if err := idx.store.BindSession(ship.ID, session); err != nil {
		return err
	}

	idx.bindings[session] = ship.ID
	set[session] = true
	return nil
}

// BindAndUpdate applies fn to ship's record and binds session to it in a
// single store transaction, subject to the same fan-out cap and
// single-binding-per-session rule as Bind. Used wherever a Ship status
// change and its binding must commit together (spec.md §4.6), e.g. the
// Scheduler marking a newly-started ship Running and binding the
// requesting session in one step.
func (idx *Index) BindAndUpdate(session string, ship *types.Ship, fn func(*types.Ship) error) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if existing, ok := idx.bindings[session]; ok {
		if existing == ship.ID {
			return idx.store.Update(ship.ID, fn)
		}
		if err := idx.releaseStaleLocked(session, existing); err != nil {
			return err
		}
	}

	if !ship.Live() {
		return bayerr.New(bayerr.IllegalState, "ship %s is not live", ship.ID)
	}

	set := idx.counts[ship.ID]
	if set == nil {
		set = make(map[string]bool)
		idx.counts[ship.ID] = set
	}
	if len(set) >= ship.MaxSessionNum {
		return bayerr.New(bayerr.CapacityExhausted, "ship %s has no free session slots", ship.ID)
	}

	if err := idx.store.UpdateWithBinding(ship.ID, fn, session, ""); err != nil {
		return err
	}

	idx.bindings[session] = ship.ID
	set[session] = true
	return nil
}

// releaseStaleLocked drops session's binding to priorID when that ship is
// Stopped or no longer exists, and fails with IllegalState while it is
// still live. The caller holds idx.mu.
func (idx *Index) releaseStaleLocked(session, priorID string) error {
	prior, err := idx.store.Get(priorID)
	if err != nil && bayerr.KindOf(err) != bayerr.NotFound {
		return err
	}
	if err == nil && prior.Live() {
		return bayerr.New(bayerr.IllegalState, "session %s already bound to ship %s", session, priorID)
	}
	if err := idx.store.UnbindSession(session); err != nil {
		return err
	}
	delete(idx.bindings, session)
	delete(idx.counts[priorID], session)
	return nil
}

// UnbindAndUpdate applies fn to shipID's record and removes every
// session binding pointing at it in a single store transaction. Used
// wherever a Ship status change and the loss of its bindings must
// commit together (spec.md §4.6), e.g. expiry or explicit deletion.
func (idx *Index) UnbindAndUpdate(shipID string, fn func(*types.Ship) error) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if err := idx.store.UpdateWithBinding(shipID, fn, "", shipID); err != nil {
		return err
	}

	for session, bound := range idx.bindings {
		if bound == shipID {
			delete(idx.bindings, session)
		}
	}
	delete(idx.counts, shipID)
	return nil
}

// TotalSessions returns the number of distinct sessions currently bound
// to any ship.
func (idx *Index) TotalSessions() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.bindings)
}

// Lookup returns the ship id bound to session, and whether a binding
// exists.
func (idx *Index) Lookup(session string) (string, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	shipID, ok := idx.bindings[session]
	return shipID, ok
}

// Unbind removes every session binding pointing at shipID. Called when
// a ship transitions to Stopped.
func (idx *Index) Unbind(shipID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if err := idx.store.UnbindAll(shipID); err != nil {
		return err
	}

	for session, bound := range idx.bindings {
		if bound == shipID {
			delete(idx.bindings, session)
		}
	}
	delete(idx.counts, shipID)
	return nil
}

// SessionCount returns the number of distinct sessions currently bound
// to shipID.
func (idx *Index) SessionCount(shipID string) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.counts[shipID])
}

// Occupancy reports how many sessions are bound to shipID and whether it
// still has a free slot under maxSessionNum. Choosing among candidates
// (oldest first) is left to the caller, which sorts by Ship.CreatedAt.
func (idx *Index) Occupancy(shipID string, maxSessionNum int) (used int, free bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	used = len(idx.counts[shipID])
	return used, used < maxSessionNum
}
