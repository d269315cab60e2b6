// Package storage defines Bay's Ship Repository: the persistence
// interface for Ship records and Session bindings, and a BoltDB-backed
// implementation.
package storage

import "github.com/shipyard/bay/pkg/types"

// Store is the Ship Repository contract (spec.md §4.6). Implementations
// must make each method transactional; a ship record update together
// with its binding change is atomic only through UpdateWithBinding.
type Store interface {
	// Ships
	Insert(ship *types.Ship) error
	Get(id string) (*types.Ship, error)
	Update(id string, fn func(*types.Ship) error) error
	List(filter func(*types.Ship) bool) ([]*types.Ship, error)
	ListLive() ([]*types.Ship, error)
	LoadAll() ([]*types.Ship, error)

	// UpdateWithBinding applies fn to the ship record and, in the same
	// transaction, binds bindSession to id (if non-empty) and/or removes
	// every binding pointing at unbindShip (if non-empty). Used wherever
	// a Ship record update and a binding change must commit together
	// (spec.md §4.6): a crash between two separate transactions would
	// otherwise leave a Ship persisted as Running with no binding, or a
	// binding pointing at a status change that never committed.
	UpdateWithBinding(id string, fn func(*types.Ship) error, bindSession, unbindShip string) error

	// Session bindings, write-through for the Affinity Index.
	BindSession(shipID, sessionID string) error
	UnbindAll(shipID string) error
	UnbindSession(sessionID string) error
	ListBindings() ([]*types.SessionBinding, error)
	BindingsForShip(shipID string) ([]*types.SessionBinding, error)

	Close() error
}
