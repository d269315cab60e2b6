package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/shipyard/bay/pkg/bayerr"
	"github.com/shipyard/bay/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketShips    = []byte("ships")
	bucketBindings = []byte("bindings")
)

// BoltStore implements Store using BoltDB, one bucket for Ship records
// keyed by ship id, one for Session bindings keyed by session id.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) a BoltDB file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "bay.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketShips, bucketBindings} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Insert persists a new ship record (upsert by id).
func (s *BoltStore) Insert(ship *types.Ship) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketShips), ship.ID, ship)
	})
}

// Get loads a ship record by id.
func (s *BoltStore) Get(id string) (*types.Ship, error) {
	var ship types.Ship
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketShips).Get([]byte(id))
		if data == nil {
			return bayerr.New(bayerr.NotFound, "ship not found: %s", id)
		}
		return json.Unmarshal(data, &ship)
	})
	if err != nil {
		return nil, err
	}
	return &ship, nil
}

// Update loads the ship, applies fn, and persists the result inside a
// single transaction so readers never observe a half-applied mutation.
func (s *BoltStore) Update(id string, fn func(*types.Ship) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketShips)
		data := b.Get([]byte(id))
		if data == nil {
			return bayerr.New(bayerr.NotFound, "ship not found: %s", id)
		}
		var ship types.Ship
		if err := json.Unmarshal(data, &ship); err != nil {
			return err
		}
		if err := fn(&ship); err != nil {
			return err
		}
		return putJSON(b, ship.ID, &ship)
	})
}

// UpdateWithBinding applies fn to the ship record and commits the
// requested binding change in the same bolt.Tx as the record update.
func (s *BoltStore) UpdateWithBinding(id string, fn func(*types.Ship) error, bindSession, unbindShip string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketShips)
		data := b.Get([]byte(id))
		if data == nil {
			return bayerr.New(bayerr.NotFound, "ship not found: %s", id)
		}
		var ship types.Ship
		if err := json.Unmarshal(data, &ship); err != nil {
			return err
		}
		if err := fn(&ship); err != nil {
			return err
		}
		if err := putJSON(b, ship.ID, &ship); err != nil {
			return err
		}

		bindings := tx.Bucket(bucketBindings)
		if bindSession != "" {
			binding := &types.SessionBinding{SessionID: bindSession, ShipID: id, CreatedAt: time.Now()}
			if err := putJSON(bindings, bindSession, binding); err != nil {
				return err
			}
		}
		if unbindShip != "" {
			if err := deleteBindingsForShip(bindings, unbindShip); err != nil {
				return err
			}
		}
		return nil
	})
}

// List returns every ship matching filter (nil matches everything).
func (s *BoltStore) List(filter func(*types.Ship) bool) ([]*types.Ship, error) {
	var ships []*types.Ship
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketShips).ForEach(func(k, v []byte) error {
			var ship types.Ship
			if err := json.Unmarshal(v, &ship); err != nil {
				return err
			}
			if filter == nil || filter(&ship) {
				ships = append(ships, &ship)
			}
			return nil
		})
	})
	return ships, err
}

// ListLive returns every ship with status != Stopped.
func (s *BoltStore) ListLive() ([]*types.Ship, error) {
	return s.List(func(sh *types.Ship) bool { return sh.Live() })
}

// LoadAll returns every ship record, live or stopped, for boot recovery.
func (s *BoltStore) LoadAll() ([]*types.Ship, error) {
	return s.List(nil)
}

// BindSession records a session->ship binding.
func (s *BoltStore) BindSession(shipID, sessionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		binding := &types.SessionBinding{SessionID: sessionID, ShipID: shipID, CreatedAt: time.Now()}
		return putJSON(tx.Bucket(bucketBindings), sessionID, binding)
	})
}

// UnbindAll removes every binding pointing at shipID.
func (s *BoltStore) UnbindAll(shipID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return deleteBindingsForShip(tx.Bucket(bucketBindings), shipID)
	})
}

// deleteBindingsForShip removes every binding in b pointing at shipID.
// Shared by UnbindAll and UpdateWithBinding so both scan-and-delete the
// same way inside whichever transaction is already open.
func deleteBindingsForShip(b *bolt.Bucket, shipID string) error {
	var toDelete [][]byte
	err := b.ForEach(func(k, v []byte) error {
		var binding types.SessionBinding
		if err := json.Unmarshal(v, &binding); err != nil {
			return err
		}
		if binding.ShipID == shipID {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range toDelete {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// UnbindSession removes the single binding for sessionID, if any.
func (s *BoltStore) UnbindSession(sessionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBindings).Delete([]byte(sessionID))
	})
}

// ListBindings returns every known session->ship binding.
func (s *BoltStore) ListBindings() ([]*types.SessionBinding, error) {
	var bindings []*types.SessionBinding
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBindings).ForEach(func(k, v []byte) error {
			var binding types.SessionBinding
			if err := json.Unmarshal(v, &binding); err != nil {
				return err
			}
			bindings = append(bindings, &binding)
			return nil
		})
	})
	return bindings, err
}

// BindingsForShip returns the bindings currently pointing at shipID.
func (s *BoltStore) BindingsForShip(shipID string) ([]*types.SessionBinding, error) {
	all, err := s.ListBindings()
	if err != nil {
		return nil, err
	}
	var filtered []*types.SessionBinding
	for _, b := range all {
		if b.ShipID == shipID {
			filtered = append(filtered, b)
		}
	}
	return filtered, nil
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}
