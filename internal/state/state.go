// Package state holds the canonical, in-memory value and version of every
// live entity and feeds each committed change into the operation log.
package state

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tiendc/go-deepcopy"

	"github.com/hyperengineering/livesync/internal/metrics"
	"github.com/hyperengineering/livesync/internal/oplog"
	"github.com/hyperengineering/livesync/pkg/patch"
	"github.com/hyperengineering/livesync/pkg/protocol"
)

var (
	// ErrNotFound indicates the entity does not exist.
	ErrNotFound = errors.New("entity not found")
	// ErrInvalidKey indicates an empty entity id or an entity type that is
	// empty or contains the key separator.
	ErrInvalidKey = errors.New("invalid entity key")
)

// Log is the subset of the operation log the store writes to.
type Log interface {
	Append(e oplog.Entry) error
}

// Snapshot is a copy of an entity's canonical state.
type Snapshot struct {
	Version int64          `json:"version"`
	Data    map[string]any `json:"data"`
}

// Change describes one committed mutation.
type Change struct {
	Key     string            `json:"key"`
	Version int64             `json:"version"`
	Patch   []patch.Operation `json:"patch"`
}

type record struct {
	version int64
	data    map[string]any
	deleted bool
}

// Store is the canonical entity table. It is safe for concurrent use.
//
// Deleted entities leave a tombstone holding their last version so that a
// recreated entity continues the same version sequence and the log never
// sees a version go backwards.
type Store struct {
	log Log

	mu       sync.RWMutex
	entities map[string]*record
}

// NewStore creates a store appending to log. A nil log disables history.
func NewStore(log Log) *Store {
	return &Store{
		log:      log,
		entities: make(map[string]*record),
	}
}

// Set replaces the value of an entity. The change is diffed against the
// prior value; a non-empty diff bumps the version by one and is appended to
// the log. An empty diff leaves the version untouched.
func (s *Store) Set(entity, entityID string, data map[string]any) (Change, error) {
	key, err := entityKey(entity, entityID)
	if err != nil {
		return Change{}, err
	}

	next, err := clone(data)
	if err != nil {
		return Change{}, fmt.Errorf("copy entity %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.entities[key]
	var prev map[string]any
	var version int64
	if rec != nil {
		version = rec.version
		if !rec.deleted {
			prev = rec.data
		}
	}

	ops := patch.Diff(prev, next)
	if len(ops) == 0 && rec != nil && !rec.deleted {
		return Change{Key: key, Version: version, Patch: ops}, nil
	}

	if err := s.commit(key, version+1, ops); err != nil {
		return Change{}, err
	}
	s.entities[key] = &record{version: version + 1, data: next}
	metrics.RecordMutation("set")

	return Change{Key: key, Version: version + 1, Patch: ops}, nil
}

// Apply applies a patch to an existing entity and commits the effective diff.
func (s *Store) Apply(entity, entityID string, ops []patch.Operation) (Change, error) {
	current, err := s.Get(entity, entityID)
	if err != nil {
		return Change{}, err
	}
	next, err := patch.Apply(current.Data, ops)
	if err != nil {
		return Change{}, fmt.Errorf("apply patch to %s: %w", protocol.EntityKey(entity, entityID), err)
	}
	return s.Set(entity, entityID, next)
}

// Delete removes an entity. The removal itself is logged as a version that
// drops every field.
func (s *Store) Delete(entity, entityID string) (Change, error) {
	key, err := entityKey(entity, entityID)
	if err != nil {
		return Change{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.entities[key]
	if rec == nil || rec.deleted {
		return Change{}, fmt.Errorf("delete %s: %w", key, ErrNotFound)
	}

	ops := patch.Diff(rec.data, nil)
	if err := s.commit(key, rec.version+1, ops); err != nil {
		return Change{}, err
	}
	s.entities[key] = &record{version: rec.version + 1, deleted: true}
	metrics.RecordMutation("delete")

	return Change{Key: key, Version: rec.version + 1, Patch: ops}, nil
}

// Get returns a copy of the entity's current state.
func (s *Store) Get(entity, entityID string) (Snapshot, error) {
	key, err := entityKey(entity, entityID)
	if err != nil {
		return Snapshot{}, err
	}

	s.mu.RLock()
	rec := s.entities[key]
	if rec == nil || rec.deleted {
		s.mu.RUnlock()
		return Snapshot{}, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	version, data := rec.version, rec.data
	s.mu.RUnlock()

	// Stored maps are never mutated in place, so copying outside the lock is safe.
	out, err := clone(data)
	if err != nil {
		return Snapshot{}, fmt.Errorf("copy entity %s: %w", key, err)
	}
	return Snapshot{Version: version, Data: out}, nil
}

// Lookup implements the reconnect state source.
func (s *Store) Lookup(entity, entityID string) (map[string]any, int64, bool) {
	snap, err := s.Get(entity, entityID)
	if err != nil {
		return nil, 0, false
	}
	return snap.Data, snap.Version, true
}

// Len returns the number of live (non-deleted) entities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.entities {
		if !rec.deleted {
			n++
		}
	}
	return n
}

func (s *Store) commit(key string, version int64, ops []patch.Operation) error {
	if s.log == nil {
		return nil
	}
	err := s.log.Append(oplog.Entry{
		EntityKey: key,
		Version:   version,
		Patch:     ops,
		PatchSize: patch.Size(ops),
	})
	if err != nil {
		slog.Error("failed to append change to log",
			"component", "state",
			"action", "log_append_failed",
			"entity_key", key,
			"version", version,
			"error", err,
		)
		return fmt.Errorf("append %s v%d: %w", key, version, err)
	}
	return nil
}

func entityKey(entity, entityID string) (string, error) {
	if !protocol.ValidEntityName(entity) || entityID == "" {
		return "", fmt.Errorf("%w: %q/%q", ErrInvalidKey, entity, entityID)
	}
	return protocol.EntityKey(entity, entityID), nil
}

func clone(data map[string]any) (map[string]any, error) {
	if data == nil {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := deepcopy.Copy(&out, data); err != nil {
		return nil, err
	}
	return out, nil
}
