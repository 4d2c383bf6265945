package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and ephemeral runs. It
// honors the same per-node version check and advisory lock semantics as the
// durable backends.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record

	lockOwner string
	lockedAt  time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Get returns the record for a node, or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, nodeID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, nodeID)
	}
	return cloneRecord(rec), nil
}

// Put writes a record, enforcing the version-succession check.
func (s *MemoryStore) Put(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if existing, ok := s.records[rec.NodeID]; ok {
		current = existing.Version
	}
	if rec.Version != current+1 {
		return fmt.Errorf("%w: node %s has version %d, put version %d",
			ErrVersionConflict, rec.NodeID, current, rec.Version)
	}

	stored := cloneRecord(rec)
	if existing, ok := s.records[rec.NodeID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	stored.UpdatedAt = time.Now()
	s.records[rec.NodeID] = stored
	return nil
}

// Delete removes a node's record.
func (s *MemoryStore) Delete(_ context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, nodeID)
	return nil
}

// List returns every record ordered by node ID.
func (s *MemoryStore) List(_ context.Context) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneRecord(s.records[id]))
	}
	return out, nil
}

// Lock acquires the advisory run lock.
func (s *MemoryStore) Lock(_ context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockOwner != "" && s.lockOwner != owner {
		return &LockContentionError{Holder: s.lockOwner, AcquiredAt: s.lockedAt}
	}
	s.lockOwner = owner
	s.lockedAt = time.Now()
	return nil
}

// Unlock releases the advisory run lock if held by owner.
func (s *MemoryStore) Unlock(_ context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockOwner == owner {
		s.lockOwner = ""
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func cloneRecord(rec *Record) *Record {
	out := *rec
	out.Attributes = cloneMap(rec.Attributes)
	out.Outputs = cloneMap(rec.Outputs)
	return &out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
