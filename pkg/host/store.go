package host

import (
	"context"
	"sync"
)

// SessionStore persists session snapshots and remembers consumed grants.
type SessionStore interface {
	// SaveSnapshot stores snap unless a snapshot with a higher Seq is already stored.
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	// ConsumeGrant records key and reports false when it was recorded before.
	ConsumeGrant(ctx context.Context, key string) (bool, error)
}

// MemoryStore is an in-process SessionStore.
type MemoryStore struct {
	mu        sync.Mutex
	snapshots map[string]Snapshot
	grants    map[string]bool
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string]Snapshot), grants: make(map[string]bool)}
}

// SaveSnapshot keeps the newest snapshot per session.
func (s *MemoryStore) SaveSnapshot(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.snapshots[snap.SessionID]; ok && cur.Seq >= snap.Seq {
		return nil
	}
	s.snapshots[snap.SessionID] = snap
	return nil
}

// ConsumeGrant records key once.
func (s *MemoryStore) ConsumeGrant(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grants[key] {
		return false, nil
	}
	s.grants[key] = true
	return true, nil
}

// Latest returns the newest snapshot saved for sessionID.
func (s *MemoryStore) Latest(sessionID string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[sessionID]
	return snap, ok
}
