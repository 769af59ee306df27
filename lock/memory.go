package lock

import (
	"context"
	"sync"
	"time"

	"github.com/conveyorhq/conveyor/id"
)

// MemoryManager is an in-process lock manager for development and
// tests. Expired locks are reclaimed lazily on the next access.
type MemoryManager struct {
	mu    sync.Mutex
	locks map[string]*Lock
	now   func() time.Time
}

var _ Manager = (*MemoryManager)(nil)

// NewMemoryManager returns an empty MemoryManager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		locks: make(map[string]*Lock),
		now:   time.Now,
	}
}

// TryAcquire takes the run's lock if it is free or expired.
func (m *MemoryManager) TryAcquire(_ context.Context, runID string, opts AcquireOptions) (*AcquireResult, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	if existing, ok := m.locks[runID]; ok && now.Before(existing.ExpiresAt) {
		return &AcquireResult{Acquired: false, ExistingHolderID: existing.HolderID}, nil
	}

	l := &Lock{
		RunID:      runID,
		HolderID:   id.NewWorkerID().String(),
		Reason:     opts.Reason,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	m.locks[runID] = l

	cp := *l
	return &AcquireResult{Acquired: true, Lock: &cp}, nil
}

// Extend pushes out the expiry of a lock held by holderID.
func (m *MemoryManager) Extend(_ context.Context, runID, holderID string, d time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	l, ok := m.locks[runID]
	if !ok || l.HolderID != holderID || !now.Before(l.ExpiresAt) {
		return false, nil
	}
	l.ExpiresAt = now.Add(d)
	return true, nil
}

// Release frees a lock held by holderID.
func (m *MemoryManager) Release(_ context.Context, runID, holderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[runID]
	if !ok || l.HolderID != holderID {
		return false, nil
	}
	delete(m.locks, runID)
	return true, nil
}
