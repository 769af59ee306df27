package checkpoint

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryManager is an in-process checkpoint manager for development
// and tests. Safe for concurrent use.
type MemoryManager struct {
	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint // key: runID + "\x00" + name
}

var _ Manager = (*MemoryManager)(nil)

// NewMemoryManager returns an empty MemoryManager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{checkpoints: make(map[string]*Checkpoint)}
}

func ckptKey(runID, name string) string { return runID + "\x00" + name }

// Save stores or replaces a named checkpoint for the run.
func (m *MemoryManager) Save(_ context.Context, runID, name string, data json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkpoints[ckptKey(runID, name)] = &Checkpoint{
		RunID:   runID,
		Name:    name,
		Data:    append(json.RawMessage(nil), data...),
		SavedAt: time.Now().UTC(),
	}
	return nil
}

// Get retrieves a named checkpoint, or nil if none exists.
func (m *MemoryManager) Get(_ context.Context, runID, name string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.checkpoints[ckptKey(runID, name)]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

// Delete removes a named checkpoint.
func (m *MemoryManager) Delete(_ context.Context, runID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, ckptKey(runID, name))
	return nil
}

// List returns all checkpoints for a run, oldest first.
func (m *MemoryManager) List(_ context.Context, runID string) ([]*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Checkpoint
	for _, c := range m.checkpoints {
		if c.RunID != runID {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SavedAt.Before(out[j].SavedAt)
	})
	return out, nil
}
