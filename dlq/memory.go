package dlq

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/id"
)

// MemoryStore is an in-memory quarantine store for development and
// tests. Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*PoisonMessage
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*PoisonMessage)}
}

// PushPoison appends a quarantine record.
func (m *MemoryStore) PushPoison(_ context.Context, p *PoisonMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.records[p.ID.String()] = &cp
	return nil
}

// ListPoison returns records matching the options, oldest first.
func (m *MemoryStore) ListPoison(_ context.Context, opts ListOpts) ([]*PoisonMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*PoisonMessage
	for _, p := range m.records {
		if opts.TenantID != "" && p.TenantID != opts.TenantID {
			continue
		}
		if opts.Subscription != "" && p.Subscription != opts.Subscription {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].QuarantinedAt.Before(out[j].QuarantinedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// GetPoison retrieves a record by ID.
func (m *MemoryStore) GetPoison(_ context.Context, poisonID id.ID) (*PoisonMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.records[poisonID.String()]
	if !ok {
		return nil, conveyor.ErrPoisonNotFound
	}
	cp := *p
	return &cp, nil
}

// ClearPoison removes a record by ID.
func (m *MemoryStore) ClearPoison(_ context.Context, poisonID id.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[poisonID.String()]; !ok {
		return conveyor.ErrPoisonNotFound
	}
	delete(m.records, poisonID.String())
	return nil
}

// PurgePoison removes records quarantined before the cutoff.
func (m *MemoryStore) PurgePoison(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for key, p := range m.records {
		if p.QuarantinedAt.Before(before) {
			delete(m.records, key)
			removed++
		}
	}
	return removed, nil
}

// CountPoison returns the total number of quarantine records.
func (m *MemoryStore) CountPoison(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.records)), nil
}
