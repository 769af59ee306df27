package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process idempotency store for development and
// tests. Begin holds the mutex across the check and insert, giving the
// same atomicity the redis backend gets from SETNX.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Begin atomically creates a pending reservation for the key.
func (m *MemoryStore) Begin(_ context.Context, key Key) (bool, *Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ks := key.String()
	if existing, ok := m.records[ks]; ok {
		cp := *existing
		return false, &cp, nil
	}

	m.records[ks] = &Record{
		KeyString: ks,
		Key:       key,
		State:     StatePending,
		CreatedAt: time.Now().UTC(),
	}
	return true, nil, nil
}

// Complete finalizes a reservation with the handler's output.
func (m *MemoryStore) Complete(_ context.Context, keyString string, output json.RawMessage) error {
	return m.finalize(keyString, StateCompleted, output, "")
}

// Fail finalizes a reservation with a terminal failure.
func (m *MemoryStore) Fail(_ context.Context, keyString string, errMsg string) error {
	return m.finalize(keyString, StateFailed, nil, errMsg)
}

func (m *MemoryStore) finalize(keyString string, state State, output json.RawMessage, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[keyString]
	if !ok {
		return fmt.Errorf("idempotency: no record for key %q", keyString)
	}
	now := time.Now().UTC()
	r.State = state
	r.Output = output
	r.Error = errMsg
	r.CompletedAt = &now
	return nil
}

// Abandon removes a reservation without recording an outcome.
func (m *MemoryStore) Abandon(_ context.Context, keyString string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, keyString)
	return nil
}

// Check reads the record for a key without reserving.
func (m *MemoryStore) Check(_ context.Context, key Key) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[key.String()]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}
