package store

import (
	"context"
	"sort"
	"sync"

	"github.com/population-tracker/population-tracker/internal/population"
)

// MemoryStore is an in-memory implementation of Store. Its contents do not
// survive a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	samples []population.Sample
	nextID  int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

func (m *MemoryStore) EnsureSchema(context.Context) error {
	return nil
}

func (m *MemoryStore) Append(_ context.Context, s population.Sample) (population.Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = m.nextID
	m.nextID++
	m.samples = append(m.samples, s)
	return s, nil
}

func (m *MemoryStore) AllOrderedByTime(context.Context) ([]population.Sample, error) {
	m.mu.RLock()
	out := make([]population.Sample, len(m.samples))
	copy(out, m.samples)
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
