package storage

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
)

// Repository is the persistence boundary for registry records and
// executions. Implementations return errors; they never panic.
type Repository[T any] interface {
	Save(ctx context.Context, id string, v T) error
	Find(ctx context.Context, id string) (T, error)
	List(ctx context.Context) ([]T, error)
	Delete(ctx context.Context, id string) error
}

// MemoryRepository keeps JSON copies of values in memory. It is the default
// store and the one used in tests. Nothing survives a restart, so it suits
// development and single-process use only.
type MemoryRepository[T any] struct {
	collection string
	mu         sync.RWMutex
	docs       map[string][]byte

	// capacity > 0 evicts the oldest ids beyond it, in insertion order.
	capacity int
	order    []string
}

// NewMemoryRepository creates an empty, unbounded in-memory repository.
func NewMemoryRepository[T any](collection string) *MemoryRepository[T] {
	return NewBoundedMemoryRepository[T](collection, 0)
}

// NewBoundedMemoryRepository creates an in-memory repository that keeps at
// most capacity documents, dropping the oldest first. Zero means unbounded.
func NewBoundedMemoryRepository[T any](collection string, capacity int) *MemoryRepository[T] {
	return &MemoryRepository[T]{
		collection: collection,
		docs:       make(map[string][]byte),
		capacity:   max(capacity, 0),
	}
}

// Save stores a copy of v.
func (m *MemoryRepository[T]) Save(_ context.Context, id string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return WrapInvalidData("Save", m.collection, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.docs[id]
	m.docs[id] = data
	if m.capacity > 0 && !exists {
		m.order = append(m.order, id)
		for len(m.order) > m.capacity {
			delete(m.docs, m.order[0])
			m.order = m.order[1:]
		}
	}
	return nil
}

// Find returns the stored value for id.
func (m *MemoryRepository[T]) Find(_ context.Context, id string) (T, error) {
	var out T
	m.mu.RLock()
	data, ok := m.docs[id]
	m.mu.RUnlock()
	if !ok {
		return out, WrapNotFoundError("Find", m.collection, id)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, WrapInvalidData("Find", m.collection, err)
	}
	return out, nil
}

// List returns every stored value ordered by id.
func (m *MemoryRepository[T]) List(_ context.Context) ([]T, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.docs))
	for id := range m.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	docs := make([][]byte, len(ids))
	for i, id := range ids {
		docs[i] = m.docs[id]
	}
	m.mu.RUnlock()

	out := make([]T, 0, len(docs))
	for _, data := range docs {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, WrapInvalidData("List", m.collection, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Delete removes id. Deleting a missing id is not an error.
func (m *MemoryRepository[T]) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; ok && m.capacity > 0 {
		if i := slices.Index(m.order, id); i >= 0 {
			m.order = slices.Delete(m.order, i, i+1)
		}
	}
	delete(m.docs, id)
	return nil
}

// Len returns the number of stored documents.
func (m *MemoryRepository[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}
