// Package catalog provides the shared mutable store behind the registries.
//
// Entries live in a map guarded by a sync.RWMutex. Each entry carries its own
// mutex and a version counter, so writes to one id are serialized without
// blocking reads or writes to other ids. Readers always receive copies.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrNotFound is returned when no live entry exists for an id.
	ErrNotFound = errors.New("entry not found")
	// ErrExists is returned when inserting an id that is already present.
	ErrExists = errors.New("entry already exists")
	// ErrVersionMismatch is returned when an update's expected version is stale.
	ErrVersionMismatch = errors.New("version mismatch")
)

// VersionError reports the versions involved in a failed conditional update.
type VersionError struct {
	ID       string
	Expected int64
	Actual   int64
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("%s: expected version %d, found %d", e.ID, e.Expected, e.Actual)
}

func (e *VersionError) Unwrap() error { return ErrVersionMismatch }

type entry[T any] struct {
	mu      sync.Mutex
	value   T
	version int64
	removed bool
}

// Catalog is a concurrent map of versioned values.
type Catalog[T any] struct {
	mu      sync.RWMutex
	entries map[string]*entry[T]
	clone   func(T) T
}

// New creates a catalog. clone must return a deep copy of a value; it is used
// for every value that crosses the catalog boundary.
func New[T any](clone func(T) T) *Catalog[T] {
	if clone == nil {
		clone = func(v T) T { return v }
	}
	return &Catalog[T]{
		entries: make(map[string]*entry[T]),
		clone:   clone,
	}
}

// Insert stores a new value at version 1.
func (c *Catalog[T]) Insert(id string, v T) error {
	return c.Restore(id, v, 1)
}

// Restore stores a value loaded from persistence at its recorded version.
func (c *Catalog[T]) Restore(id string, v T, version int64) error {
	if version < 1 {
		version = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[id]; ok && !e.isRemoved() {
		return fmt.Errorf("%s: %w", id, ErrExists)
	}
	c.entries[id] = &entry[T]{value: c.clone(v), version: version}
	return nil
}

// Get returns a copy of the value and its version.
func (c *Catalog[T]) Get(id string) (T, int64, error) {
	var zero T
	e := c.lookup(id)
	if e == nil {
		return zero, 0, fmt.Errorf("%s: %w", id, ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return zero, 0, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return c.clone(e.value), e.version, nil
}

// Update applies fn to a working copy of the value under the entry lock.
// When expectedVersion is non-zero it must equal the current version. If fn
// returns an error the stored value is left untouched. The new version is
// passed to fn so it can be recorded on the value itself.
func (c *Catalog[T]) Update(id string, expectedVersion int64, fn func(v *T, version int64) error) (T, error) {
	var zero T
	e := c.lookup(id)
	if e == nil {
		return zero, fmt.Errorf("%s: %w", id, ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return zero, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if expectedVersion != 0 && expectedVersion != e.version {
		return zero, &VersionError{ID: id, Expected: expectedVersion, Actual: e.version}
	}

	working := c.clone(e.value)
	next := e.version + 1
	if err := fn(&working, next); err != nil {
		return zero, err
	}
	e.value = working
	e.version = next
	return c.clone(working), nil
}

// Delete removes an entry. fn, when non-nil, runs under the entry lock before
// removal and may veto it by returning an error.
func (c *Catalog[T]) Delete(id string, fn func(v T) error) error {
	e := c.lookup(id)
	if e == nil {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if fn != nil {
		if err := fn(c.clone(e.value)); err != nil {
			e.mu.Unlock()
			return err
		}
	}
	e.removed = true
	e.mu.Unlock()

	c.mu.Lock()
	if cur, ok := c.entries[id]; ok && cur == e {
		delete(c.entries, id)
	}
	c.mu.Unlock()
	return nil
}

// Snapshot returns copies of all live values ordered by id.
func (c *Catalog[T]) Snapshot() []T {
	c.mu.RLock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	sort.Strings(ids)

	out := make([]T, 0, len(ids))
	for _, id := range ids {
		if v, _, err := c.Get(id); err == nil {
			out = append(out, v)
		}
	}
	return out
}

// Len returns the number of live entries.
func (c *Catalog[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Catalog[T]) lookup(id string) *entry[T] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[id]
}

func (e *entry[T]) isRemoved() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removed
}
