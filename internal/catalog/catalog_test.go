package catalog

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

type record struct {
	Name    string
	Tags    []string
	Version int64
}

func cloneRecord(r record) record {
	r.Tags = append([]string(nil), r.Tags...)
	return r
}

func TestCatalog_InsertGet(t *testing.T) {
	c := New(cloneRecord)

	if err := c.Insert("a", record{Name: "alpha", Tags: []string{"x"}}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := c.Insert("a", record{Name: "dup"}); !errors.Is(err, ErrExists) {
		t.Errorf("Insert() duplicate error = %v, want ErrExists", err)
	}

	got, version, err := c.Get("a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "alpha" || version != 1 {
		t.Errorf("Get() = %+v v%d, want alpha v1", got, version)
	}

	// Mutating the returned copy must not leak into the catalog.
	got.Tags[0] = "mutated"
	again, _, _ := c.Get("a")
	if again.Tags[0] != "x" {
		t.Errorf("stored value was mutated through a copy: %v", again.Tags)
	}

	if _, _, err := c.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() missing error = %v, want ErrNotFound", err)
	}
}

func TestCatalog_UpdateVersioning(t *testing.T) {
	c := New(cloneRecord)
	_ = c.Insert("a", record{Name: "alpha"})

	updated, err := c.Update("a", 1, func(r *record, v int64) error {
		r.Name = "beta"
		r.Version = v
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Name != "beta" || updated.Version != 2 {
		t.Errorf("Update() = %+v, want beta at version 2", updated)
	}

	_, err = c.Update("a", 1, func(*record, int64) error { return nil })
	var verr *VersionError
	if !errors.As(err, &verr) || !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("Update() stale version error = %v, want VersionError", err)
	}
	if verr.Expected != 1 || verr.Actual != 2 {
		t.Errorf("VersionError = %+v", verr)
	}

	_, err = c.Update("a", 0, func(r *record, _ int64) error {
		r.Name = "discarded"
		return fmt.Errorf("rejected")
	})
	if err == nil {
		t.Fatal("expected fn error to propagate")
	}
	cur, version, _ := c.Get("a")
	if cur.Name != "beta" || version != 2 {
		t.Errorf("failed update changed state: %+v v%d", cur, version)
	}
}

func TestCatalog_Delete(t *testing.T) {
	c := New(cloneRecord)
	_ = c.Insert("a", record{Name: "alpha"})

	veto := errors.New("in use")
	if err := c.Delete("a", func(record) error { return veto }); !errors.Is(err, veto) {
		t.Errorf("Delete() veto error = %v", err)
	}
	if err := c.Delete("a", nil); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := c.Delete("a", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
	if err := c.Insert("a", record{Name: "again"}); err != nil {
		t.Errorf("re-Insert after delete error = %v", err)
	}
}

func TestCatalog_ConcurrentUpdatesSerialize(t *testing.T) {
	c := New(cloneRecord)
	_ = c.Insert("counter", record{})

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Update("counter", 0, func(r *record, v int64) error {
				r.Tags = append(r.Tags, "w")
				r.Version = v
				return nil
			})
		}()
	}
	wg.Wait()

	got, version, _ := c.Get("counter")
	if len(got.Tags) != writers {
		t.Errorf("len(Tags) = %d, want %d (lost update)", len(got.Tags), writers)
	}
	if version != writers+1 {
		t.Errorf("version = %d, want %d", version, writers+1)
	}
}

func TestCatalog_SnapshotOrdered(t *testing.T) {
	c := New(cloneRecord)
	for _, id := range []string{"c", "a", "b"} {
		_ = c.Insert(id, record{Name: id})
	}
	snap := c.Snapshot()
	if len(snap) != 3 || snap[0].Name != "a" || snap[2].Name != "c" {
		t.Errorf("Snapshot() = %+v, want ordered a,b,c", snap)
	}
}

func TestCatalog_RestoreKeepsVersion(t *testing.T) {
	c := New(cloneRecord)
	if err := c.Restore("r", record{Name: "loaded"}, 7); err != nil {
		t.Fatal(err)
	}
	if _, v, _ := c.Get("r"); v != 7 {
		t.Errorf("version = %d, want 7", v)
	}
	if _, err := c.Update("r", 7, func(r *record, next int64) error {
		r.Version = next
		return nil
	}); err != nil {
		t.Fatalf("Update() at restored version error = %v", err)
	}
	if err := c.Restore("r", record{}, 1); !errors.Is(err, ErrExists) {
		t.Errorf("Restore() over live entry error = %v", err)
	}
}
