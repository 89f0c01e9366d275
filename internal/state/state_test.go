package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/livesync/internal/oplog"
	"github.com/hyperengineering/livesync/pkg/patch"
)

// mockLog records appended entries and can be told to fail.
type mockLog struct {
	mu      sync.Mutex
	entries []oplog.Entry
	err     error
}

func (m *mockLog) Append(e oplog.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func TestSet_CreatesAndVersions(t *testing.T) {
	// Given: an empty store
	log := &mockLog{}
	s := NewStore(log)

	// When: an entity is created then changed
	c1, err := s.Set("user", "123", map[string]any{"name": "Alice", "age": 25})
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	c2, err := s.Set("user", "123", map[string]any{"name": "Alice", "age": 26})
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	// Then
	if c1.Version != 1 || c2.Version != 2 {
		t.Errorf("versions = %d, %d, want 1, 2", c1.Version, c2.Version)
	}
	if c1.Key != "user:123" {
		t.Errorf("Key = %q, want user:123", c1.Key)
	}
	if len(c2.Patch) != 1 || c2.Patch[0].Path != "/age" || c2.Patch[0].Op != patch.OpReplace {
		t.Errorf("patch = %+v, want single replace of /age", c2.Patch)
	}
	if len(log.entries) != 2 || log.entries[1].Version != 2 {
		t.Errorf("log entries = %+v, want versions 1 and 2", log.entries)
	}
	if log.entries[1].PatchSize == 0 {
		t.Error("PatchSize should be filled")
	}
}

func TestSet_NoChangeKeepsVersion(t *testing.T) {
	log := &mockLog{}
	s := NewStore(log)
	mustSet(t, s, "user", "1", map[string]any{"name": "Alice"})

	c, err := s.Set("user", "1", map[string]any{"name": "Alice"})
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if c.Version != 1 {
		t.Errorf("Version = %d, want 1", c.Version)
	}
	if len(log.entries) != 1 {
		t.Errorf("log entries = %d, want 1", len(log.entries))
	}
}

func TestSet_InvalidKey(t *testing.T) {
	s := NewStore(nil)
	if _, err := s.Set("", "1", nil); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Set(empty entity) error = %v, want ErrInvalidKey", err)
	}
	if _, err := s.Set("user", "", nil); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Set(empty id) error = %v, want ErrInvalidKey", err)
	}
}

func TestEntityKey_SeparatorInTypeRejected(t *testing.T) {
	// Given: a:b/c and a/b:c would share the key "a:b:c"
	s := NewStore(nil)
	mustSet(t, s, "a", "b:c", map[string]any{"owner": "a"})

	// Then: the type containing the separator is refused everywhere
	if _, err := s.Set("a:b", "c", map[string]any{"owner": "a:b"}); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Set(a:b) error = %v, want ErrInvalidKey", err)
	}
	if _, err := s.Get("a:b", "c"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Get(a:b) error = %v, want ErrInvalidKey", err)
	}
	if _, err := s.Delete("a:b", "c"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Delete(a:b) error = %v, want ErrInvalidKey", err)
	}
	if _, _, ok := s.Lookup("a:b", "c"); ok {
		t.Error("Lookup(a:b) found the a/b:c entity")
	}

	// Then: the id may still contain the separator
	snap, err := s.Get("a", "b:c")
	if err != nil || snap.Data["owner"] != "a" {
		t.Errorf("Get(a, b:c) = %+v, %v", snap, err)
	}
}

func TestSet_LogFailureLeavesStateUnchanged(t *testing.T) {
	log := &mockLog{}
	s := NewStore(log)
	mustSet(t, s, "user", "1", map[string]any{"name": "Alice"})

	log.err = errors.New("boom")
	if _, err := s.Set("user", "1", map[string]any{"name": "Bob"}); err == nil {
		t.Fatal("Set() error = nil, want error")
	}

	snap, _ := s.Get("user", "1")
	if snap.Version != 1 || snap.Data["name"] != "Alice" {
		t.Errorf("Get() = %+v, want version 1 Alice", snap)
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	s := NewStore(nil)
	input := map[string]any{"tags": []any{"a"}, "name": "Alice"}
	mustSet(t, s, "user", "1", input)

	// Mutating the caller's map must not leak into the store.
	input["name"] = "Mallory"

	snap, err := s.Get("user", "1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if snap.Data["name"] != "Alice" {
		t.Errorf("name = %v, want Alice", snap.Data["name"])
	}

	snap.Data["tags"].([]any)[0] = "z"
	again, _ := s.Get("user", "1")
	if again.Data["tags"].([]any)[0] != "a" {
		t.Errorf("tags[0] = %v, want a", again.Data["tags"].([]any)[0])
	}
}

func TestGet_NotFound(t *testing.T) {
	s := NewStore(nil)
	if _, err := s.Get("user", "404"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
	if _, _, ok := s.Lookup("user", "404"); ok {
		t.Error("Lookup() ok = true, want false")
	}
}

func TestApply(t *testing.T) {
	s := NewStore(nil)
	mustSet(t, s, "user", "1", map[string]any{"name": "Alice", "age": 25})

	c, err := s.Apply("user", "1", []patch.Operation{{Op: patch.OpReplace, Path: "/age", Value: 26}})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if c.Version != 2 {
		t.Errorf("Version = %d, want 2", c.Version)
	}
	data, version, ok := s.Lookup("user", "1")
	if !ok || version != 2 || data["age"] != 26 || data["name"] != "Alice" {
		t.Errorf("Lookup() = %v, %d, %v", data, version, ok)
	}

	if _, err := s.Apply("user", "1", []patch.Operation{{Op: "move", Path: "/age"}}); !errors.Is(err, patch.ErrUnknownOp) {
		t.Errorf("Apply(move) error = %v, want ErrUnknownOp", err)
	}
	if _, err := s.Apply("user", "2", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Apply(missing) error = %v, want ErrNotFound", err)
	}
}

func TestDelete_TombstoneContinuesVersions(t *testing.T) {
	// Given: an entity at version 2
	log := &mockLog{}
	s := NewStore(log)
	mustSet(t, s, "user", "1", map[string]any{"name": "Alice"})
	mustSet(t, s, "user", "1", map[string]any{"name": "Alice", "age": 30})

	// When: it is deleted
	c, err := s.Delete("user", "1")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	// Then: the removal is logged as version 3 dropping every field
	if c.Version != 3 || len(c.Patch) != 2 {
		t.Errorf("Delete() = %+v, want version 3 with 2 removals", c)
	}
	for _, op := range c.Patch {
		if op.Op != patch.OpRemove {
			t.Errorf("op = %v, want remove", op.Op)
		}
	}
	if _, err := s.Get("user", "1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
	if _, err := s.Delete("user", "1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}

	// When: the entity is recreated
	c, err = s.Set("user", "1", map[string]any{"name": "Bob"})
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if c.Version != 4 {
		t.Errorf("recreated Version = %d, want 4", c.Version)
	}
	if got := len(log.entries); got != 4 {
		t.Errorf("log entries = %d, want 4", got)
	}
}

func TestStore_WithRealLog(t *testing.T) {
	log := oplog.New(oplog.Config{MaxEntries: 10})
	t.Cleanup(log.Dispose)
	s := NewStore(log)

	mustSet(t, s, "user", "123", map[string]any{"name": "Alice", "age": 25})
	mustSet(t, s, "user", "123", map[string]any{"name": "Alice", "age": 26})
	mustSet(t, s, "user", "123", map[string]any{"name": "Alice", "age": 27})

	entries := log.GetSince("user:123", 1)
	if len(entries) != 2 {
		t.Fatalf("GetSince(1) len = %d, want 2", len(entries))
	}

	batches := make([][]patch.Operation, len(entries))
	for i, e := range entries {
		batches[i] = e.Patch
	}
	got, err := patch.ApplyAll(map[string]any{"name": "Alice", "age": 25}, batches)
	if err != nil {
		t.Fatalf("ApplyAll() error = %v", err)
	}
	if got["age"] != 27 {
		t.Errorf("age = %v, want 27", got["age"])
	}
}

func TestConcurrentSet(t *testing.T) {
	log := oplog.New(oplog.Config{MaxEntries: 1000})
	t.Cleanup(log.Dispose)
	s := NewStore(log)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if _, err := s.Set("counter", "1", map[string]any{"w": w, "i": i}); err != nil {
					t.Errorf("Set() error = %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	snap, err := s.Get("counter", "1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	latest, _ := log.LatestVersion("counter:1")
	if snap.Version != latest {
		t.Errorf("store version %d != log latest %d", snap.Version, latest)
	}
}

// stalledArchiver never finishes a batch until release is closed.
type stalledArchiver struct {
	release chan struct{}
}

func (a *stalledArchiver) Archive(ctx context.Context, _ []oplog.Entry) error {
	select {
	case <-a.release:
	case <-ctx.Done():
	}
	return nil
}

func TestSet_EvictionDoesNotBlockReads(t *testing.T) {
	// Given: a log that evicts on every write and an archiver that stalls
	arch := &stalledArchiver{release: make(chan struct{})}
	log := oplog.New(oplog.Config{MaxEntries: 1}, oplog.WithArchiver(arch))
	t.Cleanup(func() {
		close(arch.release)
		log.Dispose()
	})
	s := NewStore(log)
	if _, err := s.Set("other", "9", map[string]any{"n": 0}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	// When: user:1 is written often enough to evict repeatedly
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			if _, err := s.Set("user", "1", map[string]any{"n": i}); err != nil {
				t.Errorf("Set() error = %v", err)
				return
			}
		}
	}()

	// Then: writes and reads of other entities proceed
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Set blocked on the archiver")
	}
	start := time.Now()
	if _, _, ok := s.Lookup("other", "9"); !ok {
		t.Fatal("Lookup(other:9) not found")
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Lookup took %v while archiving", elapsed)
	}
}

func mustSet(t *testing.T, s *Store, entity, id string, data map[string]any) {
	t.Helper()
	if _, err := s.Set(entity, id, data); err != nil {
		t.Fatalf("Set(%s, %s) error = %v", entity, id, err)
	}
}
