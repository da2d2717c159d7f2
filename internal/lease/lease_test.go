package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, s
}

func TestRedisAcquireIsExclusive(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	ok, err := store.Acquire(ctx, "spreadsheet:v1", "a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire should succeed, got %v %v", ok, err)
	}

	ok, err = store.Acquire(ctx, "spreadsheet:v1", "b", time.Minute)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if ok {
		t.Error("second holder must not get the lease")
	}

	ok, err = store.Acquire(ctx, "spreadsheet:v1", "a", time.Minute)
	if err != nil || !ok {
		t.Errorf("holder re-acquire should succeed, got %v %v", ok, err)
	}
}

func TestRedisReleaseChecksHolder(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	if _, err := store.Acquire(ctx, "note:n1", "a", time.Minute); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if err := store.Release(ctx, "note:n1", "b"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if holder, _ := s.Get("notesync:lock:note:n1"); holder != "a" {
		t.Errorf("foreign release must not drop the lease, holder=%q", holder)
	}

	if err := store.Release(ctx, "note:n1", "a"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if s.Exists("notesync:lock:note:n1") {
		t.Error("lease should be free")
	}
}

func TestRedisLeaseExpires(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	if _, err := store.Acquire(ctx, "note:n1", "a", time.Second); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	s.FastForward(2 * time.Second)

	ok, err := store.Acquire(ctx, "note:n1", "b", time.Second)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !ok {
		t.Error("expired lease should be acquirable")
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	store.now = func() time.Time { return now }

	if ok, _ := store.Acquire(ctx, "k", "a", time.Second); !ok {
		t.Fatal("first acquire should succeed")
	}
	if ok, _ := store.Acquire(ctx, "k", "b", time.Second); ok {
		t.Error("second holder must not get the lease")
	}

	store.Release(ctx, "k", "b")
	if ok, _ := store.Acquire(ctx, "k", "b", time.Second); ok {
		t.Error("foreign release must not drop the lease")
	}

	now = now.Add(2 * time.Second)
	if ok, _ := store.Acquire(ctx, "k", "b", time.Second); !ok {
		t.Error("expired lease should be acquirable")
	}

	store.Release(ctx, "k", "b")
	if ok, _ := store.Acquire(ctx, "k", "a", time.Second); !ok {
		t.Error("released lease should be acquirable")
	}
}
