package oidc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryStateStore_SaveTake(t *testing.T) {
	t.Parallel()

	store := NewMemoryStateStore()
	ctx := context.Background()
	now := time.Now()

	p := &PendingLogin{State: "abc123", Nonce: "n", CodeVerifier: "v", CreatedAt: now, ExpiresAt: now.Add(time.Minute)}
	if err := store.Save(ctx, p); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := store.Save(ctx, p); err == nil {
		t.Error("Expected error saving a duplicate state")
	}

	got, err := store.Take(ctx, "abc123")
	if err != nil {
		t.Fatalf("Take() error = %v", err)
	}
	if got.Nonce != "n" || got.CodeVerifier != "v" {
		t.Errorf("Take() = %+v", got)
	}

	if _, err := store.Take(ctx, "abc123"); !errors.Is(err, ErrStateNotFound) {
		t.Errorf("second Take() error = %v, want ErrStateNotFound", err)
	}
	if _, err := store.Take(ctx, "xyz999"); !errors.Is(err, ErrStateNotFound) {
		t.Errorf("Take(unknown) error = %v, want ErrStateNotFound", err)
	}
}

func TestMemoryStateStore_Expiry(t *testing.T) {
	t.Parallel()

	store := NewMemoryStateStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	current := base
	store.now = func() time.Time { return current }
	ctx := context.Background()

	if err := store.Save(ctx, &PendingLogin{State: "old", CreatedAt: base, ExpiresAt: base.Add(time.Minute)}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	current = base.Add(time.Minute)
	if _, err := store.Take(ctx, "old"); !errors.Is(err, ErrStateNotFound) {
		t.Errorf("Take(expired) error = %v, want ErrStateNotFound", err)
	}

	if err := store.Save(ctx, &PendingLogin{State: "stale", CreatedAt: base, ExpiresAt: base.Add(time.Second)}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := store.Save(ctx, &PendingLogin{State: "fresh", CreatedAt: current, ExpiresAt: current.Add(time.Minute)}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if n := len(store.pending); n != 1 {
		t.Errorf("pending entries = %d, want expired entries evicted", n)
	}
}

func TestMemoryStateStore_ConcurrentTake(t *testing.T) {
	t.Parallel()

	store := NewMemoryStateStore()
	ctx := context.Background()
	now := time.Now()
	if err := store.Save(ctx, &PendingLogin{State: "race", CreatedAt: now, ExpiresAt: now.Add(time.Minute)}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Take(ctx, "race"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("Take() succeeded %d times, want exactly 1", wins.Load())
	}
}

func TestRedisStateStore_Key(t *testing.T) {
	t.Parallel()

	store := NewRedisStateStore(nil)
	if got := store.key("abc"); got != "sessiongate:login:abc" {
		t.Errorf("key() = %q", got)
	}
	err := store.Save(context.Background(), &PendingLogin{State: "abc", ExpiresAt: time.Now().Add(-time.Second)})
	if err == nil {
		t.Error("Expected error saving an already expired login")
	}
}
