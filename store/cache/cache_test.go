package cache

import (
	"context"
	"testing"
	"time"
)

func TestCacheSetGet(t *testing.T) {
	ctx := context.Background()
	c := New(Config{DefaultTTL: time.Minute, CleanupInterval: time.Minute, MaxItems: 10})
	defer c.Close()

	c.Set(ctx, "a", 1)
	got, ok := c.Get(ctx, "a")
	if !ok || got.(int) != 1 {
		t.Fatalf("expected 1, got %v (ok=%v)", got, ok)
	}

	c.Delete(ctx, "a")
	if _, ok := c.Get(ctx, "a"); ok {
		t.Error("expected key to be deleted")
	}
}

func TestCacheExpiry(t *testing.T) {
	ctx := context.Background()
	c := New(Config{DefaultTTL: time.Minute, CleanupInterval: time.Minute, MaxItems: 10})
	defer c.Close()

	c.SetWithTTL(ctx, "a", 1, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get(ctx, "a"); ok {
		t.Error("expected entry to expire")
	}
}

func TestCacheEviction(t *testing.T) {
	ctx := context.Background()
	evicted := make(map[string]bool)
	c := New(Config{
		DefaultTTL:      time.Minute,
		CleanupInterval: time.Minute,
		MaxItems:        2,
		OnEviction:      func(key string, _ any) { evicted[key] = true },
	})
	defer c.Close()

	c.SetWithTTL(ctx, "a", 1, time.Second)
	c.SetWithTTL(ctx, "b", 2, time.Minute)
	c.Set(ctx, "c", 3)

	if len(evicted) != 1 {
		t.Fatalf("expected one eviction, got %v", evicted)
	}
	if !evicted["a"] {
		t.Errorf("expected the entry closest to expiry to be evicted, got %v", evicted)
	}
}
