package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tradcast/bridge/authcache"
	"github.com/tradcast/bridge/authcache/cachetest"
)

func TestMemoryCacheConformance(t *testing.T) {
	cachetest.RunCacheTests(t, func(t *testing.T) authcache.Cache {
		return New()
	})
}

func TestLookupExpiresLazily(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	clock := now
	c := New(WithNowFunc(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}))
	defer c.Close()
	ctx := context.Background()

	if err := c.Store(ctx, "cred", 42); err != nil {
		t.Fatalf("Store: %v", err)
	}

	// Just inside the TTL window: still a hit.
	mu.Lock()
	clock = now.Add(authcache.TTL - time.Second)
	mu.Unlock()
	fid, ok, err := c.Lookup(ctx, "cred")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !ok || fid != 42 {
		t.Fatalf("want hit with fid 42, got %d (ok=%v)", fid, ok)
	}

	// Past expiry: absent even though no sweep has run, and the entry is
	// deleted eagerly.
	mu.Lock()
	clock = now.Add(authcache.TTL + time.Second)
	mu.Unlock()
	_, ok, err = c.Lookup(ctx, "cred")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ok {
		t.Fatal("expected miss after TTL expiry")
	}
	if got := c.Len(); got != 0 {
		t.Fatalf("expected lazy delete of expired entry, %d entries remain", got)
	}
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	clock := now
	c := New(WithNowFunc(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}))
	defer c.Close()
	ctx := context.Background()

	if err := c.Store(ctx, "old", 1); err != nil {
		t.Fatalf("Store: %v", err)
	}
	mu.Lock()
	clock = now.Add(authcache.TTL - time.Minute)
	mu.Unlock()
	if err := c.Store(ctx, "fresh", 2); err != nil {
		t.Fatalf("Store: %v", err)
	}

	mu.Lock()
	clock = now.Add(authcache.TTL + time.Second)
	mu.Unlock()
	if err := c.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if got := c.Len(); got != 1 {
		t.Fatalf("want 1 surviving entry, got %d", got)
	}
	fid, ok, err := c.Lookup(ctx, "fresh")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !ok || fid != 2 {
		t.Fatalf("fresh entry should survive sweep, got %d (ok=%v)", fid, ok)
	}
}

func TestConcurrentStoreLookup(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = c.Store(ctx, "shared", 123)
				_, _, _ = c.Lookup(ctx, "shared")
			}
		}()
	}
	wg.Wait()

	fid, ok, err := c.Lookup(ctx, "shared")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !ok || fid != 123 {
		t.Fatalf("want fid 123, got %d (ok=%v)", fid, ok)
	}
}
