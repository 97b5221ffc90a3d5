// Package memory provides the default in-memory implementation of
// authcache.Cache. State is process-local and not persisted: a restart empties
// the cache, which is safe because verification always falls back to the
// authoritative identity service.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tradcast/bridge/authcache"
)

// Cache is an in-memory authcache.Cache with lazy expiry on Lookup and a
// background sweeper that runs every authcache.SweepInterval.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]authcache.Entry

	ttl   time.Duration
	nowFn func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// Option configures the memory cache. Options exist primarily so tests can
// compress time; production callers use New() as-is.
type Option func(*Cache)

// WithTTL overrides the entry TTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithNowFunc overrides the clock.
func WithNowFunc(now func() time.Time) Option {
	return func(c *Cache) { c.nowFn = now }
}

// New constructs the cache and starts its sweeper. Call Close to stop it.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]authcache.Entry),
		ttl:     authcache.TTL,
		nowFn:   time.Now,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.runSweeper()
	return c
}

func (c *Cache) Lookup(ctx context.Context, credential string) (int64, bool, error) {
	if ctx.Err() != nil {
		return 0, false, ctx.Err()
	}
	key := authcache.HashCredential(credential)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return 0, false, nil
	}

	if c.nowFn().After(entry.ExpiresAt) {
		// Lazy expiry: the sweep may not have run yet.
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur.ExpiresAt.Equal(entry.ExpiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return 0, false, nil
	}

	return entry.FID, true, nil
}

func (c *Cache) Store(ctx context.Context, credential string, fid int64) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	now := c.nowFn()
	entry := authcache.Entry{
		FID:       fid,
		CachedAt:  now,
		ExpiresAt: now.Add(c.ttl),
	}

	c.mu.Lock()
	c.entries[authcache.HashCredential(credential)] = entry
	c.mu.Unlock()
	return nil
}

func (c *Cache) Invalidate(ctx context.Context, credential string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	c.mu.Lock()
	delete(c.entries, authcache.HashCredential(credential))
	c.mu.Unlock()
	return nil
}

func (c *Cache) Sweep(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	now := c.nowFn()

	c.mu.Lock()
	for key, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
	return nil
}

// Len reports the number of live entries, expired or not. Intended for
// observability and tests.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		<-c.done
	})
	return nil
}

func (c *Cache) runSweeper() {
	defer close(c.done)
	ticker := time.NewTicker(authcache.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweepOnce()
		}
	}
}

// sweepOnce isolates a single sweep so a panic can never kill the sweeper
// loop and stop future sweeps.
func (c *Cache) sweepOnce() {
	defer func() { _ = recover() }()
	_ = c.Sweep(context.Background())
}
