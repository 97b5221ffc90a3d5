// Package cachetest provides a conformance suite that every authcache.Cache
// implementation must pass.
package cachetest

import (
	"context"
	"testing"

	"github.com/tradcast/bridge/authcache"
)

// RunCacheTests exercises the authcache.Cache contract against a fresh cache
// per subtest. The factory must return a ready-to-use cache; the suite closes
// it when the subtest ends.
func RunCacheTests(t *testing.T, factory func(t *testing.T) authcache.Cache) {
	t.Helper()

	t.Run("LookupUnknownCredential", func(t *testing.T) {
		c := factory(t)
		defer c.Close()

		_, ok, err := c.Lookup(context.Background(), "never-seen")
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if ok {
			t.Fatal("expected miss for unknown credential")
		}
	})

	t.Run("StoreThenLookup", func(t *testing.T) {
		c := factory(t)
		defer c.Close()
		ctx := context.Background()

		if err := c.Store(ctx, "cred-a", 777); err != nil {
			t.Fatalf("Store: %v", err)
		}
		fid, ok, err := c.Lookup(ctx, "cred-a")
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if !ok || fid != 777 {
			t.Fatalf("want fid 777, got %d (ok=%v)", fid, ok)
		}
	})

	t.Run("LastStoreWins", func(t *testing.T) {
		c := factory(t)
		defer c.Close()
		ctx := context.Background()

		if err := c.Store(ctx, "cred-b", 1); err != nil {
			t.Fatalf("Store: %v", err)
		}
		if err := c.Store(ctx, "cred-b", 2); err != nil {
			t.Fatalf("Store: %v", err)
		}
		fid, ok, err := c.Lookup(ctx, "cred-b")
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if !ok || fid != 2 {
			t.Fatalf("want fid 2, got %d (ok=%v)", fid, ok)
		}
	})

	t.Run("Invalidate", func(t *testing.T) {
		c := factory(t)
		defer c.Close()
		ctx := context.Background()

		if err := c.Store(ctx, "cred-c", 9); err != nil {
			t.Fatalf("Store: %v", err)
		}
		if err := c.Invalidate(ctx, "cred-c"); err != nil {
			t.Fatalf("Invalidate: %v", err)
		}
		_, ok, err := c.Lookup(ctx, "cred-c")
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if ok {
			t.Fatal("expected miss after Invalidate")
		}
	})

	t.Run("CredentialsDoNotCollide", func(t *testing.T) {
		c := factory(t)
		defer c.Close()
		ctx := context.Background()

		if err := c.Store(ctx, "cred-d", 10); err != nil {
			t.Fatalf("Store: %v", err)
		}
		if err := c.Store(ctx, "cred-e", 11); err != nil {
			t.Fatalf("Store: %v", err)
		}
		fid, ok, err := c.Lookup(ctx, "cred-d")
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if !ok || fid != 10 {
			t.Fatalf("want fid 10, got %d (ok=%v)", fid, ok)
		}
	})
}
