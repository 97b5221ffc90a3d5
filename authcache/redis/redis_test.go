package redis

import (
	"testing"

	"github.com/tradcast/bridge/authcache"
	"github.com/tradcast/bridge/authcache/cachetest"
)

func TestRedisCacheConformance(t *testing.T) {
	// Quick availability check to allow graceful skip in environments without Redis.
	c, err := NewFromEnv()
	if err != nil {
		t.Skipf("skipping redis cache tests: %v", err)
		return
	}
	_ = c.Close()

	cachetest.RunCacheTests(t, func(t *testing.T) authcache.Cache {
		cc, err := NewFromEnv()
		if err != nil {
			t.Fatalf("NewFromEnv: %v", err)
		}
		return cc
	})
}
