package auth_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/tradcast/bridge/auth"
	"github.com/tradcast/bridge/auth/authtest"
	"github.com/tradcast/bridge/authcache"
	"github.com/tradcast/bridge/authcache/memory"
)

func TestCachedVerifySingleUpstreamCallWithinTTL(t *testing.T) {
	upstream := authtest.NewStatic(map[string]int64{"tok": 42})
	cache := memory.New()
	defer cache.Close()
	v := auth.NewCachedVerifier(upstream, cache)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		fid, err := v.Verify(ctx, "tok", "tradcast.example")
		if err != nil {
			t.Fatalf("Verify #%d: %v", i+1, err)
		}
		if fid != 42 {
			t.Fatalf("Verify #%d: want fid 42, got %d", i+1, fid)
		}
	}

	if got := upstream.Calls(); got != 1 {
		t.Fatalf("want exactly 1 upstream verification, got %d", got)
	}
}

func TestCachedVerifyReverifiesAfterExpiry(t *testing.T) {
	upstream := authtest.NewStatic(map[string]int64{"tok": 42})

	now := time.Now()
	var mu sync.Mutex
	clock := now
	cache := memory.New(memory.WithNowFunc(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}))
	defer cache.Close()

	v := auth.NewCachedVerifier(upstream, cache)
	ctx := context.Background()

	if _, err := v.Verify(ctx, "tok", "tradcast.example"); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	mu.Lock()
	clock = now.Add(authcache.TTL + time.Second)
	mu.Unlock()

	if _, err := v.Verify(ctx, "tok", "tradcast.example"); err != nil {
		t.Fatalf("Verify after expiry: %v", err)
	}
	if got := upstream.Calls(); got != 2 {
		t.Fatalf("want a second upstream verification after TTL, got %d calls", got)
	}
}

func TestVerifyFreshBypassesCache(t *testing.T) {
	upstream := authtest.NewStatic(map[string]int64{"tok": 42})
	cache := memory.New()
	defer cache.Close()
	v := auth.NewCachedVerifier(upstream, cache)
	ctx := context.Background()

	if _, err := v.Verify(ctx, "tok", "tradcast.example"); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if _, err := v.VerifyFresh(ctx, "tok", "tradcast.example"); err != nil {
		t.Fatalf("VerifyFresh: %v", err)
	}
	if got := upstream.Calls(); got != 2 {
		t.Fatalf("VerifyFresh must hit upstream, got %d calls", got)
	}
}

func TestInvalidCredentialNotCached(t *testing.T) {
	upstream := authtest.NewStatic(map[string]int64{"good": 7})
	cache := memory.New()
	defer cache.Close()
	v := auth.NewCachedVerifier(upstream, cache)
	ctx := context.Background()

	if _, err := v.Verify(ctx, "bad", "tradcast.example"); !errors.Is(err, auth.ErrInvalidCredential) {
		t.Fatalf("want ErrInvalidCredential, got %v", err)
	}
	if _, err := v.Verify(ctx, "bad", "tradcast.example"); !errors.Is(err, auth.ErrInvalidCredential) {
		t.Fatalf("want ErrInvalidCredential on retry, got %v", err)
	}
	if got := upstream.Calls(); got != 2 {
		t.Fatalf("failures must not populate the cache, got %d calls", got)
	}
}

func TestTransientUpstreamFaultPropagates(t *testing.T) {
	upstream := authtest.NewStatic(map[string]int64{"tok": 42})
	transient := errors.New("jwks fetch: connection refused")
	upstream.FailWith(transient)

	cache := memory.New()
	defer cache.Close()
	v := auth.NewCachedVerifier(upstream, cache)

	_, err := v.Verify(context.Background(), "tok", "tradcast.example")
	if !errors.Is(err, transient) {
		t.Fatalf("transient fault must propagate unchanged, got %v", err)
	}
}

func TestCredentialFromRequest(t *testing.T) {
	t.Run("missing header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/api/home", nil)
		if _, err := auth.CredentialFromRequest(r); !errors.Is(err, auth.ErrMissingCredential) {
			t.Fatalf("want ErrMissingCredential, got %v", err)
		}
	})

	t.Run("wrong scheme", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/api/home", nil)
		r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		if _, err := auth.CredentialFromRequest(r); !errors.Is(err, auth.ErrMissingCredential) {
			t.Fatalf("want ErrMissingCredential, got %v", err)
		}
	})

	t.Run("bearer", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/api/home", nil)
		r.Header.Set("Authorization", "Bearer abc123")
		cred, err := auth.CredentialFromRequest(r)
		if err != nil {
			t.Fatalf("CredentialFromRequest: %v", err)
		}
		if cred != "abc123" {
			t.Fatalf("want abc123, got %q", cred)
		}
	})
}

func TestDomainFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/home", nil)
	r.Host = "tradcast.example"
	if got := auth.DomainFromRequest(r, "localhost:3000"); got != "tradcast.example" {
		t.Fatalf("want request host, got %q", got)
	}

	r.Host = ""
	if got := auth.DomainFromRequest(r, "localhost:3000"); got != "localhost:3000" {
		t.Fatalf("want fallback, got %q", got)
	}
}
