package auth

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/tradcast/bridge/authcache"
)

// CachedVerifier wraps a Verifier with a verification cache so a credential
// that was verified within the cache TTL is not re-validated against the
// identity service.
type CachedVerifier struct {
	verifier Verifier
	cache    authcache.Cache
	fallback string
	log      *slog.Logger
}

// CachedOption configures a CachedVerifier.
type CachedOption func(*CachedVerifier)

// WithFallbackDomain sets the domain used when a request carries no Host.
func WithFallbackDomain(domain string) CachedOption {
	return func(v *CachedVerifier) { v.fallback = domain }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) CachedOption {
	return func(v *CachedVerifier) { v.log = log }
}

// NewCachedVerifier builds a CachedVerifier over the given verifier and cache.
func NewCachedVerifier(verifier Verifier, cache authcache.Cache, opts ...CachedOption) *CachedVerifier {
	v := &CachedVerifier{
		verifier: verifier,
		cache:    cache,
		fallback: "localhost:3000",
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify resolves the credential through the cache, falling back to the
// underlying verifier on a miss. A successful fresh verification populates
// the cache. Cache faults degrade to an authoritative check rather than
// failing the request.
func (v *CachedVerifier) Verify(ctx context.Context, credential, domain string) (int64, error) {
	if credential == "" {
		return 0, ErrMissingCredential
	}

	fid, ok, err := v.cache.Lookup(ctx, credential)
	if err != nil {
		v.log.WarnContext(ctx, "auth cache lookup failed, falling back to verifier", slog.String("err", err.Error()))
	} else if ok {
		return fid, nil
	}

	return v.VerifyFresh(ctx, credential, domain)
}

// VerifyFresh always consults the identity service, ignoring any cached
// entry. Used for highly sensitive state-changing actions. A success still
// populates the cache for subsequent ordinary requests.
func (v *CachedVerifier) VerifyFresh(ctx context.Context, credential, domain string) (int64, error) {
	if credential == "" {
		return 0, ErrMissingCredential
	}

	fid, err := v.verifier.Verify(ctx, credential, domain)
	if err != nil {
		return 0, err
	}

	if err := v.cache.Store(ctx, credential, fid); err != nil {
		v.log.WarnContext(ctx, "auth cache store failed", slog.String("err", err.Error()))
	}
	return fid, nil
}

// VerifyRequest extracts the credential and domain from an inbound request
// and verifies through the cached path.
func (v *CachedVerifier) VerifyRequest(ctx context.Context, r *http.Request) (int64, error) {
	credential, err := CredentialFromRequest(r)
	if err != nil {
		return 0, err
	}
	return v.Verify(ctx, credential, DomainFromRequest(r, v.fallback))
}

// VerifyRequestFresh is VerifyRequest through the non-cached path.
func (v *CachedVerifier) VerifyRequestFresh(ctx context.Context, r *http.Request) (int64, error) {
	credential, err := CredentialFromRequest(r)
	if err != nil {
		return 0, err
	}
	return v.VerifyFresh(ctx, credential, DomainFromRequest(r, v.fallback))
}
