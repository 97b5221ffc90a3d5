// Package authcache defines the process-wide verification cache used to avoid
// re-validating a signed credential on every request. Entries map a one-way
// hash of the credential to the previously verified Farcaster id; raw
// credentials are never retained.
//
// The cache has an explicit lifecycle: construct it at process start, Close it
// on shutdown. Implementations live in the memory and redis subpackages.
package authcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

const (
	// TTL is how long a verified credential stays usable without a fresh
	// check against the identity service.
	TTL = 5 * time.Minute

	// SweepInterval is how often implementations purge expired entries,
	// independent of request traffic.
	SweepInterval = 2 * time.Minute
)

// Entry is a verified identity record. ExpiresAt is always CachedAt + TTL;
// entries are never updated in place.
type Entry struct {
	FID       int64
	CachedAt  time.Time
	ExpiresAt time.Time
}

// Cache maps hashed credentials to verified Farcaster ids.
//
// Lookup must treat an entry past its expiry as absent (and may delete it
// eagerly) even if no sweep has run yet. Concurrent Store calls for the same
// credential are benign: both writes carry the same fid and last write wins.
type Cache interface {
	// Lookup returns the cached fid for the credential, or ok=false if the
	// credential has never been verified or its entry has expired.
	Lookup(ctx context.Context, credential string) (fid int64, ok bool, err error)

	// Store records a freshly verified fid for the credential.
	Store(ctx context.Context, credential string, fid int64) error

	// Invalidate drops any entry for the credential.
	Invalidate(ctx context.Context, credential string) error

	// Sweep removes all expired entries. Implementations whose backing store
	// expires keys natively may make this a no-op.
	Sweep(ctx context.Context) error

	// Close releases background resources (sweeper goroutines, connections).
	// The cache must not be used after Close.
	Close() error
}

// HashCredential derives the cache key for a credential. The raw bearer token
// must never be used as a key or logged.
func HashCredential(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}
