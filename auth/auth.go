// Package auth verifies inbound bearer credentials against the Farcaster
// Quick Auth identity service and resolves them to a stable numeric fid.
//
// Two entry points exist: the cached path used by ordinary requests, and a
// fresh path for state-changing actions that must not trust a cached result.
// Both enforce the same failure taxonomy.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ErrMissingCredential indicates no bearer credential was present on the
// request. Surfaced as HTTP 401 at the boundary.
var ErrMissingCredential = errors.New("auth: missing token")

// ErrInvalidCredential indicates the identity service rejected the
// credential's signature or expiry. Surfaced as HTTP 401 at the boundary.
// Any other fault from the identity service propagates unchanged.
var ErrInvalidCredential = errors.New("auth: invalid token")

// Verifier validates a bearer credential for a serving domain and returns the
// Farcaster id it is bound to. Implementations must return
// ErrInvalidCredential for signature/expiry failures and pass through
// transient faults unwrapped into the taxonomy.
type Verifier interface {
	Verify(ctx context.Context, credential, domain string) (fid int64, err error)
}

// CredentialFromRequest extracts the bearer credential from the Authorization
// header. Returns ErrMissingCredential if the header is absent or not a
// Bearer scheme.
func CredentialFromRequest(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", ErrMissingCredential
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", ErrMissingCredential
	}
	return parts[1], nil
}

// DomainFromRequest derives the domain presented to the identity service from
// the inbound request's Host, with a configured fallback when absent.
func DomainFromRequest(r *http.Request, fallback string) string {
	if r.Host != "" {
		return r.Host
	}
	return fallback
}
