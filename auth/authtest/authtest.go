// Package authtest provides scripted auth.Verifier implementations for tests
// and development environments where the Quick Auth service is unavailable.
package authtest

import (
	"context"
	"sync"

	"github.com/tradcast/bridge/auth"
)

// Static is a test verifier that resolves credentials from a fixed table and
// counts how many times it was consulted.
type Static struct {
	mu    sync.Mutex
	fids  map[string]int64
	err   error
	calls int
}

// NewStatic creates a Static verifier. Credentials absent from fids fail with
// auth.ErrInvalidCredential.
func NewStatic(fids map[string]int64) *Static {
	if fids == nil {
		fids = make(map[string]int64)
	}
	return &Static{fids: fids}
}

// FailWith makes every subsequent Verify return err. Pass nil to restore the
// table lookup.
func (s *Static) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Calls reports how many times Verify has been invoked.
func (s *Static) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Static) Verify(ctx context.Context, credential, domain string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return 0, s.err
	}
	if credential == "" {
		return 0, auth.ErrMissingCredential
	}
	fid, ok := s.fids[credential]
	if !ok {
		return 0, auth.ErrInvalidCredential
	}
	return fid, nil
}
