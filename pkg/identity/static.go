package identity

import (
	"context"
	"fmt"
	"sync/atomic"
)

// StaticProvider authorizes principals against a fixed allowlist of names.
// It is intended for internal executors and tests where the surrounding
// process has already vetted its callers.
type StaticProvider struct {
	allowed map[string]struct{}
	active  atomic.Int64
}

// NewStaticProvider creates a provider that accepts the given principal names.
// An empty list accepts every principal.
func NewStaticProvider(names ...string) *StaticProvider {
	allowed := make(map[string]struct{}, len(names))
	for _, n := range names {
		allowed[n] = struct{}{}
	}
	return &StaticProvider{allowed: allowed}
}

// Login accepts p if its name is on the allowlist.
func (s *StaticProvider) Login(ctx context.Context, p Principal) (context.Context, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("empty principal name: %w", ErrUnauthorized)
	}
	if len(s.allowed) > 0 {
		if _, ok := s.allowed[p.Name]; !ok {
			return nil, fmt.Errorf("principal %q: %w", p.Name, ErrUnauthorized)
		}
	}
	s.active.Add(1)
	return WithPrincipal(ctx, p), nil
}

// Logout tears down the authenticated context. Calls beyond the number of
// successful logins are ignored.
func (s *StaticProvider) Logout(ctx context.Context) {
	if _, ok := FromContext(ctx); !ok {
		return
	}
	for {
		n := s.active.Load()
		if n <= 0 {
			return
		}
		if s.active.CompareAndSwap(n, n-1) {
			return
		}
	}
}

// Active reports the number of logins that have not been logged out.
func (s *StaticProvider) Active() int64 {
	return s.active.Load()
}

// Verify interface compliance.
var _ Provider = (*StaticProvider)(nil)
