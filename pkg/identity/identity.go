// Package identity establishes the authenticated context that surrounds every
// unit of work. It defines the Provider interface (login/logout semantics
// only), the Principal token consumed at login, and context plumbing so that
// nested code can discover the current principal without parameter threading.
package identity

import (
	"context"
	"errors"
)

// ErrUnauthorized is returned by Login when a principal is rejected.
var ErrUnauthorized = errors.New("principal rejected")

// Principal is the identity token used to establish an authenticated context
// for a single work execution. It is consumed at Login and discarded at
// Logout; this package keeps no persistent ownership of it.
type Principal struct {
	// Name identifies the principal.
	Name string

	// Group is the group the work executes under.
	Group string

	// Event labels the kind of work being performed (e.g. "Internal",
	// "Indexing"). Informational; recorded in the work log.
	Event string

	// Secret is the credential presented to providers that verify one.
	// Never logged.
	Secret string
}

// Provider establishes and tears down authenticated contexts.
type Provider interface {
	// Login establishes an authenticated context for p. On success it returns
	// a derived context carrying the principal; a rejected principal yields
	// an error wrapping ErrUnauthorized and no other side effect.
	Login(ctx context.Context, p Principal) (context.Context, error)

	// Logout tears down the authenticated context. It is idempotent and safe
	// to call with any context, including one Login never touched.
	Logout(ctx context.Context)
}

// contextKey is a private type for context keys.
type contextKey int

const (
	principalContextKey contextKey = iota
)

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// FromContext retrieves the principal from the context, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	return p, ok
}
