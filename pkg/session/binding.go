package session

import (
	"context"
	"sync"
)

// Binding is the per-worker resource slot that makes "the current session"
// discoverable by nested code without explicit parameter threading. Each
// worker goroutine owns one Binding for its lifetime and attaches it to the
// contexts of the calls it makes; a session left in the slot after a call
// returns is evidence that an earlier call failed to unwind.
type Binding struct {
	mu   sync.Mutex
	sess *Session
}

// NewBinding creates an empty binding.
func NewBinding() *Binding {
	return &Binding{}
}

// Bind places s in the slot. It fails if the slot is occupied or if s is
// already bound elsewhere.
func (b *Binding) Bind(s *Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sess != nil {
		return ErrAlreadyBound
	}
	if err := s.acquire(); err != nil {
		return err
	}
	b.sess = s
	return nil
}

// Unbind clears the slot unconditionally. Safe to call on an empty binding.
func (b *Binding) Unbind() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sess != nil {
		b.sess.release()
		b.sess = nil
	}
}

// Current returns the bound session, or nil.
func (b *Binding) Current() *Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sess
}

// Bound reports whether a session occupies the slot.
func (b *Binding) Bound() bool {
	return b.Current() != nil
}

// contextKey is a private type for context keys.
type contextKey int

const (
	bindingContextKey contextKey = iota
)

// WithBinding returns a context carrying b.
func WithBinding(ctx context.Context, b *Binding) context.Context {
	return context.WithValue(ctx, bindingContextKey, b)
}

// BindingFromContext retrieves the worker's binding from the context, or nil.
func BindingFromContext(ctx context.Context) *Binding {
	if b, ok := ctx.Value(bindingContextKey).(*Binding); ok {
		return b
	}
	return nil
}

// Current returns the session bound to the context's worker, or nil. It is
// the discovery point for nested code that needs the ambient session.
func Current(ctx context.Context) *Session {
	if b := BindingFromContext(ctx); b != nil {
		return b.Current()
	}
	return nil
}
