package affinity

import (
	"context"

	"github.com/txn2/workexec/pkg/executor"
	"github.com/txn2/workexec/pkg/identity"
)

// Stateful is the call-interception decorator for one stateful service
// instance. Construct it once per instance with Wrap and route every call
// through it; each call reuses the instance's session instead of opening one
// per call. The wrapper holds its target strongly - the manager's registry
// does not - so the instance lives exactly as long as its callers hold the
// wrapper.
//
// The caller contract is "do not call concurrently or recursively on the
// same instance": the wrapper detects violations, it does not serialize.
type Stateful[T any] struct {
	m    *Manager
	inst *T
}

// Wrap decorates a stateful service instance.
func Wrap[T any](m *Manager, inst *T) *Stateful[T] {
	return &Stateful[T]{m: m, inst: inst}
}

// Instance returns the wrapped service instance.
func (s *Stateful[T]) Instance() *T {
	return s.inst
}

// Call runs one non-terminal invocation: the instance's session is created
// or reconnected for the call and disconnected-but-retained on exit.
func (s *Stateful[T]) Call(ctx context.Context, p identity.Principal, method string, work executor.Work) error {
	return Run(ctx, s.m, s.inst, p, Call{Method: method}, work)
}

// Destroy runs the instance's terminal invocation: on exit the session is
// fully closed and the instance's registry entry retired. The instance must
// not be called again afterwards; a later call would open a fresh session.
func (s *Stateful[T]) Destroy(ctx context.Context, p identity.Principal, work executor.Work) error {
	return Run(ctx, s.m, s.inst, p, Call{Method: "destroy", Terminal: true}, work)
}
