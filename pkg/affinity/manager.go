// Package affinity intercepts calls on long-lived stateful service instances
// and pins each instance to a single reusable work session. Calls on anything
// else delegate straight to the executor's one-session-per-call path.
//
// The manager keeps a registry mapping each stateful instance to its session
// and in-flight call count. Keys are held weakly: tracking an instance never
// keeps it alive, and the session of a collected instance is closed during
// reclamation. The manager detects, rather than prevents, concurrent use of
// one instance: a second call that overlaps an in-flight call is rejected
// with ErrReentrantCall. Callers are expected to serialize their own access.
package affinity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"
	"weak"

	"github.com/txn2/workexec/pkg/executor"
	"github.com/txn2/workexec/pkg/identity"
	"github.com/txn2/workexec/pkg/session"
	"github.com/txn2/workexec/pkg/worklog"
)

var (
	// ErrReentrantCall is returned when a call enters a stateful instance
	// whose session is already serving an in-flight call. Either two workers
	// are operating on the same stateful instance, or a call recursed into
	// its own wrapper.
	ErrReentrantCall = errors.New("stateful session is not re-entrant")

	// ErrDirtyBinding is returned when an unexpected session is found bound
	// to the calling worker at entry. The stale session is force-closed; the
	// fault indicates an earlier call failed to unwind correctly.
	ErrDirtyBinding = errors.New("dirty session bound at call entry")

	// ErrManagerClosed is returned by calls entering after Close.
	ErrManagerClosed = errors.New("affinity manager is closed")
)

// Call describes one invocation on a stateful service instance.
type Call struct {
	// Method names the invocation for the work log.
	Method string

	// Terminal marks the instance's lifecycle-ending call: the session is
	// fully closed instead of disconnected, and the registry entry retired.
	Terminal bool
}

// SessionStatus is the per-instance record: the instance's session and the
// number of in-flight calls using it. The count never legitimately exceeds
// one except transiently across a single call's entry and exit.
type SessionStatus struct {
	calls   int
	session *session.Session
}

// entry pairs a SessionStatus with liveness of its weakly-held instance.
type entry struct {
	status *SessionStatus
	alive  func() bool
}

// Manager is the session affinity layer. Safe for concurrent use by workers
// operating on distinct instances.
type Manager struct {
	ids      identity.Provider
	sessions *session.Provider
	exec     *executor.Executor
	logger   *slog.Logger

	mu      sync.Mutex
	closed  bool
	entries map[any]*entry

	cancel context.CancelFunc
	done   chan struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a session affinity manager in front of exec.
func NewManager(ids identity.Provider, sessions *session.Provider, exec *executor.Executor, opts ...ManagerOption) *Manager {
	m := &Manager{
		ids:      ids,
		sessions: sessions,
		exec:     exec,
		logger:   slog.Default(),
		entries:  make(map[any]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Execute is the delegate path: a stateless call that gets its own session
// and transaction, with no registry involvement.
func (m *Manager) Execute(ctx context.Context, p identity.Principal, work executor.Work) error {
	return m.exec.Execute(ctx, p, work)
}

// Run intercepts one call on the stateful instance inst. The instance's
// session is created on first call, reconnected to the calling worker on
// subsequent calls, and either disconnected (non-terminal) or closed
// (terminal) on exit. Overlapping calls on one instance are rejected.
func Run[T any](ctx context.Context, m *Manager, inst *T, p identity.Principal, call Call, work executor.Work) error {
	if inst == nil {
		return fmt.Errorf("nil stateful instance")
	}
	ref := weak.Make(inst)
	register := func(reap func(any)) {
		runtime.AddCleanup(inst, reap, any(ref))
	}
	err := m.run(ctx, ref, func() bool { return ref.Value() != nil }, register, p, call, work)
	// The instance must stay reachable for the duration of its own call so
	// that reclamation cannot race the unwind.
	runtime.KeepAlive(inst)
	return err
}

// run is the interception protocol shared by all stateful calls.
func (m *Manager) run(ctx context.Context, key any, alive func() bool, register func(func(any)), p identity.Principal, call Call, work executor.Work) (err error) {
	// Calls rejected before the transactional core still leave a work-log
	// trail; the core records its own event.
	var sess *session.Session
	inTx := false
	defer func() {
		if err != nil && !inTx {
			m.recordFault(ctx, p, call.Method, sess, err)
		}
	}()

	authCtx, err := m.ids.Login(ctx, p)
	if err != nil {
		return fmt.Errorf("login for %q: %w", p.Name, err)
	}
	defer m.ids.Logout(authCtx)

	b := session.BindingFromContext(authCtx)
	if b == nil {
		b = session.NewBinding()
	}

	// A session already bound to this worker means an earlier call never
	// unwound. Force-close it, clear the slot, and surface the fault.
	if stale := b.Current(); stale != nil {
		b.Unbind()
		if closeErr := stale.Close(); closeErr != nil {
			m.logger.Error("closing stale session failed",
				"session_id", stale.ID(), "error", closeErr)
		}
		return fmt.Errorf("session %s on entry to %s: %w", stale.ID(), call.Method, ErrDirtyBinding)
	}

	status, err := m.reserve(key, alive, register, call)
	if err != nil {
		return err
	}
	// Decremented at the very end, after teardown.
	defer m.release(key, status, call.Terminal)

	sess, err = m.attach(authCtx, status)
	if err != nil {
		return err
	}

	if bindErr := b.Bind(sess); bindErr != nil {
		return bindErr
	}
	defer func() {
		tearErr := m.teardown(sess, call.Terminal)
		b.Unbind()
		if tearErr != nil {
			if err == nil {
				err = tearErr
			} else {
				m.logger.Error("session teardown failed during unwind",
					"session_id", sess.ID(), "method", call.Method, "error", tearErr)
			}
		}
	}()

	inTx = true
	return m.exec.RunInTransaction(session.WithBinding(authCtx, b), p, call.Method, sess, work)
}

// recordFault writes a work-log event for a call rejected before its
// transaction could start, so faults show up in the execution trail.
func (m *Manager) recordFault(ctx context.Context, p identity.Principal, method string, sess *session.Session, err error) {
	event := worklog.NewEvent(method).WithPrincipal(p)
	if sess != nil {
		event.WithSession(sess.ID())
	}
	if recErr := m.exec.WorkLog().Record(ctx, *event.Finish(err)); recErr != nil {
		m.logger.Warn("recording work log event failed", "error", recErr)
	}
}

// reserve looks up or creates the instance's registry entry and claims it
// for this call. A claim on an entry already serving a call fails.
func (m *Manager) reserve(key any, alive func() bool, register func(func(any)), call Call) (*SessionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}

	e, ok := m.entries[key]
	if !ok {
		e = &entry{status: &SessionStatus{}, alive: alive}
		m.entries[key] = e
		register(m.reap)
	}

	if e.status.calls > 0 {
		return nil, fmt.Errorf("%w: concurrent or recursive call %q on one stateful instance", ErrReentrantCall, call.Method)
	}
	e.status.calls++
	return e.status, nil
}

// release decrements the in-flight count and retires terminal entries.
func (m *Manager) release(key any, status *SessionStatus, terminal bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.calls--
	if terminal {
		delete(m.entries, key)
	}
}

// attach resolves the call's session: a fresh one when the instance has none
// (or its previous session was closed), otherwise the retained session
// reconnected through the provider's source.
func (m *Manager) attach(ctx context.Context, status *SessionStatus) (*session.Session, error) {
	if status.session == nil || !status.session.IsOpen() {
		sess, err := m.sessions.Open(ctx)
		if err != nil {
			return nil, err
		}
		m.logger.Debug("opened session for stateful instance", "session_id", sess.ID())
		status.session = sess
		return sess, nil
	}

	if err := status.session.Reconnect(ctx, m.sessions.Source()); err != nil {
		return nil, err
	}
	return status.session, nil
}

// teardown closes the session on a terminal call and disconnects it
// otherwise, leaving it reusable by the instance's next call.
func (m *Manager) teardown(sess *session.Session, terminal bool) error {
	if terminal {
		return sess.Close()
	}
	return sess.Disconnect()
}

// reap removes a collected instance's entry and closes its session. Invoked
// by the runtime once the instance becomes unreachable, and by Sweep.
func (m *Manager) reap(key any) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if ok && e.status.calls == 0 {
		delete(m.entries, key)
	}
	m.mu.Unlock()

	if !ok || e.status.calls > 0 || e.status.session == nil {
		return
	}
	if err := e.status.session.Close(); err != nil {
		m.logger.Warn("closing reclaimed session failed",
			"session_id", e.status.session.ID(), "error", err)
		return
	}
	m.logger.Debug("reclaimed session for collected instance",
		"session_id", e.status.session.ID())
}

// Sweep prunes entries whose instance has been collected, closing their
// sessions. Returns the number of entries reclaimed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	var dead []any
	for key, e := range m.entries {
		if !e.alive() && e.status.calls == 0 {
			dead = append(dead, key)
		}
	}
	m.mu.Unlock()

	for _, key := range dead {
		m.reap(key)
	}
	return len(dead)
}

// StartSweepRoutine starts a background goroutine that periodically reclaims
// entries for collected instances. The goroutine is stopped when Close is
// called; calling StartSweepRoutine again before then is a no-op.
func (m *Manager) StartSweepRoutine(interval time.Duration) {
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

// Len reports the number of tracked stateful instances.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close drains the registry: no further stateful calls are admitted, idle
// sessions are closed, and the sweep routine is stopped. Entries still
// serving an in-flight call are left for that call to unwind and logged.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true

	var idle []*session.Session
	for key, e := range m.entries {
		if e.status.calls > 0 {
			m.logger.Warn("closing affinity manager with call in flight")
			continue
		}
		if e.status.session != nil {
			idle = append(idle, e.status.session)
		}
		delete(m.entries, key)
	}
	m.mu.Unlock()

	var errs []error
	for _, sess := range idle {
		if err := sess.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	return errors.Join(errs...)
}
