// Package executor runs caller-supplied units of work with identity and
// transaction scoping guaranteed. Execute ensures that login happens before
// the work, that a transaction and a live session surround it, and that
// session, transaction and identity are torn down in strict reverse order on
// every exit path. It is the stateless path: each execution gets a fresh
// session that is closed before Execute returns.
package executor

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	sq "github.com/Masterminds/squirrel"

	"github.com/txn2/workexec/pkg/identity"
	"github.com/txn2/workexec/pkg/session"
	"github.com/txn2/workexec/pkg/worklog"
)

// WorkContext carries the scopes established around a unit of work.
type WorkContext struct {
	// Tx is the live transaction. Committed on success, rolled back on
	// failure; the work must not terminate it.
	Tx *sql.Tx

	// Session is the session carrying the transaction's connection.
	Session *session.Session

	// Services vends capabilities bound to the authenticated identity.
	Services *Services
}

// Work is a unit of caller-supplied logic executed exactly once per
// invocation with identity, transaction and session established.
type Work func(ctx context.Context, w *WorkContext) error

// TxProvider supplies the transactional scope: it runs fn inside a
// transaction on the session's connection, commits on success, rolls back on
// failure, and never leaves the transaction open.
type TxProvider interface {
	Run(ctx context.Context, sess *session.Session, fn func(ctx context.Context, tx *sql.Tx) error) error
}

// Services is the capability factory handed to work. It is bound to the
// authenticated identity and the live transaction.
type Services struct {
	principal identity.Principal
	tx        *sql.Tx
	sess      *session.Session
}

// Principal returns the identity the work executes under.
func (s *Services) Principal() identity.Principal {
	return s.principal
}

// Session returns the session carrying the work.
func (s *Services) Session() *session.Session {
	return s.sess
}

// Builder returns a statement builder that executes against the live
// transaction, using dollar placeholders.
func (s *Services) Builder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(sq.Dollar).RunWith(s.tx)
}

// Executor wraps units of work with identity establishment, transaction
// scoping and session lifecycle.
type Executor struct {
	ids      identity.Provider
	sessions session.Opener
	tx       TxProvider
	log      worklog.Logger
	logger   *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithWorkLog records one work-log event per execution.
func WithWorkLog(l worklog.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New creates an Executor.
func New(ids identity.Provider, sessions session.Opener, tx TxProvider, opts ...Option) *Executor {
	e := &Executor{
		ids:      ids,
		sessions: sessions,
		tx:       tx,
		log:      worklog.NopLogger{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Identity returns the executor's identity provider.
func (e *Executor) Identity() identity.Provider {
	return e.ids
}

// WorkLog returns the executor's work logger.
func (e *Executor) WorkLog() worklog.Logger {
	return e.log
}

// Execute runs work under p. Equivalent to ExecuteNamed with an empty name.
func (e *Executor) Execute(ctx context.Context, p identity.Principal, work Work) error {
	return e.ExecuteNamed(ctx, p, "", work)
}

// ExecuteNamed runs work to completion exactly once, synchronously, with
// identity and transaction scoping guaranteed:
//
//  1. Login; a rejected principal aborts before any resource is touched.
//  2. A fresh session is opened and bound for the duration of the call.
//  3. The work runs inside a transaction on the session's connection;
//     success commits, failure rolls back.
//  4. Unwind runs in strict reverse order: unbind, transaction termination,
//     session close, logout. Logout runs even if every prior step failed.
//
// The work's own failure is the one surfaced; teardown failures on that path
// are logged, never allowed to mask it.
func (e *Executor) ExecuteNamed(ctx context.Context, p identity.Principal, name string, work Work) (err error) {
	authCtx, err := e.ids.Login(ctx, p)
	if err != nil {
		loginErr := fmt.Errorf("login for %q: %w", p.Name, err)
		e.record(ctx, worklog.NewEvent(name).WithPrincipal(p).Finish(loginErr))
		return loginErr
	}
	defer e.ids.Logout(authCtx)

	sess, err := e.sessions.Open(authCtx)
	if err != nil {
		e.record(ctx, worklog.NewEvent(name).WithPrincipal(p).Finish(err))
		return err
	}
	defer func() {
		if closeErr := sess.Close(); closeErr != nil {
			if err == nil {
				err = closeErr
			} else {
				e.logger.Error("closing session failed during unwind",
					"session_id", sess.ID(), "error", closeErr)
			}
		}
	}()

	binding := e.callBinding(authCtx)
	if bindErr := binding.Bind(sess); bindErr != nil {
		e.record(ctx, worklog.NewEvent(name).WithPrincipal(p).WithSession(sess.ID()).Finish(bindErr))
		return bindErr
	}
	defer binding.Unbind()

	return e.RunInTransaction(session.WithBinding(authCtx, binding), p, name, sess, work)
}

// RunInTransaction runs work inside a transaction on an already-established
// session and records a work-log event. The caller owns the session's
// lifecycle and the identity scope; the affinity layer uses this entry point
// for calls that reuse a stateful instance's session.
func (e *Executor) RunInTransaction(ctx context.Context, p identity.Principal, name string, sess *session.Session, work Work) (err error) {
	event := worklog.NewEvent(name).WithPrincipal(p).WithSession(sess.ID())
	defer func() {
		e.record(ctx, event.Finish(err))
	}()

	return e.tx.Run(ctx, sess, func(ctx context.Context, tx *sql.Tx) error {
		w := &WorkContext{
			Tx:      tx,
			Session: sess,
			Services: &Services{
				principal: p,
				tx:        tx,
				sess:      sess,
			},
		}
		return work(ctx, w)
	})
}

// record persists a work-log event, logging rather than surfacing failures.
func (e *Executor) record(ctx context.Context, event *worklog.Event) {
	if recErr := e.log.Record(ctx, *event); recErr != nil {
		e.logger.Warn("recording work log event failed", "error", recErr)
	}
}

// callBinding returns the worker's binding when it is free, or an ephemeral
// one. A nested execution inside an outer call must not disturb the worker's
// slot, so an occupied binding is left alone.
func (e *Executor) callBinding(ctx context.Context) *session.Binding {
	if b := session.BindingFromContext(ctx); b != nil && !b.Bound() {
		return b
	}
	return session.NewBinding()
}
