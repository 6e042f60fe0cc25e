// Package session provides the stateful work-session handle used by the
// executor and affinity layers. A Session wraps a connection-scoped unit of
// work against the backing database: it is open until closed, and while open
// it is either connected (holding a live *sql.Conn) or disconnected (the
// connection has been released back to the pool but the handle remains
// reusable). A Session may be bound to at most one worker at a time; the
// Binding type in this package enforces that invariant.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrClosed is returned when an operation requires an open session.
	ErrClosed = errors.New("session is closed")

	// ErrNotConnected is returned when an operation requires a live connection.
	ErrNotConnected = errors.New("session is not connected")

	// ErrAlreadyBound is returned when a session is bound while another
	// binding still holds it.
	ErrAlreadyBound = errors.New("session is already bound")
)

// Conn is the connection-scoped handle a session wraps. *sql.Conn implements
// it.
type Conn interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	Close() error
}

// Source supplies database connections for sessions to attach to.
type Source interface {
	// Acquire returns a live connection. The caller owns it until released.
	Acquire(ctx context.Context) (Conn, error)
}

// Opener creates new sessions. *Provider is the standard implementation.
type Opener interface {
	Open(ctx context.Context) (*Session, error)
}

// Session is a stateful handle to the underlying resource. Exactly one
// Session exists per owner at any time: a single stateless call (ephemeral)
// or a single stateful service instance (long-lived).
type Session struct {
	id string

	mu    sync.Mutex
	conn  Conn
	open  bool
	bound bool
}

// newSession wraps an acquired connection in an open, connected session.
func newSession(conn Conn) *Session {
	return &Session{
		id:   uuid.NewString(),
		conn: conn,
		open: true,
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// IsOpen reports whether the session has not been closed.
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// IsConnected reports whether the session currently holds a live connection.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Disconnect releases the underlying connection but keeps the session open
// and reusable. Disconnecting a session that holds no connection is a no-op.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	conn := s.conn
	s.conn = nil
	if err := conn.Close(); err != nil {
		return fmt.Errorf("releasing session connection: %w", err)
	}
	return nil
}

// Reconnect attaches a fresh connection from src to a disconnected session.
// Reconnecting a session that is still connected is a no-op.
func (s *Session) Reconnect(ctx context.Context, src Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return ErrClosed
	}
	if s.conn != nil {
		return nil
	}
	conn, err := src.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("reconnecting session %s: %w", s.id, err)
	}
	s.conn = conn
	return nil
}

// Close releases the connection, if any, and permanently closes the session.
// Closing an already-closed session is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return nil
	}
	s.open = false
	if s.conn == nil {
		return nil
	}
	conn := s.conn
	s.conn = nil
	if err := conn.Close(); err != nil {
		return fmt.Errorf("closing session %s: %w", s.id, err)
	}
	return nil
}

// BeginTx starts a transaction on the session's connection.
func (s *Session) BeginTx(ctx context.Context) (*sql.Tx, error) {
	s.mu.Lock()
	conn := s.conn
	open := s.open
	s.mu.Unlock()

	if !open {
		return nil, ErrClosed
	}
	if conn == nil {
		return nil, ErrNotConnected
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction on session %s: %w", s.id, err)
	}
	return tx, nil
}

// acquire marks the session as bound. Called by Binding.Bind.
func (s *Session) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound {
		return fmt.Errorf("session %s: %w", s.id, ErrAlreadyBound)
	}
	s.bound = true
	return nil
}

// release clears the bound mark. Called by Binding.Unbind.
func (s *Session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bound = false
}

// Provider opens new sessions against a connection source.
type Provider struct {
	src Source
}

// NewProvider creates a session provider.
func NewProvider(src Source) *Provider {
	return &Provider{src: src}
}

// Open acquires a connection and returns a new open, connected session.
func (p *Provider) Open(ctx context.Context) (*Session, error) {
	conn, err := p.src.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening session: %w", err)
	}
	return newSession(conn), nil
}

// Source returns the connection source sessions reconnect through.
func (p *Provider) Source() Source {
	return p.src
}

// Verify interface compliance.
var _ Opener = (*Provider)(nil)
