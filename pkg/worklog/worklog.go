// Package worklog records one entry per executed unit of work: who ran it,
// which session carried it, how long it took, and how it ended. It defines
// the Logger interface with in-memory and PostgreSQL implementations.
package worklog

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/txn2/workexec/pkg/identity"
)

// Event is one recorded work execution.
type Event struct {
	ID           string    `json:"id"`
	StartedAt    time.Time `json:"started_at"`
	DurationMS   int64     `json:"duration_ms"`
	Principal    string    `json:"principal"`
	Group        string    `json:"group,omitempty"`
	EventType    string    `json:"event_type,omitempty"`
	WorkName     string    `json:"work_name"`
	SessionID    string    `json:"session_id,omitempty"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// NewEvent creates an event for a named unit of work, stamped now.
func NewEvent(workName string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		WorkName:  workName,
	}
}

// WithPrincipal records the identity the work executed under.
func (e *Event) WithPrincipal(p identity.Principal) *Event {
	e.Principal = p.Name
	e.Group = p.Group
	e.EventType = p.Event
	return e
}

// WithSession records the session that carried the work.
func (e *Event) WithSession(id string) *Event {
	e.SessionID = id
	return e
}

// Finish stamps the outcome and duration.
func (e *Event) Finish(err error) *Event {
	e.DurationMS = time.Since(e.StartedAt).Milliseconds()
	e.Success = err == nil
	if err != nil {
		e.ErrorMessage = err.Error()
	}
	return e
}

// QueryFilter defines criteria for querying work-log events.
type QueryFilter struct {
	StartTime *time.Time
	EndTime   *time.Time
	Principal string
	WorkName  string
	Success   *bool
	Limit     int
	Offset    int
}

// Logger defines the interface for work logging.
type Logger interface {
	// Record persists a work-log event.
	Record(ctx context.Context, event Event) error

	// Query retrieves events matching the filter.
	Query(ctx context.Context, filter QueryFilter) ([]Event, error)

	// Close releases resources.
	Close() error
}

// NopLogger discards all events.
type NopLogger struct{}

// Record discards the event.
func (NopLogger) Record(context.Context, Event) error { return nil }

// Query returns no events.
func (NopLogger) Query(context.Context, QueryFilter) ([]Event, error) { return nil, nil }

// Close is a no-op.
func (NopLogger) Close() error { return nil }

// Verify interface compliance.
var _ Logger = NopLogger{}
