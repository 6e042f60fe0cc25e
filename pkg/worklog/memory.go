package worklog

import (
	"context"
	"sync"
)

const defaultMemoryCapacity = 1000

// MemoryLogger keeps the most recent events in memory. Intended for tests
// and embedded use; older events are dropped once capacity is reached.
type MemoryLogger struct {
	mu       sync.RWMutex
	events   []Event
	capacity int
}

// NewMemoryLogger creates an in-memory logger. A non-positive capacity uses
// the default.
func NewMemoryLogger(capacity int) *MemoryLogger {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryLogger{capacity: capacity}
}

// Record persists a work-log event.
func (m *MemoryLogger) Record(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, event)
	if len(m.events) > m.capacity {
		m.events = m.events[len(m.events)-m.capacity:]
	}
	return nil
}

// Query retrieves events matching the filter, oldest first.
func (m *MemoryLogger) Query(_ context.Context, filter QueryFilter) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Event
	for _, e := range m.events {
		if !matches(e, filter) {
			continue
		}
		result = append(result, e)
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// Close is a no-op.
func (*MemoryLogger) Close() error { return nil }

// matches reports whether e satisfies every set filter criterion.
func matches(e Event, filter QueryFilter) bool {
	if filter.StartTime != nil && e.StartedAt.Before(*filter.StartTime) {
		return false
	}
	if filter.EndTime != nil && e.StartedAt.After(*filter.EndTime) {
		return false
	}
	if filter.Principal != "" && e.Principal != filter.Principal {
		return false
	}
	if filter.WorkName != "" && e.WorkName != filter.WorkName {
		return false
	}
	if filter.Success != nil && e.Success != *filter.Success {
		return false
	}
	return true
}

// Verify interface compliance.
var _ Logger = (*MemoryLogger)(nil)
