// Package postgres provides PostgreSQL storage for the work log.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/txn2/workexec/pkg/worklog"
)

const (
	defaultRetentionDays = 90
	defaultQueryCapacity = 100
	maxQueryCapacity     = 10000
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// workLogColumns lists columns returned by work-log SELECT queries.
var workLogColumns = []string{
	"id", "started_at", "duration_ms", "principal", "principal_grp",
	"event_type", "work_name", "session_id", "success", "error_message",
}

// Store implements worklog.Logger using PostgreSQL.
type Store struct {
	db            *sql.DB
	retentionDays int
	cancel        context.CancelFunc
	done          chan struct{}
}

// Config configures the PostgreSQL work-log store.
type Config struct {
	RetentionDays int
}

// New creates a new PostgreSQL work-log store.
func New(db *sql.DB, cfg Config) *Store {
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = defaultRetentionDays
	}
	return &Store{
		db:            db,
		retentionDays: cfg.RetentionDays,
	}
}

// Record persists a work-log event.
func (s *Store) Record(ctx context.Context, event worklog.Event) error {
	query, args, err := psq.Insert("work_log").
		Columns(workLogColumns...).
		Values(
			event.ID,
			event.StartedAt,
			event.DurationMS,
			event.Principal,
			event.Group,
			event.EventType,
			event.WorkName,
			event.SessionID,
			event.Success,
			event.ErrorMessage,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("building work log insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting work log: %w", err)
	}
	return nil
}

// applyFilter adds filter conditions to a SELECT builder.
func applyFilter(qb sq.SelectBuilder, filter worklog.QueryFilter) sq.SelectBuilder {
	if filter.StartTime != nil {
		qb = qb.Where(sq.GtOrEq{"started_at": *filter.StartTime})
	}
	if filter.EndTime != nil {
		qb = qb.Where(sq.LtOrEq{"started_at": *filter.EndTime})
	}
	if filter.Principal != "" {
		qb = qb.Where(sq.Eq{"principal": filter.Principal})
	}
	if filter.WorkName != "" {
		qb = qb.Where(sq.Eq{"work_name": filter.WorkName})
	}
	if filter.Success != nil {
		qb = qb.Where(sq.Eq{"success": *filter.Success})
	}
	return qb
}

// Query retrieves events matching the filter, most recent first.
func (s *Store) Query(ctx context.Context, filter worklog.QueryFilter) ([]worklog.Event, error) {
	qb := applyFilter(psq.Select(workLogColumns...).From("work_log"), filter)
	qb = qb.OrderBy("started_at DESC")
	if filter.Limit > 0 {
		qb = qb.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		qb = qb.Offset(uint64(filter.Offset))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building work log query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying work log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	allocCap := defaultQueryCapacity
	if filter.Limit > 0 && filter.Limit <= maxQueryCapacity {
		allocCap = filter.Limit
	}
	events := make([]worklog.Event, 0, allocCap)

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating work log rows: %w", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (worklog.Event, error) {
	var event worklog.Event
	err := rows.Scan(
		&event.ID,
		&event.StartedAt,
		&event.DurationMS,
		&event.Principal,
		&event.Group,
		&event.EventType,
		&event.WorkName,
		&event.SessionID,
		&event.Success,
		&event.ErrorMessage,
	)
	if err != nil {
		return event, fmt.Errorf("scanning work log row: %w", err)
	}
	return event, nil
}

// Cleanup removes events older than the retention period.
func (s *Store) Cleanup(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	query := `DELETE FROM work_log WHERE started_at < $1`
	if _, err := s.db.ExecContext(ctx, query, cutoff); err != nil {
		return fmt.Errorf("cleaning up work log: %w", err)
	}
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically deletes
// old events. The goroutine is stopped when Close is called; calling
// StartCleanupRoutine again before then is a no-op.
func (s *Store) StartCleanupRoutine(interval time.Duration) {
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Cleanup(ctx); err != nil {
					slog.Warn("work log cleanup failed", "error", err)
				}
			}
		}
	}()
}

// Close stops the cleanup goroutine and waits for it to exit.
// It is safe to call Close even if StartCleanupRoutine was never called.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// Verify interface compliance.
var _ worklog.Logger = (*Store)(nil)
