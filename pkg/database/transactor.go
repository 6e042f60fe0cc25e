package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/txn2/workexec/pkg/session"
)

// Transactor runs units of work inside a transaction on a session's
// connection. A successful unit commits; a failed unit rolls back; the
// transaction is never left open, even if the unit panics.
type Transactor struct {
	logger *slog.Logger
}

// NewTransactor creates a transaction provider. A nil logger falls back to
// slog.Default.
func NewTransactor(logger *slog.Logger) *Transactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transactor{logger: logger}
}

// Run begins a transaction on sess, invokes fn, and commits or rolls back
// based on fn's outcome. The unit's own failure is the one surfaced; a
// rollback failure on that path is logged, not returned.
func (t *Transactor) Run(ctx context.Context, sess *session.Session, fn func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := sess.BeginTx(ctx)
	if err != nil {
		return err
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			t.logger.Error("transaction rollback failed",
				"session_id", sess.ID(), "error", rbErr)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction on session %s: %w", sess.ID(), err)
	}
	committed = true
	return nil
}
