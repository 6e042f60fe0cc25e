package database

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/workexec/pkg/session"
)

func newTestSession(t *testing.T) (*session.Session, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sess, err := session.NewProvider(NewPool(db)).Open(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	return sess, mock
}

func TestTransactor_CommitsOnSuccess(t *testing.T) {
	sess, mock := newTestSession(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO items").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	tr := NewTransactor(nil)
	err := tr.Run(context.Background(), sess, func(ctx context.Context, tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx, "INSERT INTO items (name) VALUES ($1)", "a")
		return execErr
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactor_RollsBackOnFailure(t *testing.T) {
	sess, mock := newTestSession(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	wantErr := fmt.Errorf("unit failed")
	tr := NewTransactor(nil)
	err := tr.Run(context.Background(), sess, func(ctx context.Context, tx *sql.Tx) error {
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactor_SurfacesCommitFailure(t *testing.T) {
	sess, mock := newTestSession(t)
	commitErr := fmt.Errorf("deadlock detected")
	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(commitErr)

	tr := NewTransactor(nil)
	err := tr.Run(context.Background(), sess, func(ctx context.Context, tx *sql.Tx) error {
		return nil
	})
	require.ErrorIs(t, err, commitErr)
	assert.Contains(t, err.Error(), "committing transaction")
}

func TestTransactor_RollsBackOnPanic(t *testing.T) {
	sess, mock := newTestSession(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	tr := NewTransactor(nil)
	assert.Panics(t, func() {
		_ = tr.Run(context.Background(), sess, func(ctx context.Context, tx *sql.Tx) error {
			panic("unit panicked")
		})
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactor_FailsOnDisconnectedSession(t *testing.T) {
	sess, _ := newTestSession(t)
	require.NoError(t, sess.Disconnect())

	tr := NewTransactor(nil)
	err := tr.Run(context.Background(), sess, func(ctx context.Context, tx *sql.Tx) error {
		return nil
	})
	assert.ErrorIs(t, err, session.ErrNotConnected)
}
