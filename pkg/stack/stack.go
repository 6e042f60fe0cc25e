// Package stack assembles a complete work-execution stack from
// configuration: database pool, migrations, work log, identity provider,
// executor and session affinity manager. It is the embedding point for
// services that consume workexec as a library.
package stack

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/txn2/workexec/pkg/affinity"
	"github.com/txn2/workexec/pkg/config"
	"github.com/txn2/workexec/pkg/database"
	"github.com/txn2/workexec/pkg/database/migrate"
	"github.com/txn2/workexec/pkg/executor"
	"github.com/txn2/workexec/pkg/identity"
	"github.com/txn2/workexec/pkg/session"
	"github.com/txn2/workexec/pkg/worklog"
	worklogpg "github.com/txn2/workexec/pkg/worklog/postgres"
)

// Stack is a fully wired work-execution stack.
type Stack struct {
	DB       *sql.DB
	Sessions *session.Provider
	Identity identity.Provider
	Executor *executor.Executor
	Affinity *affinity.Manager
	WorkLog  worklog.Logger

	logger *slog.Logger
}

// Option configures stack assembly.
type Option func(*options)

type options struct {
	logger *slog.Logger
	ids    identity.Provider
}

// WithLogger sets the slog logger for all components.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithIdentity overrides the configured identity provider. Useful when the
// embedding service supplies its own (e.g. a pre-populated keyring).
func WithIdentity(ids identity.Provider) Option {
	return func(o *options) { o.ids = ids }
}

// New assembles a stack from cfg. On success the caller owns the stack and
// must Close it; on failure everything partially started is torn down.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Stack, error) {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	log, err := buildWorkLog(db, cfg.WorkLog)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	ids := o.ids
	if ids == nil {
		if ids, err = buildIdentity(cfg.Identity); err != nil {
			_ = log.Close()
			_ = db.Close()
			return nil, err
		}
	}

	sessions := session.NewProvider(database.NewPool(db))
	tx := database.NewTransactor(o.logger)
	exec := executor.New(ids, sessions, tx,
		executor.WithWorkLog(log),
		executor.WithLogger(o.logger),
	)
	mgr := affinity.NewManager(ids, sessions, exec, affinity.WithLogger(o.logger))
	if cfg.Affinity.SweepInterval > 0 {
		mgr.StartSweepRoutine(cfg.Affinity.SweepInterval)
	}

	return &Stack{
		DB:       db,
		Sessions: sessions,
		Identity: ids,
		Executor: exec,
		Affinity: mgr,
		WorkLog:  log,
		logger:   o.logger,
	}, nil
}

// buildWorkLog creates the configured work logger, running migrations when
// persistence is enabled.
func buildWorkLog(db *sql.DB, cfg config.WorkLogConfig) (worklog.Logger, error) {
	if !cfg.Enabled {
		return worklog.NopLogger{}, nil
	}

	if err := migrate.Run(db); err != nil {
		return nil, err
	}

	store := worklogpg.New(db, worklogpg.Config{RetentionDays: cfg.RetentionDays})
	if cfg.CleanupInterval > 0 {
		store.StartCleanupRoutine(cfg.CleanupInterval)
	}
	return store, nil
}

// buildIdentity creates the configured identity provider.
func buildIdentity(cfg config.IdentityConfig) (identity.Provider, error) {
	switch cfg.Mode {
	case config.IdentityModeStatic:
		return identity.NewStaticProvider(cfg.Allowed...), nil
	case config.IdentityModeKeyring:
		return identity.NewKeyring(), nil
	case config.IdentityModeToken:
		return identity.NewTokenProvider(identity.TokenConfig{
			Issuer:     cfg.Issuer,
			SigningKey: []byte(cfg.SigningKey),
		})
	default:
		return nil, fmt.Errorf("invalid identity mode %q", cfg.Mode)
	}
}

// Close tears the stack down in reverse assembly order: affinity registry
// drain first, then the work log, then the database pool.
func (s *Stack) Close() error {
	var errs []error
	if err := s.Affinity.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.WorkLog.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.DB.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
