// Package database opens and pools connections to the backing store and
// provides the transaction provider used by the work executor. PostgreSQL
// (lib/pq) and SQLite (modernc.org/sqlite) drivers are supported.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// PostgreSQL driver.
	_ "github.com/lib/pq"
	// SQLite driver (CGo-free).
	_ "modernc.org/sqlite"

	"github.com/txn2/workexec/pkg/session"
)

// Supported driver names.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config configures the database connection pool.
type Config struct {
	// Driver selects the database driver: "postgres" or "sqlite".
	Driver string `yaml:"driver" env:"WORKEXEC_DB_DRIVER"`

	// DSN is the driver-specific data source name.
	DSN string `yaml:"dsn" env:"WORKEXEC_DB_DSN"`

	// MaxOpenConns caps the pool size. Zero means unlimited.
	MaxOpenConns int `yaml:"max_open_conns" env:"WORKEXEC_DB_MAX_OPEN_CONNS"`

	// MaxIdleConns caps idle connections kept in the pool.
	MaxIdleConns int `yaml:"max_idle_conns" env:"WORKEXEC_DB_MAX_IDLE_CONNS"`

	// ConnMaxLifetime bounds how long a pooled connection may be reused.
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"WORKEXEC_DB_CONN_MAX_LIFETIME"`
}

// Open creates a connection pool and verifies connectivity.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	switch cfg.Driver {
	case DriverPostgres, DriverSQLite:
	case "":
		return nil, fmt.Errorf("database driver is required")
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", cfg.Driver, err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging %s database: %w", cfg.Driver, err)
	}
	return db, nil
}

// Pool adapts a *sql.DB into a session connection source. Acquired
// connections are checked out of the pool until the session releases them.
type Pool struct {
	db *sql.DB
}

// NewPool wraps db as a connection source.
func NewPool(db *sql.DB) *Pool {
	return &Pool{db: db}
}

// Acquire checks a dedicated connection out of the pool.
func (p *Pool) Acquire(ctx context.Context) (session.Conn, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	return conn, nil
}

// Verify interface compliance.
var _ session.Source = (*Pool)(nil)

// DB returns the underlying pool.
func (p *Pool) DB() *sql.DB {
	return p.db
}
