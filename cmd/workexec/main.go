// Package main provides the workexec operational command: it applies
// database migrations and verifies that a configured stack can execute work
// end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/txn2/workexec/pkg/config"
	"github.com/txn2/workexec/pkg/database"
	"github.com/txn2/workexec/pkg/database/migrate"
	"github.com/txn2/workexec/pkg/executor"
	"github.com/txn2/workexec/pkg/identity"
	"github.com/txn2/workexec/pkg/stack"
)

// Version is the workexec version, set at build time.
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type cmdOptions struct {
	configPath  string
	migrate     bool
	verify      bool
	principal   string
	showVersion bool
}

func parseFlags() cmdOptions {
	opts := cmdOptions{}
	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flag.BoolVar(&opts.migrate, "migrate", false, "Apply database migrations and exit")
	flag.BoolVar(&opts.verify, "verify", false, "Assemble the stack, run a probe unit of work, and exit")
	flag.StringVar(&opts.principal, "principal", "workexec", "Principal name for the verify probe")
	flag.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	flag.Parse()
	return opts
}

func setupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx
}

func run() error {
	opts := parseFlags()

	if opts.showVersion {
		fmt.Printf("workexec version %s\n", Version)
		return nil
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	ctx := setupSignalHandler()

	switch {
	case opts.migrate:
		return runMigrate(ctx, cfg)
	case opts.verify:
		return runVerify(ctx, cfg, opts.principal)
	default:
		flag.Usage()
		return fmt.Errorf("one of -migrate or -verify is required")
	}
}

func runMigrate(ctx context.Context, cfg *config.Config) error {
	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := migrate.Run(db); err != nil {
		return err
	}

	version, dirty, err := migrate.Version(db)
	if err != nil {
		return err
	}
	slog.Info("migrations applied", "version", version, "dirty", dirty)
	return nil
}

// runVerify assembles a full stack and pushes one probe unit of work through
// the executor, proving that login, session, transaction and unwind all
// function against the configured database.
func runVerify(ctx context.Context, cfg *config.Config, principal string) error {
	s, err := stack.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("assembling stack: %w", err)
	}
	defer func() { _ = s.Close() }()

	p := identity.Principal{Name: principal, Group: "system"}
	err = s.Executor.ExecuteNamed(ctx, p, "verify-probe",
		func(ctx context.Context, w *executor.WorkContext) error {
			var one int
			return w.Tx.QueryRowContext(ctx, "SELECT 1").Scan(&one)
		})
	if err != nil {
		return fmt.Errorf("probe work failed: %w", err)
	}

	slog.Info("stack verified", "principal", p.Name)
	return nil
}
