// Package postgres provides the PostgreSQL ledger store, connection pool and
// migration runner.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql (needed by goose)
	"github.com/pressly/goose/v3"

	"github.com/Strob0t/MeterForge/internal/config"
)

//go:embed migrations/*.sql
var embedded embed.FS

// NewPool opens a pgx pool sized by cfg and verifies it with a ping.
func NewPool(ctx context.Context, cfg config.Postgres) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pc.MaxConns, pc.MinConns = cfg.MaxConns, cfg.MinConns
	pc.MaxConnLifetime = cfg.MaxConnLifetime
	pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	pc.HealthCheckPeriod = cfg.HealthCheck

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// RunMigrations applies every pending ledger migration.
func RunMigrations(ctx context.Context, dsn string) error {
	return withProvider(dsn, func(p *goose.Provider) error {
		results, err := p.Up(ctx)
		if err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		for _, r := range results {
			slog.InfoContext(ctx, "migration applied", "version", r.Source.Version, "duration", r.Duration)
		}
		return nil
	})
}

// RollbackMigrations reverts the newest steps migrations. It stops early
// once nothing is left to revert.
func RollbackMigrations(ctx context.Context, dsn string, steps int) error {
	return withProvider(dsn, func(p *goose.Provider) error {
		for range steps {
			r, err := p.Down(ctx)
			if errors.Is(err, goose.ErrNoNextVersion) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("rollback: %w", err)
			}
			slog.InfoContext(ctx, "migration reverted", "version", r.Source.Version)
		}
		return nil
	})
}

// MigrationVersion returns the newest applied migration version.
func MigrationVersion(ctx context.Context, dsn string) (int64, error) {
	var v int64
	err := withProvider(dsn, func(p *goose.Provider) (err error) {
		v, err = p.GetDBVersion(ctx)
		if err != nil {
			return fmt.Errorf("get version: %w", err)
		}
		return nil
	})
	return v, err
}

// withProvider opens a short-lived database/sql handle for goose and runs fn
// against a provider over the embedded migrations.
func withProvider(dsn string, fn func(*goose.Provider) error) error {
	sub, err := fs.Sub(embedded, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open db for migrations: %w", err)
	}
	defer func() { _ = db.Close() }()

	p, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		return fmt.Errorf("migration provider: %w", err)
	}
	return fn(p)
}
