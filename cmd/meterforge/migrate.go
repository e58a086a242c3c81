package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/Strob0t/MeterForge/internal/adapter/postgres"
	"github.com/Strob0t/MeterForge/internal/config"
)

// runMigrate dispatches migration subcommands (up, down, version).
func runMigrate(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printMigrateHelp()
		return nil
	}

	fs := flag.NewFlagSet("migrate "+args[0], flag.ContinueOnError)
	dsn := fs.String("dsn", "", "PostgreSQL DSN (defaults to the configured DSN)")
	steps := fs.Int("steps", 1, "number of migrations to roll back (down only)")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	if *dsn == "" {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		*dsn = cfg.Postgres.DSN
	}

	ctx := context.Background()
	switch args[0] {
	case "up":
		if err := postgres.RunMigrations(ctx, *dsn); err != nil {
			return err
		}
	case "down":
		if *steps < 1 {
			return fmt.Errorf("steps must be >= 1, got %d", *steps)
		}
		if err := postgres.RollbackMigrations(ctx, *dsn, *steps); err != nil {
			return err
		}
	case "version":
	default:
		printMigrateHelp()
		return fmt.Errorf("unknown migrate command: %s", args[0])
	}

	version, err := postgres.MigrationVersion(ctx, *dsn)
	if err != nil {
		return err
	}
	fmt.Printf("migration version: %d\n", version)
	return nil
}

func printMigrateHelp() {
	fmt.Fprintf(os.Stderr, `Usage: meterforge migrate <command> [options]

Commands:
  up        Apply all pending migrations
  down      Roll back migrations (--steps N, default 1)
  version   Print the current migration version
  help      Show this help message

Options:
  --dsn     PostgreSQL DSN (defaults to DATABASE_URL / meterforge.yaml)

Examples:
  meterforge migrate up
  meterforge migrate down --steps 1
  meterforge migrate version --dsn postgres://localhost/meterforge
`)
}
