package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"

	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/observability"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/persistence"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: migrate <up|down>

Environment:
  PROTECT_POSTGRES_DSN   Postgres connection string (required)
  PROTECT_MIGRATIONS_DIR Migrations directory (default: migrations)
`)
	os.Exit(2)
}

func main() {
	if len(os.Args) != 2 {
		usage()
	}
	direction := os.Args[1]

	logger := observability.NewLogger("migrate")

	dsn := os.Getenv("PROTECT_POSTGRES_DSN")
	if dsn == "" {
		logger.Fatal().Msg("PROTECT_POSTGRES_DSN not set")
	}
	dir := os.Getenv("PROTECT_MIGRATIONS_DIR")
	if dir == "" {
		dir = "migrations"
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}

	migrator := persistence.NewMigrator(db, dir, logger)

	switch direction {
	case "up":
		err = migrator.Up(ctx)
	case "down":
		err = migrator.Down(ctx)
	default:
		usage()
	}
	if err != nil {
		logger.Fatal().Err(err).Str("direction", direction).Msg("migration failed")
	}
	logger.Info().Str("direction", direction).Msg("migrations applied")
}
