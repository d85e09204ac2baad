package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"

	"PerpRecon/internal/observability"
	"PerpRecon/internal/persistence"

	_ "github.com/lib/pq"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down|status>")
		fmt.Println("  up     - apply all pending migrations")
		fmt.Println("  down   - roll back the last migration")
		fmt.Println("  status - list pending migrations")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  PERP_POSTGRES_DSN - Postgres connection string")
		fmt.Println("  MIGRATIONS_DIR    - read migrations from this directory instead of the embedded set")
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")

	pgURL := os.Getenv("PERP_POSTGRES_DSN")
	if pgURL == "" {
		pgURL = "postgres://localhost:5432/perprecon?sslmode=disable"
	}

	var files fs.FS = persistence.Migrations()
	if dir := os.Getenv("MIGRATIONS_DIR"); dir != "" {
		files = os.DirFS(dir)
	}

	db, err := sql.Open("postgres", pgURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, files, logger)

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "status":
		pending, err := migrator.Pending(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate status")
		}
		if len(pending) == 0 {
			fmt.Println("up to date")
		}
		for _, f := range pending {
			fmt.Println("pending:", f)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", os.Args[1])
		os.Exit(1)
	}
}
