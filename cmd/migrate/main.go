package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/aveline-shop/aveline-backend/pkg/config"
	"github.com/aveline-shop/aveline-backend/pkg/migrate"
)

const usage = `usage: migrate [-dir path] <command> [args]

commands:
  up               migrate to the latest version
  down             roll back one version
  status           print migration status
  version          print current db version
  to <version>     migrate up or down to the given version
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	dir := flag.String("dir", migrate.DefaultDir, "migrations directory")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("command required")
	}
	command := args[0]

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	sqlDB, err := sql.Open("postgres", cfg.DB.DSN)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer sqlDB.Close()

	ctx := context.Background()
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}

	switch command {
	case "up", "down", "status", "version":
		return migrate.Run(ctx, sqlDB, *dir, command, args[1:]...)
	case "to":
		if len(args) < 2 {
			return fmt.Errorf("to requires a target version")
		}
		return migrate.MigrateToVersion(ctx, sqlDB, *dir, args[1])
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}
