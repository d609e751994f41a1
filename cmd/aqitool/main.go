package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"aqicache/internal/aqi/maintainer"
	"aqicache/internal/aqi/repository"
	"aqicache/internal/config"
	"aqicache/internal/db"
	"aqicache/internal/legacy"
	"aqicache/internal/logging"
	"aqicache/internal/migrate"
)

const appName = "aqitool"

var version = "dev"

const usage = `usage: %s <command>
  migrate               apply pending schema migrations
  prune [hours]         delete readings older than hours (default RETENTION) and collapse duplicates
  import-legacy <path>  import the aqi_data table of a legacy database, then prune
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, usage, os.Args[0])
		os.Exit(1)
	}

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg, version, appName)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, command string, args []string) error {
	switch command {
	case "migrate", "prune", "import-legacy":
	default:
		return fmt.Errorf("unknown command (see usage)")
	}

	conn, err := db.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(conn); closeErr != nil {
			logger.Error("db close", "error", closeErr)
		}
	}()

	if err := migrate.Run(ctx, conn, logger); err != nil {
		return err
	}
	if command == "migrate" {
		fmt.Println("migrations applied")
		return nil
	}

	repo := repository.NewRepository(conn, repository.WithLocation(cfg.TimeZone))
	maint := maintainer.New(repo, cfg.RetentionHours, logger)

	hours := cfg.RetentionHours
	switch command {
	case "prune":
		if len(args) > 0 {
			hours, err = strconv.Atoi(args[0])
			if err != nil || hours <= 0 {
				return fmt.Errorf("invalid hours %q (expected a positive integer)", args[0])
			}
		}
	case "import-legacy":
		if len(args) != 1 {
			return fmt.Errorf("expected the legacy database path")
		}
		src, err := legacy.Open(args[0])
		if err != nil {
			return err
		}
		defer func() { _ = src.Close() }()

		res, err := legacy.Import(ctx, src, repo, cfg.TimeZone, logger)
		if err != nil {
			return err
		}
		fmt.Printf("read %d, imported %d, skipped %d\n", res.Read, res.Imported, res.Skipped)
	}

	res, err := maint.Prune(ctx, hours)
	if err != nil {
		return err
	}
	fmt.Printf("pruned %d, collapsed %d\n", res.Pruned, res.Collapsed)
	return nil
}
