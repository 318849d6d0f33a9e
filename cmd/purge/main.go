// Command purge deletes conversions (and their reaction rows) older than the
// given age in one transaction. DB_DSN names the database.
//
// Usage:
//
//	purge --older-than-days 30 [--dry-run]
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/onnwee/relink/config"
	"github.com/onnwee/relink/db"
	"github.com/onnwee/relink/ledger"
)

func main() {
	days := flag.Int("older-than-days", 30, "delete conversions older than this many days")
	dryRun := flag.Bool("dry-run", false, "count matching rows without deleting")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
	if *days < 1 {
		slog.Error("--older-than-days must be positive")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("connect database", slog.Any("err", err))
		os.Exit(1)
	}
	defer database.Close()

	ctx := context.Background()
	store := ledger.New(database)
	age := time.Duration(*days) * 24 * time.Hour

	if *dryRun {
		n, err := store.CountOlderThan(ctx, age)
		if err != nil {
			slog.Error("count failed", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("dry run", slog.Int64("would_purge", n), slog.Int("older_than_days", *days))
		return
	}

	n, err := store.PurgeOlderThan(ctx, age)
	if err != nil {
		slog.Error("purge failed", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("purge complete", slog.Int64("purged", n), slog.Int("older_than_days", *days))
}
