package ledger

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/onnwee/relink/telemetry"
)

// RetentionPolicy controls the background purge of old conversions.
type RetentionPolicy struct {
	// KeepDays: conversions older than this many days are purged (0 = disabled)
	KeepDays int
	// DryRun: log what would be purged without deleting
	DryRun bool
	// Interval: how often the sweep runs
	Interval time.Duration
}

// MaxAge returns the purge cutoff as a duration.
func (p RetentionPolicy) MaxAge() time.Duration {
	return time.Duration(p.KeepDays) * 24 * time.Hour
}

// LoadRetentionPolicy reads the retention policy from environment variables.
func LoadRetentionPolicy() RetentionPolicy {
	policy := RetentionPolicy{
		Interval: 6 * time.Hour,
	}
	if s := os.Getenv("RETENTION_KEEP_DAYS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			policy.KeepDays = n
		}
	}
	if os.Getenv("RETENTION_DRY_RUN") == "1" {
		policy.DryRun = true
	}
	if s := os.Getenv("RETENTION_INTERVAL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			policy.Interval = d
		}
	}
	return policy
}

// StartRetentionJob launches the periodic purge in a background goroutine
// that runs until ctx is cancelled: once at startup and then on every tick.
// The sweep is safe to run alongside live traffic: a record purged under an
// in-flight revert attempt makes TryRevert return false, nothing more.
func StartRetentionJob(ctx context.Context, store *Store) {
	policy := LoadRetentionPolicy()
	if policy.KeepDays == 0 {
		slog.Info("retention job disabled (RETENTION_KEEP_DAYS not set)")
		return
	}

	slog.Info("retention job starting",
		slog.Int("keep_days", policy.KeepDays),
		slog.Bool("dry_run", policy.DryRun),
		slog.Duration("interval", policy.Interval))

	go func() {
		runRetentionSweep(ctx, store, policy)

		ticker := time.NewTicker(policy.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				slog.Info("retention job stopped")
				return
			case <-ticker.C:
				runRetentionSweep(ctx, store, policy)
			}
		}
	}()
}

func runRetentionSweep(ctx context.Context, store *Store, policy RetentionPolicy) {
	logger := slog.Default().With(
		slog.String("component", "retention_sweep"),
		slog.Bool("dry_run", policy.DryRun))

	if policy.DryRun {
		n, err := store.CountOlderThan(ctx, policy.MaxAge())
		if err != nil {
			logger.Warn("retention dry-run count failed", slog.Any("err", err))
			return
		}
		logger.Info("dry-run: would purge conversions", slog.Int64("eligible", n))
		return
	}

	n, err := store.PurgeOlderThan(ctx, policy.MaxAge())
	if err != nil {
		logger.Warn("retention purge failed", slog.Any("err", err))
		return
	}
	telemetry.AddPurged(n)
	logger.Info("retention sweep completed", slog.Int64("purged", n))
}
