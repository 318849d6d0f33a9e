// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	EventsSeen        *prometheus.CounterVec
	EventsSkipped     prometheus.Counter
	ConversionsPosted prometheus.Counter
	RevertsSucceeded  prometheus.Counter
	RevertsRejected   prometheus.Counter
	ReactionsRecorded prometheus.Counter
	ConversionsPurged prometheus.Counter
	GatewayErrors     prometheus.Counter
	StorageErrors     prometheus.Counter

	// Histograms (seconds)
	HandleDuration prometheus.Observer

	// Gauges
	WorkerGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventsSeen = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relink_events_seen_total", Help: "Gateway events consumed, by kind"}, []string{"kind"})
		EventsSkipped = promauto.NewCounter(prometheus.CounterOpts{Name: "relink_events_skipped_total", Help: "Events dropped by qualification checks"})
		ConversionsPosted = promauto.NewCounter(prometheus.CounterOpts{Name: "relink_conversions_posted_total", Help: "Replacement messages posted"})
		RevertsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "relink_reverts_succeeded_total", Help: "Revert transitions won"})
		RevertsRejected = promauto.NewCounter(prometheus.CounterOpts{Name: "relink_reverts_rejected_total", Help: "Revert attempts that lost the race or found no record"})
		ReactionsRecorded = promauto.NewCounter(prometheus.CounterOpts{Name: "relink_reactions_recorded_total", Help: "Trigger-emoji reactions appended to the audit trail"})
		ConversionsPurged = promauto.NewCounter(prometheus.CounterOpts{Name: "relink_conversions_purged_total", Help: "Conversions removed by retention sweeps"})
		GatewayErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "relink_gateway_errors_total", Help: "Failed chat platform calls"})
		StorageErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "relink_storage_errors_total", Help: "Failed ledger operations"})
		HandleDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relink_event_handle_duration_seconds", Help: "Per-event handling duration", Buckets: prometheus.DefBuckets})
		WorkerGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "relink_event_workers", Help: "Running event workers"})
	})
}

// CountEvent increments the per-kind event counter if metrics are initialized.
func CountEvent(kind string) {
	if EventsSeen != nil {
		EventsSeen.WithLabelValues(kind).Inc()
	}
}

// AddPurged records conversions removed by a retention sweep.
func AddPurged(n int64) {
	if ConversionsPurged != nil && n > 0 {
		ConversionsPurged.Add(float64(n))
	}
}

// TimeFunc measures the duration of fn and records it in obs if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger carrying the corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
