package bot

import (
	"context"
	"log/slog"
	"sync"

	"github.com/onnwee/relink/telemetry"
)

// Run consumes gateway events with the given number of workers until the
// context is cancelled or the gateway closes its event channel. It blocks and
// always returns nil on clean shutdown.
func (h *Handler) Run(ctx context.Context, workers int) error {
	if workers < 1 {
		workers = 1
	}
	events := h.gw.Events()
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if telemetry.WorkerGauge != nil {
				telemetry.WorkerGauge.Inc()
				defer telemetry.WorkerGauge.Dec()
			}
			h.worker(ctx, id, events)
		}(i)
	}
	wg.Wait()
	return nil
}

func (h *Handler) worker(ctx context.Context, id int, events <-chan Event) {
	log := h.log.With(slog.Int("worker", id))
	log.Debug("event worker started")
	for {
		select {
		case <-ctx.Done():
			log.Debug("event worker stopping", slog.Any("err", ctx.Err()))
			return
		case ev, ok := <-events:
			if !ok {
				log.Info("gateway event channel closed")
				return
			}
			h.dispatch(ctx, ev, log)
		}
	}
}

// dispatch routes one event, containing panics so a malformed event cannot
// take down the worker pool.
func (h *Handler) dispatch(ctx context.Context, ev Event, log *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while handling event", slog.Any("panic", r))
		}
	}()
	telemetry.TimeFunc(telemetry.HandleDuration, func() {
		switch {
		case ev.Message != nil:
			h.HandleMessage(ctx, *ev.Message)
		case ev.Reaction != nil:
			h.HandleReaction(ctx, *ev.Reaction)
		default:
			log.Debug("empty event dropped")
		}
	})
}
