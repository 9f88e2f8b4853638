package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Background runs the periodic tick. The tick is best-effort by design: the
// interval is a request, not a guarantee, and every tick is self-contained,
// so a batched, delayed or skipped tick costs accuracy but never correctness.
// A connectivity change fires an immediate out-of-band tick.
type Background struct {
	coordinator *Coordinator
	interval    time.Duration
	log         *slog.Logger
	stopCh      chan struct{}
}

// NewBackground creates the background scheduler.
func NewBackground(coordinator *Coordinator, interval time.Duration, log *slog.Logger) *Background {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Background{
		coordinator: coordinator,
		interval:    interval,
		log:         log,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the tick loop. The connectivity watch channel, when given,
// triggers an immediate evaluation on every network change.
func (b *Background) Start(ctx context.Context, networkEvents <-chan struct{}) {
	b.log.Info("starting background scheduler", "interval", b.interval)

	go func() {
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()

		// Run immediately on start
		b.runTick(ctx)

		for {
			select {
			case <-ticker.C:
				b.runTick(ctx)
			case _, ok := <-networkEvents:
				if !ok {
					networkEvents = nil
					continue
				}
				b.runTick(ctx)
			case <-b.stopCh:
				b.log.Info("background scheduler stopped")
				return
			case <-ctx.Done():
				b.log.Info("background scheduler context cancelled")
				return
			}
		}
	}()
}

// Stop stops the tick loop.
func (b *Background) Stop() {
	close(b.stopCh)
}

func (b *Background) runTick(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, b.interval)
	defer cancel()

	if err := b.coordinator.Tick(tickCtx); err != nil {
		// Worst acceptable outcome: this tick did nothing. The next tick or
		// the next foreground event recovers.
		b.log.Warn("tick failed", "error", err)
	}
}
