package aggregate

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaywatch/relaywatch/internal/repository"
)

const flushTimeout = 10 * time.Second

// Flusher archives completed aggregation buckets to the rollup store so
// dashboards can read history past the in-memory horizon. Upserts are
// idempotent; a crash between flushes loses at most one interval.
type Flusher struct {
	agg      *Aggregator
	store    repository.RollupRepository
	logger   *slog.Logger
	interval time.Duration
}

// NewFlusher constructs a Flusher.
func NewFlusher(agg *Aggregator, store repository.RollupRepository, logger *slog.Logger, interval time.Duration) *Flusher {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger != nil {
		logger = logger.With("component", "rollups")
	}
	return &Flusher{agg: agg, store: store, logger: logger, interval: interval}
}

// Run flushes on a fixed cadence until the context is cancelled, then
// performs one final flush so a clean shutdown archives everything pending.
func (f *Flusher) Run(ctx context.Context) {
	if f == nil {
		return
	}
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.logger.Info("rollup flusher started", "interval", f.interval)
	for {
		select {
		case <-ctx.Done():
			f.flush(context.WithoutCancel(ctx))
			f.logger.Info("rollup flusher stopped")
			return
		case <-ticker.C:
			f.flush(ctx)
		}
	}
}

func (f *Flusher) flush(parent context.Context) {
	rollups := f.agg.FlushCompleted()
	if len(rollups) == 0 {
		return
	}
	opCtx, cancel := context.WithTimeout(parent, flushTimeout)
	defer cancel()
	if err := f.store.UpsertRollups(opCtx, rollups); err != nil {
		f.logger.Error("failed to archive rollups", "count", len(rollups), "error", err)
		return
	}
	f.logger.Debug("rollups archived", "count", len(rollups))
}
