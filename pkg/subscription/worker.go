package subscription

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/logger"
)

// DowngradeApplier is what the worker drives.
type DowngradeApplier interface {
	ApplyMaturedDowngrades(ctx context.Context) (int, error)
}

// DowngradeWorker periodically applies matured downgrades.
type DowngradeWorker struct {
	svc      DowngradeApplier
	interval time.Duration
	log      *slog.Logger
}

// NewDowngradeWorker returns a worker ticking every interval (one minute
// when interval is not positive).
func NewDowngradeWorker(svc DowngradeApplier, interval time.Duration, log *slog.Logger) *DowngradeWorker {
	if svc == nil {
		panic("subscription: DowngradeApplier is required")
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = logger.Discard()
	}
	return &DowngradeWorker{svc: svc, interval: interval, log: log.With(logger.Component("downgrade_worker"))}
}

// Run checks immediately and then on every tick until ctx is done.
func (w *DowngradeWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			w.log.Info("downgrade worker shutting down")
			return ctx.Err()
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *DowngradeWorker) tick(ctx context.Context) {
	n, err := w.svc.ApplyMaturedDowngrades(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		w.log.ErrorContext(ctx, "applying matured downgrades", logger.Error(err))
	}
	if n > 0 {
		w.log.InfoContext(ctx, "matured downgrades applied", slog.Int("count", n))
	}
}
