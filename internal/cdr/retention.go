package cdr

import (
	"context"
	"log/slog"
	"time"
)

// Pruner deletes stored call-detail events older than a cutoff.
type Pruner interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// StartRetention runs a background goroutine that removes events older than
// maxAge from store every interval. A maxAge of zero disables it. The
// goroutine stops when ctx is cancelled.
func StartRetention(ctx context.Context, store Pruner, maxAge, interval time.Duration, logger *slog.Logger) {
	if maxAge <= 0 || store == nil {
		return
	}
	logger = logger.With("subsystem", "cdr-retention")
	logger.Info("cdr retention enabled", "max_age", maxAge.String(), "interval", interval.String())

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				prune(ctx, store, now.Add(-maxAge), logger)
			}
		}
	}()
}

func prune(ctx context.Context, store Pruner, cutoff time.Time, logger *slog.Logger) {
	n, err := store.DeleteBefore(ctx, cutoff)
	if err != nil {
		logger.Error("cdr retention cleanup failed", "error", err)
		return
	}
	if n > 0 {
		logger.Info("cdr retention cleanup", "deleted", n, "cutoff", cutoff.UTC().Format(time.RFC3339))
	}
}
