package scheduler

import (
	"context"
	"liveauction/internal/services/closer"
	"time"

	"go.uber.org/zap"
)

// Sweeper is the close-all-ended entry point.
type Sweeper interface {
	CloseEnded(ctx context.Context) (closer.SweepResult, error)
}

// Run calls sweeper every interval until ctx is done. It returns
// immediately; the loop runs in its own goroutine. Each sweep is bounded by
// the interval so a slow pass never overlaps the next one.
func Run(ctx context.Context, interval time.Duration, sweeper Sweeper) {
	tk := time.NewTicker(interval)
	go func() {
		defer tk.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tk.C:
				sweepOnce(ctx, interval, sweeper)
			}
		}
	}()
}

func sweepOnce(ctx context.Context, timeout time.Duration, sweeper Sweeper) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := sweeper.CloseEnded(ctx)
	if err != nil {
		zap.L().Error("scheduler.sweep", zap.Error(err))
		return
	}
	if res.Failed > 0 {
		zap.L().Warn("scheduler.sweep_partial",
			zap.Int("processed", res.Processed),
			zap.Int("failed", res.Failed))
	}
}
