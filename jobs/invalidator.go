package jobs

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"
)

// VersionBumper advances the derived-read cache version.
type VersionBumper interface {
	Bump(ctx context.Context) error
}

// WarmupEnqueuer submits a balance warmup run to the queue.
type WarmupEnqueuer interface {
	EnqueueBalanceWarmup(ctx context.Context, monthsBack int) (*asynq.TaskInfo, error)
}

// Invalidator is the ledger's post-mutation hook. It bumps the cache
// version and queues a balance warmup so a worker repopulates the hot
// aggregates; the queued task survives this process, which covers
// cross-process invalidation when several instances share the cache.
type Invalidator struct {
	Cache  VersionBumper
	Client WarmupEnqueuer
	Logger *slog.Logger
}

// Bump invalidates derived reads. The version bump must land; the warmup
// is an optimization, so a full queue only logs a warning.
func (i *Invalidator) Bump(ctx context.Context) error {
	if i.Cache != nil {
		if err := i.Cache.Bump(ctx); err != nil {
			return err
		}
	}
	if i.Client != nil {
		// monthsBack 0 lets the worker apply its own default window.
		if _, err := i.Client.EnqueueBalanceWarmup(ctx, 0); err != nil && i.Logger != nil {
			i.Logger.Warn("enqueue balance warmup", slog.Any("error", err))
		}
	}
	return nil
}
