package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/meridian-crm/meridian-crm/internal/jobs"
	"github.com/meridian-crm/meridian-crm/internal/profit"
)

// BalanceReader is the aggregate read the warmup precomputes.
type BalanceReader interface {
	GetBalance(ctx context.Context, rng profit.DateRange) (*profit.Balance, error)
}

// BalanceWarmupJob primes the derived-read cache with the windows the
// dashboard asks for first: all time plus the last N calendar months.
type BalanceWarmupJob struct {
	Profit  BalanceReader
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewBalanceWarmupJob initialises the warmup handler.
func NewBalanceWarmupJob(profitSvc BalanceReader, logger *slog.Logger, metrics *jobmetrics.Metrics) *BalanceWarmupJob {
	return &BalanceWarmupJob{
		Profit:  profitSvc,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the warmup.
func (j *BalanceWarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Profit == nil {
		return errors.New("balance warmup: handler not configured")
	}
	var payload BalanceWarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.MonthsBack <= 0 {
		payload.MonthsBack = 3
	}

	tracker := j.Metrics.Track(TaskBillingBalanceWarmup)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	if _, err := j.Profit.GetBalance(ctx, profit.DateRange{}); err != nil {
		resultErr = err
		return err
	}

	now := j.clock()
	for i := 0; i < payload.MonthsBack; i++ {
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -i, 0)
		last := first.AddDate(0, 1, 0).Add(-time.Nanosecond)
		if _, err := j.Profit.GetBalance(ctx, profit.DateRange{From: &first, To: &last}); err != nil {
			resultErr = err
			return err
		}
	}

	j.Logger.Info("balance warmup finished", slog.Int("months_back", payload.MonthsBack))
	return nil
}
