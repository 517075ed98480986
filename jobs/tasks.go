package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskBillingOverdueScan scans open invoices for overdue balances.
	TaskBillingOverdueScan = "billing:overdue_scan"
	// TaskBillingBalanceWarmup precomputes hot balance aggregates.
	TaskBillingBalanceWarmup = "billing:balance_warmup"
)

// OverdueScanPayload carries scheduling metadata for the overdue scan.
type OverdueScanPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewOverdueScanTask constructs an Asynq task for the overdue scan.
func NewOverdueScanTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(OverdueScanPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBillingOverdueScan, body, asynq.Queue(QueueDefault)), nil
}

// BalanceWarmupPayload selects the windows the warmup precomputes.
type BalanceWarmupPayload struct {
	MonthsBack int `json:"months_back"`
}

// NewBalanceWarmupTask constructs an Asynq task for cache warmup.
func NewBalanceWarmupTask(monthsBack int) (*asynq.Task, error) {
	body, err := json.Marshal(BalanceWarmupPayload{MonthsBack: monthsBack})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBillingBalanceWarmup, body, asynq.Queue(QueueDefault)), nil
}
