package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/meridian-crm/meridian-crm/internal/debt"
	jobmetrics "github.com/meridian-crm/meridian-crm/internal/jobs"
)

// DebtReporter is the rollup read the overdue scan runs against.
type DebtReporter interface {
	CustomersWithDebt(ctx context.Context, minAmount *decimal.Decimal) (*debt.Report, error)
}

// OverdueScanJob walks the open ledger and reports the outstanding
// position. It writes nothing; the scan exists so dashboards and alerts
// see overdue drift without waiting for an operator query.
type OverdueScanJob struct {
	Debt    DebtReporter
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewOverdueScanJob initialises the overdue scan handler.
func NewOverdueScanJob(debtSvc DebtReporter, logger *slog.Logger, metrics *jobmetrics.Metrics) *OverdueScanJob {
	return &OverdueScanJob{
		Debt:    debtSvc,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the overdue scan.
func (j *OverdueScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Debt == nil {
		return errors.New("overdue scan: handler not configured")
	}
	var payload OverdueScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskBillingOverdueScan)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	report, err := j.Debt.CustomersWithDebt(ctx, nil)
	if err != nil {
		resultErr = err
		return err
	}

	overdueCustomers := 0
	for _, c := range report.Customers {
		if c.OverdueInvoices > 0 {
			overdueCustomers++
		}
	}
	j.Metrics.SetOverdue(report.Summary.TotalOverdueInvoices, overdueCustomers)

	j.Logger.Info("overdue scan finished",
		slog.Time("scheduled_for", payload.ScheduledFor),
		slog.Int("debtors", report.Summary.TotalCustomers),
		slog.Int("overdue_invoices", report.Summary.TotalOverdueInvoices),
		slog.Int("overdue_customers", overdueCustomers),
		slog.String("total_debt", report.Summary.TotalDebt.String()),
	)
	return nil
}
