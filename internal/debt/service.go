package debt

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-crm/meridian-crm/internal/directory"
	"github.com/meridian-crm/meridian-crm/internal/ledger"
	"github.com/meridian-crm/meridian-crm/internal/shared"
)

// RepositoryPort defines the ledger reads the rollup needs. Both calls run
// against the live store, never a snapshot cache, so a caller that just
// recorded a payment sees it reflected immediately.
type RepositoryPort interface {
	ListOpenInvoices(ctx context.Context) ([]ledger.Invoice, error)
	ListPaymentsByInvoiceIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]ledger.Payment, error)
}

// CustomerDebt is one customer's outstanding position. Invoices holds only
// the open invoices that still carry a positive balance.
type CustomerDebt struct {
	Customer        directory.Customer   `json:"customer"`
	Invoices        []ledger.InvoiceView `json:"invoices"`
	TotalDebt       decimal.Decimal      `json:"totalDebt"`
	TotalInvoices   int                  `json:"totalInvoices"`
	OverdueInvoices int                  `json:"overdueInvoices"`
}

// Summary totals the filtered customer set. A minAmount filter narrows the
// whole report, so the summary reflects the filtered list, not the ledger.
type Summary struct {
	TotalCustomers       int             `json:"totalCustomers"`
	TotalDebt            decimal.Decimal `json:"totalDebt"`
	TotalInvoices        int             `json:"totalInvoices"`
	TotalOverdueInvoices int             `json:"totalOverdueInvoices"`
}

// Report is the full debt rollup.
type Report struct {
	Customers []CustomerDebt `json:"customers"`
	Summary   Summary        `json:"summary"`
}

// Service computes customer debt rollups over the ledger store.
type Service struct {
	repo      RepositoryPort
	customers directory.CustomerDirectory
	now       func() time.Time
}

// NewService builds a Service instance.
func NewService(repo RepositoryPort, customers directory.CustomerDirectory) *Service {
	return &Service{repo: repo, customers: customers, now: time.Now}
}

// WithNow overrides the service clock for testing.
func (s *Service) WithNow(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

// CustomersWithDebt groups open-invoice balances by customer. Only draft
// and sent invoices participate; paid and cancelled carry no debt by
// definition. A nil minAmount keeps every indebted customer; otherwise the
// boundary is inclusive, totalDebt >= minAmount stays in.
//
// Customers come back ordered by totalDebt descending, ties broken by
// customer id ascending. Callers rely on this for largest-debtor-first
// displays.
func (s *Service) CustomersWithDebt(ctx context.Context, minAmount *decimal.Decimal) (*Report, error) {
	if minAmount != nil && minAmount.IsNegative() {
		return nil, shared.InvalidFilterf("min amount must not be negative")
	}

	invoices, err := s.repo.ListOpenInvoices(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(invoices))
	for _, inv := range invoices {
		ids = append(ids, inv.ID)
	}
	payments, err := s.repo.ListPaymentsByInvoiceIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := s.now()
	grouped := make(map[uuid.UUID]*CustomerDebt)
	for _, inv := range invoices {
		view := ledger.ComputeInvoiceView(inv, payments[inv.ID], now)
		if !view.Balance.IsPositive() {
			continue
		}
		entry, ok := grouped[inv.CustomerID]
		if !ok {
			entry = &CustomerDebt{
				Customer:  directory.Customer{ID: inv.CustomerID},
				TotalDebt: decimal.Zero,
			}
			grouped[inv.CustomerID] = entry
		}
		entry.Invoices = append(entry.Invoices, view)
		entry.TotalDebt = entry.TotalDebt.Add(view.Balance)
		entry.TotalInvoices++
		if view.Overdue {
			entry.OverdueInvoices++
		}
	}

	report := &Report{Customers: make([]CustomerDebt, 0, len(grouped)), Summary: Summary{TotalDebt: decimal.Zero}}
	for _, entry := range grouped {
		if !entry.TotalDebt.IsPositive() {
			continue
		}
		if minAmount != nil && entry.TotalDebt.LessThan(*minAmount) {
			continue
		}
		report.Customers = append(report.Customers, *entry)
	}

	sort.Slice(report.Customers, func(i, j int) bool {
		a, b := report.Customers[i], report.Customers[j]
		if !a.TotalDebt.Equal(b.TotalDebt) {
			return a.TotalDebt.GreaterThan(b.TotalDebt)
		}
		return strings.Compare(a.Customer.ID.String(), b.Customer.ID.String()) < 0
	})

	for i := range report.Customers {
		if err := s.enrich(ctx, &report.Customers[i]); err != nil {
			return nil, err
		}
		report.Summary.TotalCustomers++
		report.Summary.TotalDebt = report.Summary.TotalDebt.Add(report.Customers[i].TotalDebt)
		report.Summary.TotalInvoices += report.Customers[i].TotalInvoices
		report.Summary.TotalOverdueInvoices += report.Customers[i].OverdueInvoices
	}
	return report, nil
}

// enrich fills in display data. A customer missing from the directory
// leaves the bare id in place rather than failing the whole rollup; any
// other directory failure, cancellation included, aborts the report.
func (s *Service) enrich(ctx context.Context, entry *CustomerDebt) error {
	if s.customers == nil {
		return nil
	}
	customer, err := s.customers.GetCustomer(ctx, entry.Customer.ID)
	if shared.KindOf(err) == shared.KindNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	entry.Customer = *customer
	return nil
}
