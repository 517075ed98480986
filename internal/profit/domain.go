package profit

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-crm/meridian-crm/internal/ledger"
)

// DateRange is an inclusive [From, To] interval. Nil bounds mean open-ended;
// the zero value covers all time.
type DateRange struct {
	From *time.Time
	To   *time.Time
}

// Contains reports whether t falls inside the range, bounds inclusive.
func (r DateRange) Contains(t time.Time) bool {
	if r.From != nil && t.Before(*r.From) {
		return false
	}
	if r.To != nil && t.After(*r.To) {
		return false
	}
	return true
}

func (r DateRange) window() ledger.PaymentWindow {
	return ledger.PaymentWindow{From: r.From, To: r.To}
}

func (r DateRange) fromToken() string {
	if r.From == nil {
		return "-"
	}
	return r.From.Format("2006-01-02")
}

func (r DateRange) toToken() string {
	if r.To == nil {
		return "-"
	}
	return r.To.Format("2006-01-02")
}

// Balance is the account-wide result: recognized revenue net of refund
// reversals, externally sourced expenses, and their difference. Profit can
// be negative.
type Balance struct {
	Revenue  decimal.Decimal `json:"revenue"`
	Expenses decimal.Decimal `json:"expenses"`
	Profit   decimal.Decimal `json:"profit"`
}

// EntityBreakdown attributes revenue and expenses to one course or
// workshop.
type EntityBreakdown struct {
	ID       uuid.UUID       `json:"id"`
	Name     string          `json:"name"`
	Revenue  decimal.Decimal `json:"revenue"`
	Expenses decimal.Decimal `json:"expenses"`
}
