package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// ComputeInvoiceView derives paid amount, balance and the overdue flag for
// one invoice from the payments referencing it. Pure: now is injected, no
// clock or store access, safe for concurrent and repeated calls.
//
// Only completed payments reduce the balance; pending, cancelled and
// refunded ones are ignored. The overdue flag is suppressed for paid and
// cancelled invoices regardless of balance.
func ComputeInvoiceView(inv Invoice, payments []Payment, now time.Time) InvoiceView {
	paid := decimal.Zero
	for _, p := range payments {
		if p.Status != PaymentStatusCompleted {
			continue
		}
		if p.InvoiceID == nil || *p.InvoiceID != inv.ID {
			continue
		}
		paid = paid.Add(p.Amount)
	}
	balance := inv.Total.Sub(paid)

	overdue := balance.IsPositive() &&
		inv.DueDate != nil &&
		inv.DueDate.Before(now) &&
		inv.Status != InvoiceStatusPaid &&
		inv.Status != InvoiceStatusCancelled

	return InvoiceView{
		Invoice:    inv,
		PaidAmount: paid,
		Balance:    balance,
		Overdue:    overdue,
	}
}
