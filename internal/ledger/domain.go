package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InvoiceStatus enumerates invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusDraft     InvoiceStatus = "draft"
	InvoiceStatusSent      InvoiceStatus = "sent"
	InvoiceStatusPaid      InvoiceStatus = "paid"
	InvoiceStatusCancelled InvoiceStatus = "cancelled"
)

// ValidInvoiceStatus reports whether s is a known invoice status.
func ValidInvoiceStatus(s InvoiceStatus) bool {
	switch s {
	case InvoiceStatusDraft, InvoiceStatusSent, InvoiceStatusPaid, InvoiceStatusCancelled:
		return true
	}
	return false
}

// CanTransitionInvoice reports whether an invoice may move from one status to
// another. Draft and sent move forward only; cancellation voids unbilled
// amounts, so a paid invoice can never be cancelled.
func CanTransitionInvoice(from, to InvoiceStatus) bool {
	switch from {
	case InvoiceStatusDraft:
		return to == InvoiceStatusSent || to == InvoiceStatusPaid || to == InvoiceStatusCancelled
	case InvoiceStatusSent:
		return to == InvoiceStatusPaid || to == InvoiceStatusCancelled
	}
	return false
}

// PaymentStatus enumerates payment lifecycle states.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusCancelled PaymentStatus = "cancelled"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// PaymentMethod enumerates supported payment methods.
type PaymentMethod string

const (
	MethodCash         PaymentMethod = "cash"
	MethodCreditCard   PaymentMethod = "credit_card"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodCheck        PaymentMethod = "check"
	MethodOther        PaymentMethod = "other"
)

// ValidPaymentMethod reports whether m is a known method.
func ValidPaymentMethod(m PaymentMethod) bool {
	switch m {
	case MethodCash, MethodCreditCard, MethodBankTransfer, MethodCheck, MethodOther:
		return true
	}
	return false
}

// EntityKind tags the revenue entity a payment is attributed to.
type EntityKind string

const (
	EntityCourse   EntityKind = "course"
	EntityWorkshop EntityKind = "workshop"
	EntityOther    EntityKind = "other"
)

// RelatedRef is a tagged reference to the enrollment target behind a payment.
// A zero value means the payment is not attributed to any revenue entity.
type RelatedRef struct {
	Kind EntityKind `json:"kind"`
	ID   uuid.UUID  `json:"id"`
}

// IsZero reports whether the reference is unset.
func (r RelatedRef) IsZero() bool {
	return r.Kind == "" && r.ID == uuid.Nil
}

// LineItem is one billed position on an invoice. Order is significant.
type LineItem struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

// Invoice model. Total is the sum of line amounts and never negative.
type Invoice struct {
	ID         uuid.UUID       `json:"id"`
	CustomerID uuid.UUID       `json:"customerId"`
	Number     string          `json:"number"`
	IssueDate  time.Time       `json:"issueDate"`
	DueDate    *time.Time      `json:"dueDate,omitempty"`
	Lines      []LineItem      `json:"lines,omitempty"`
	Total      decimal.Decimal `json:"total"`
	Status     InvoiceStatus   `json:"status"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Payment model. Amount is always positive; direction is carried by status.
type Payment struct {
	ID               uuid.UUID       `json:"id"`
	CustomerID       uuid.UUID       `json:"customerId"`
	InvoiceID        *uuid.UUID      `json:"invoiceId,omitempty"`
	Amount           decimal.Decimal `json:"amount"`
	PaidAt           time.Time       `json:"paidAt"`
	Method           PaymentMethod   `json:"method"`
	Status           PaymentStatus   `json:"status"`
	Installments     int             `json:"installments,omitempty"`
	InstallmentIndex int             `json:"installmentIndex,omitempty"`
	RelatedTo        RelatedRef      `json:"relatedTo"`
	RefundedAt       *time.Time      `json:"refundedAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Receipt is the immutable proof of a completed payment, 1:1 per payment.
type Receipt struct {
	ID         uuid.UUID       `json:"id"`
	Number     string          `json:"number"`
	CustomerID uuid.UUID       `json:"customerId"`
	PaymentID  uuid.UUID       `json:"paymentId"`
	Amount     decimal.Decimal `json:"amount"`
	IssuedAt   time.Time       `json:"issuedAt"`
}

// InvoiceView is an invoice with its derived billing state. Balance is
// signed: a negative value surfaces an overpayment and is never clamped.
type InvoiceView struct {
	Invoice
	PaidAmount decimal.Decimal `json:"paidAmount"`
	Balance    decimal.Decimal `json:"balance"`
	Overdue    bool            `json:"overdue"`
}
