package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-crm/meridian-crm/internal/shared"
)

// RepositoryPort defines the ledger store access the service needs.
type RepositoryPort interface {
	CreateInvoice(ctx context.Context, inv Invoice) (*Invoice, error)
	GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error)
	ListInvoices(ctx context.Context, req ListInvoicesRequest) ([]Invoice, error)
	UpdateInvoiceStatus(ctx context.Context, id uuid.UUID, from, to InvoiceStatus) (bool, error)

	CreatePayment(ctx context.Context, p Payment) (*Payment, error)
	GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error)
	UpdatePaymentStatus(ctx context.Context, id, customerID uuid.UUID, from, to PaymentStatus, at time.Time) (bool, error)
	ListPaymentsByInvoiceIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]Payment, error)

	CreateReceipt(ctx context.Context, rec Receipt) (*Receipt, error)
	GetReceiptByPayment(ctx context.Context, paymentID uuid.UUID) (*Receipt, error)

	CreateEntityExpense(ctx context.Context, e EntityExpense) (*EntityExpense, error)
}

// DerivedInvalidator invalidates cached derived reads after a mutation.
type DerivedInvalidator interface {
	Bump(ctx context.Context) error
}

// Service owns ledger commands and the read-after-write invoice views.
type Service struct {
	repo        RepositoryPort
	invalidator DerivedInvalidator
	now         func() time.Time
}

// NewService builds a Service instance.
func NewService(repo RepositoryPort, invalidator DerivedInvalidator) *Service {
	return &Service{repo: repo, invalidator: invalidator, now: time.Now}
}

// WithNow overrides the service clock for testing.
func (s *Service) WithNow(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

// bump invalidates derived caches. Mutations succeed even if the bump
// fails; a stale cache entry only lives until its TTL.
func (s *Service) bump(ctx context.Context) {
	if s.invalidator != nil {
		_ = s.invalidator.Bump(ctx)
	}
}

// CreateInvoiceInput carries the fields for issuing a new invoice.
type CreateInvoiceInput struct {
	CustomerID uuid.UUID
	Number     string
	IssueDate  time.Time
	DueDate    *time.Time
	Lines      []LineItem
}

// CreateInvoice issues a draft invoice. The total is derived from the line
// items and must not be negative.
func (s *Service) CreateInvoice(ctx context.Context, input CreateInvoiceInput) (*Invoice, error) {
	if input.CustomerID == uuid.Nil {
		return nil, shared.InvalidFilterf("customer id required")
	}
	if input.Number == "" {
		return nil, shared.InvalidFilterf("invoice number required")
	}
	if len(input.Lines) == 0 {
		return nil, shared.InvalidFilterf("at least one line item required")
	}
	total := decimal.Zero
	for _, line := range input.Lines {
		total = total.Add(line.Amount)
	}
	if total.IsNegative() {
		return nil, shared.InvalidFilterf("invoice total must not be negative")
	}
	issueDate := input.IssueDate
	if issueDate.IsZero() {
		issueDate = s.now()
	}

	inv := Invoice{
		ID:         uuid.New(),
		CustomerID: input.CustomerID,
		Number:     input.Number,
		IssueDate:  issueDate,
		DueDate:    input.DueDate,
		Lines:      input.Lines,
		Total:      total,
		Status:     InvoiceStatusDraft,
	}
	created, err := s.repo.CreateInvoice(ctx, inv)
	if err != nil {
		return nil, err
	}
	s.bump(ctx)
	return created, nil
}

// ChangeInvoiceStatus applies a lifecycle transition. Illegal moves are
// rejected before any mutation reaches the store.
func (s *Service) ChangeInvoiceStatus(ctx context.Context, id uuid.UUID, to InvoiceStatus) (*Invoice, error) {
	if !ValidInvoiceStatus(to) {
		return nil, shared.InvalidFilterf("unknown invoice status %q", to)
	}
	inv, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransitionInvoice(inv.Status, to) {
		return nil, shared.Conflictf("cannot transition invoice %s from %s to %s", inv.Number, inv.Status, to)
	}
	ok, err := s.repo.UpdateInvoiceStatus(ctx, id, inv.Status, to)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Someone else moved the invoice between our read and the update.
		return nil, shared.Conflictf("invoice %s changed concurrently", inv.Number)
	}
	inv.Status = to
	s.bump(ctx)
	return inv, nil
}

// RecordPaymentInput carries the fields for recording a payment.
type RecordPaymentInput struct {
	CustomerID       uuid.UUID
	InvoiceID        *uuid.UUID
	Amount           decimal.Decimal
	PaidAt           time.Time
	Method           PaymentMethod
	Installments     int
	InstallmentIndex int
	RelatedTo        RelatedRef
}

// RecordPayment records a pending payment. When linked to an invoice, the
// invoice must exist and belong to the same customer.
func (s *Service) RecordPayment(ctx context.Context, input RecordPaymentInput) (*Payment, error) {
	if input.CustomerID == uuid.Nil {
		return nil, shared.InvalidFilterf("customer id required")
	}
	if !input.Amount.IsPositive() {
		return nil, shared.InvalidFilterf("payment amount must be positive")
	}
	if !ValidPaymentMethod(input.Method) {
		return nil, shared.InvalidFilterf("unknown payment method %q", input.Method)
	}
	if input.Installments > 0 && (input.InstallmentIndex < 1 || input.InstallmentIndex > input.Installments) {
		return nil, shared.InvalidFilterf("installment index %d out of range 1..%d", input.InstallmentIndex, input.Installments)
	}
	if input.InvoiceID != nil {
		inv, err := s.repo.GetInvoice(ctx, *input.InvoiceID)
		if err != nil {
			return nil, err
		}
		if inv.CustomerID != input.CustomerID {
			return nil, shared.InvalidFilterf("invoice %s belongs to a different customer", inv.Number)
		}
	}
	paidAt := input.PaidAt
	if paidAt.IsZero() {
		paidAt = s.now()
	}

	p := Payment{
		ID:               uuid.New(),
		CustomerID:       input.CustomerID,
		InvoiceID:        input.InvoiceID,
		Amount:           input.Amount,
		PaidAt:           paidAt,
		Method:           input.Method,
		Status:           PaymentStatusPending,
		Installments:     input.Installments,
		InstallmentIndex: input.InstallmentIndex,
		RelatedTo:        input.RelatedTo,
	}
	created, err := s.repo.CreatePayment(ctx, p)
	if err != nil {
		return nil, err
	}
	s.bump(ctx)
	return created, nil
}

// CompletePayment marks a pending payment completed. Idempotent by payment
// id: completing an already completed payment is a no-op, so two concurrent
// completion commands can never reduce a balance twice.
func (s *Service) CompletePayment(ctx context.Context, id uuid.UUID) (*Payment, error) {
	p, err := s.repo.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == PaymentStatusCompleted {
		return p, nil
	}
	if p.Status != PaymentStatusPending {
		return nil, shared.Conflictf("cannot complete payment in status %s", p.Status)
	}
	ok, err := s.repo.UpdatePaymentStatus(ctx, id, p.CustomerID, PaymentStatusPending, PaymentStatusCompleted, s.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost the race: re-read and treat a concurrent completion as ours.
		p, err = s.repo.GetPayment(ctx, id)
		if err != nil {
			return nil, err
		}
		if p.Status == PaymentStatusCompleted {
			return p, nil
		}
		return nil, shared.Conflictf("cannot complete payment in status %s", p.Status)
	}
	p.Status = PaymentStatusCompleted
	s.bump(ctx)
	return p, nil
}

// CancelPayment cancels a pending payment.
func (s *Service) CancelPayment(ctx context.Context, id uuid.UUID) (*Payment, error) {
	p, err := s.repo.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != PaymentStatusPending {
		return nil, shared.Conflictf("cannot cancel payment in status %s", p.Status)
	}
	ok, err := s.repo.UpdatePaymentStatus(ctx, id, p.CustomerID, PaymentStatusPending, PaymentStatusCancelled, s.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, shared.Conflictf("payment %s changed concurrently", id)
	}
	p.Status = PaymentStatusCancelled
	s.bump(ctx)
	return p, nil
}

// RefundPayment refunds a completed payment. The refund timestamp drives
// revenue reversal in the period the refund happens, not the period of the
// original payment.
func (s *Service) RefundPayment(ctx context.Context, id uuid.UUID) (*Payment, error) {
	p, err := s.repo.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != PaymentStatusCompleted {
		return nil, shared.Conflictf("cannot refund payment in status %s", p.Status)
	}
	at := s.now()
	ok, err := s.repo.UpdatePaymentStatus(ctx, id, p.CustomerID, PaymentStatusCompleted, PaymentStatusRefunded, at)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, shared.Conflictf("payment %s changed concurrently", id)
	}
	p.Status = PaymentStatusRefunded
	p.RefundedAt = &at
	s.bump(ctx)
	return p, nil
}

// IssueReceipt issues the receipt for a completed payment. One payment
// yields at most one receipt; a second attempt conflicts.
func (s *Service) IssueReceipt(ctx context.Context, paymentID uuid.UUID) (*Receipt, error) {
	p, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != PaymentStatusCompleted {
		return nil, shared.Conflictf("receipt requires a completed payment, got %s", p.Status)
	}
	rec := Receipt{
		ID:         uuid.New(),
		CustomerID: p.CustomerID,
		PaymentID:  p.ID,
		Amount:     p.Amount,
		IssuedAt:   s.now(),
	}
	return s.repo.CreateReceipt(ctx, rec)
}

// GetReceipt returns the receipt already issued for a payment, NotFound
// when none has been issued yet.
func (s *Service) GetReceipt(ctx context.Context, paymentID uuid.UUID) (*Receipt, error) {
	return s.repo.GetReceiptByPayment(ctx, paymentID)
}

// RecordExpenseInput carries the fields for an entity expense entry.
type RecordExpenseInput struct {
	EntityKind EntityKind
	EntityID   uuid.UUID
	EntityName string
	Amount     decimal.Decimal
	IncurredAt time.Time
}

// RecordExpense records an expense against a course or workshop. Expenses
// feed profitability aggregates only; they never touch invoice balances.
func (s *Service) RecordExpense(ctx context.Context, input RecordExpenseInput) (*EntityExpense, error) {
	if input.EntityKind != EntityCourse && input.EntityKind != EntityWorkshop {
		return nil, shared.InvalidFilterf("expense entity must be course or workshop, got %q", input.EntityKind)
	}
	if input.EntityID == uuid.Nil {
		return nil, shared.InvalidFilterf("entity id required")
	}
	if !input.Amount.IsPositive() {
		return nil, shared.InvalidFilterf("expense amount must be positive, got %s", input.Amount)
	}
	incurred := input.IncurredAt
	if incurred.IsZero() {
		incurred = s.now()
	}
	created, err := s.repo.CreateEntityExpense(ctx, EntityExpense{
		ID:         uuid.New(),
		EntityKind: input.EntityKind,
		EntityID:   input.EntityID,
		EntityName: input.EntityName,
		Amount:     input.Amount,
		IncurredAt: incurred,
	})
	if err != nil {
		return nil, err
	}
	s.bump(ctx)
	return created, nil
}

// GetInvoiceView returns one invoice with derived billing state,
// recomputed from the payment set at read time.
func (s *Service) GetInvoiceView(ctx context.Context, id uuid.UUID) (*InvoiceView, error) {
	inv, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	payments, err := s.repo.ListPaymentsByInvoiceIDs(ctx, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	view := ComputeInvoiceView(*inv, payments[id], s.now())
	return &view, nil
}

// ListInvoiceViews returns filtered invoices with derived billing state.
func (s *Service) ListInvoiceViews(ctx context.Context, req ListInvoicesRequest) ([]InvoiceView, error) {
	if req.Status != "" && !ValidInvoiceStatus(req.Status) {
		return nil, shared.InvalidFilterf("unknown invoice status %q", req.Status)
	}
	invoices, err := s.repo.ListInvoices(ctx, req)
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
	views := make([]InvoiceView, 0, len(invoices))
	for _, inv := range invoices {
		views = append(views, ComputeInvoiceView(inv, payments[inv.ID], now))
	}
	return views, nil
}
