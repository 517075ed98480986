package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/meridian-crm/meridian-crm/internal/shared"
)

type memoryRepo struct {
	invoices       map[uuid.UUID]*Invoice
	payments       map[uuid.UUID]*Payment
	receipts       map[uuid.UUID]*Receipt
	expenses       []EntityExpense
	receiptCounter int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		invoices: make(map[uuid.UUID]*Invoice),
		payments: make(map[uuid.UUID]*Payment),
		receipts: make(map[uuid.UUID]*Receipt),
	}
}

func (r *memoryRepo) CreateInvoice(ctx context.Context, inv Invoice) (*Invoice, error) {
	for _, existing := range r.invoices {
		if existing.Number == inv.Number {
			return nil, shared.Conflictf("invoice number %s already issued", inv.Number)
		}
	}
	inv.CreatedAt = time.Now()
	inv.UpdatedAt = inv.CreatedAt
	r.invoices[inv.ID] = &inv
	return &inv, nil
}

func (r *memoryRepo) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	inv, ok := r.invoices[id]
	if !ok {
		return nil, shared.NotFoundf("invoice %s not found", id)
	}
	copied := *inv
	return &copied, nil
}

func (r *memoryRepo) ListInvoices(ctx context.Context, req ListInvoicesRequest) ([]Invoice, error) {
	var out []Invoice
	for _, inv := range r.invoices {
		if req.Status != "" && inv.Status != req.Status {
			continue
		}
		if req.CustomerID != uuid.Nil && inv.CustomerID != req.CustomerID {
			continue
		}
		if req.From != nil && inv.IssueDate.Before(*req.From) {
			continue
		}
		if req.To != nil && inv.IssueDate.After(*req.To) {
			continue
		}
		out = append(out, *inv)
	}
	return out, nil
}

func (r *memoryRepo) UpdateInvoiceStatus(ctx context.Context, id uuid.UUID, from, to InvoiceStatus) (bool, error) {
	inv, ok := r.invoices[id]
	if !ok || inv.Status != from {
		return false, nil
	}
	inv.Status = to
	inv.UpdatedAt = time.Now()
	return true, nil
}

func (r *memoryRepo) CreatePayment(ctx context.Context, p Payment) (*Payment, error) {
	if _, ok := r.payments[p.ID]; ok {
		return nil, shared.Conflictf("payment %s already recorded", p.ID)
	}
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	r.payments[p.ID] = &p
	return &p, nil
}

func (r *memoryRepo) GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error) {
	p, ok := r.payments[id]
	if !ok {
		return nil, shared.NotFoundf("payment %s not found", id)
	}
	copied := *p
	return &copied, nil
}

func (r *memoryRepo) UpdatePaymentStatus(ctx context.Context, id, customerID uuid.UUID, from, to PaymentStatus, at time.Time) (bool, error) {
	p, ok := r.payments[id]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	if to == PaymentStatusRefunded {
		p.RefundedAt = &at
	}
	p.UpdatedAt = time.Now()
	return true, nil
}

func (r *memoryRepo) ListPaymentsByInvoiceIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]Payment, error) {
	wanted := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	out := make(map[uuid.UUID][]Payment)
	for _, p := range r.payments {
		if p.InvoiceID != nil && wanted[*p.InvoiceID] {
			out[*p.InvoiceID] = append(out[*p.InvoiceID], *p)
		}
	}
	return out, nil
}

func (r *memoryRepo) CreateReceipt(ctx context.Context, rec Receipt) (*Receipt, error) {
	for _, existing := range r.receipts {
		if existing.PaymentID == rec.PaymentID {
			return nil, shared.Conflictf("receipt already issued for payment %s", rec.PaymentID)
		}
	}
	r.receiptCounter++
	rec.Number = fmt.Sprintf("RCP-%06d", r.receiptCounter)
	r.receipts[rec.ID] = &rec
	return &rec, nil
}

func (r *memoryRepo) GetReceiptByPayment(ctx context.Context, paymentID uuid.UUID) (*Receipt, error) {
	for _, rec := range r.receipts {
		if rec.PaymentID == paymentID {
			copied := *rec
			return &copied, nil
		}
	}
	return nil, shared.NotFoundf("no receipt for payment %s", paymentID)
}

func (r *memoryRepo) CreateEntityExpense(ctx context.Context, e EntityExpense) (*EntityExpense, error) {
	r.expenses = append(r.expenses, e)
	return &e, nil
}

type countingInvalidator struct {
	bumps int
}

func (c *countingInvalidator) Bump(ctx context.Context) error {
	c.bumps++
	return nil
}

func newTestService(t *testing.T) (*Service, *memoryRepo, *countingInvalidator) {
	t.Helper()
	repo := newMemoryRepo()
	inval := &countingInvalidator{}
	svc := NewService(repo, inval)
	svc.WithNow(func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) })
	return svc, repo, inval
}

func createInvoice(t *testing.T, svc *Service, customerID uuid.UUID, number string, amounts ...string) *Invoice {
	t.Helper()
	lines := make([]LineItem, 0, len(amounts))
	for i, a := range amounts {
		lines = append(lines, LineItem{Description: fmt.Sprintf("item %d", i+1), Amount: dec(a)})
	}
	inv, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		CustomerID: customerID,
		Number:     number,
		Lines:      lines,
	})
	require.NoError(t, err)
	return inv
}

func TestCreateInvoiceDerivesTotal(t *testing.T) {
	svc, _, inval := newTestService(t)

	inv := createInvoice(t, svc, uuid.New(), "INV-001", "250.50", "749.50")

	require.True(t, inv.Total.Equal(dec("1000")))
	require.Equal(t, InvoiceStatusDraft, inv.Status)
	require.Len(t, inv.Lines, 2)
	require.Equal(t, 1, inval.bumps)
}

func TestCreateInvoiceRejectsDuplicateNumber(t *testing.T) {
	svc, _, _ := newTestService(t)
	customer := uuid.New()

	createInvoice(t, svc, customer, "INV-001", "100")
	_, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		CustomerID: customer,
		Number:     "INV-001",
		Lines:      []LineItem{{Description: "dup", Amount: dec("50")}},
	})
	require.Equal(t, shared.KindConflictingTransition, shared.KindOf(err))
}

func TestCreateInvoiceRejectsEmptyLines(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		CustomerID: uuid.New(),
		Number:     "INV-002",
	})
	require.Equal(t, shared.KindInvalidFilter, shared.KindOf(err))
}

func TestInvoiceStatusTransitions(t *testing.T) {
	cases := []struct {
		from    InvoiceStatus
		to      InvoiceStatus
		allowed bool
	}{
		{InvoiceStatusDraft, InvoiceStatusSent, true},
		{InvoiceStatusDraft, InvoiceStatusPaid, true},
		{InvoiceStatusDraft, InvoiceStatusCancelled, true},
		{InvoiceStatusSent, InvoiceStatusPaid, true},
		{InvoiceStatusSent, InvoiceStatusCancelled, true},
		{InvoiceStatusSent, InvoiceStatusDraft, false},
		{InvoiceStatusPaid, InvoiceStatusCancelled, false},
		{InvoiceStatusPaid, InvoiceStatusSent, false},
		{InvoiceStatusCancelled, InvoiceStatusSent, false},
		{InvoiceStatusCancelled, InvoiceStatusPaid, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.allowed, CanTransitionInvoice(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestChangeInvoiceStatusRejectsCancellingPaid(t *testing.T) {
	svc, repo, _ := newTestService(t)
	inv := createInvoice(t, svc, uuid.New(), "INV-003", "100")

	_, err := svc.ChangeInvoiceStatus(context.Background(), inv.ID, InvoiceStatusSent)
	require.NoError(t, err)
	_, err = svc.ChangeInvoiceStatus(context.Background(), inv.ID, InvoiceStatusPaid)
	require.NoError(t, err)

	_, err = svc.ChangeInvoiceStatus(context.Background(), inv.ID, InvoiceStatusCancelled)
	require.Equal(t, shared.KindConflictingTransition, shared.KindOf(err))

	stored, _ := repo.GetInvoice(context.Background(), inv.ID)
	require.Equal(t, InvoiceStatusPaid, stored.Status)
}

func TestChangeInvoiceStatusNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.ChangeInvoiceStatus(context.Background(), uuid.New(), InvoiceStatusSent)
	require.Equal(t, shared.KindNotFound, shared.KindOf(err))
}

func TestRecordPaymentRejectsCustomerMismatch(t *testing.T) {
	svc, _, _ := newTestService(t)
	inv := createInvoice(t, svc, uuid.New(), "INV-004", "100")

	_, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		CustomerID: uuid.New(),
		InvoiceID:  &inv.ID,
		Amount:     dec("100"),
		Method:     MethodCash,
	})
	require.Equal(t, shared.KindInvalidFilter, shared.KindOf(err))
}

func TestRecordPaymentRejectsNonPositiveAmount(t *testing.T) {
	svc, _, _ := newTestService(t)

	for _, amount := range []string{"0", "-10"} {
		_, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
			CustomerID: uuid.New(),
			Amount:     dec(amount),
			Method:     MethodCash,
		})
		require.Equal(t, shared.KindInvalidFilter, shared.KindOf(err))
	}
}

func TestCompletePaymentIdempotent(t *testing.T) {
	svc, _, inval := newTestService(t)
	inv := createInvoice(t, svc, uuid.New(), "INV-005", "1000")

	p, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		CustomerID: inv.CustomerID,
		InvoiceID:  &inv.ID,
		Amount:     dec("400"),
		Method:     MethodCreditCard,
	})
	require.NoError(t, err)

	bumpsBefore := inval.bumps
	first, err := svc.CompletePayment(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, PaymentStatusCompleted, first.Status)
	require.Equal(t, bumpsBefore+1, inval.bumps)

	// Applying the same command again must not double-count.
	second, err := svc.CompletePayment(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, PaymentStatusCompleted, second.Status)
	require.Equal(t, bumpsBefore+1, inval.bumps)

	view, err := svc.GetInvoiceView(context.Background(), inv.ID)
	require.NoError(t, err)
	require.True(t, view.Balance.Equal(dec("600")))
}

func TestCompletePaymentRejectsCancelled(t *testing.T) {
	svc, _, _ := newTestService(t)

	p, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		CustomerID: uuid.New(),
		Amount:     dec("50"),
		Method:     MethodCash,
	})
	require.NoError(t, err)
	_, err = svc.CancelPayment(context.Background(), p.ID)
	require.NoError(t, err)

	_, err = svc.CompletePayment(context.Background(), p.ID)
	require.Equal(t, shared.KindConflictingTransition, shared.KindOf(err))
}

func TestRefundPaymentStampsRefundedAt(t *testing.T) {
	svc, _, _ := newTestService(t)

	p, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		CustomerID: uuid.New(),
		Amount:     dec("200"),
		Method:     MethodBankTransfer,
	})
	require.NoError(t, err)
	_, err = svc.CompletePayment(context.Background(), p.ID)
	require.NoError(t, err)

	refunded, err := svc.RefundPayment(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, PaymentStatusRefunded, refunded.Status)
	require.NotNil(t, refunded.RefundedAt)

	// A pending payment cannot be refunded.
	other, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		CustomerID: uuid.New(),
		Amount:     dec("10"),
		Method:     MethodCash,
	})
	require.NoError(t, err)
	_, err = svc.RefundPayment(context.Background(), other.ID)
	require.Equal(t, shared.KindConflictingTransition, shared.KindOf(err))
}

func TestIssueReceiptOncePerPayment(t *testing.T) {
	svc, _, _ := newTestService(t)

	p, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		CustomerID: uuid.New(),
		Amount:     dec("300"),
		Method:     MethodCheck,
	})
	require.NoError(t, err)

	_, err = svc.IssueReceipt(context.Background(), p.ID)
	require.Equal(t, shared.KindConflictingTransition, shared.KindOf(err), "pending payment has no receipt")

	_, err = svc.CompletePayment(context.Background(), p.ID)
	require.NoError(t, err)

	rec, err := svc.IssueReceipt(context.Background(), p.ID)
	require.NoError(t, err)
	require.True(t, rec.Amount.Equal(dec("300")))
	require.NotEmpty(t, rec.Number)

	_, err = svc.IssueReceipt(context.Background(), p.ID)
	require.Equal(t, shared.KindConflictingTransition, shared.KindOf(err))
}

func TestGetReceiptReturnsIssuedReceipt(t *testing.T) {
	svc, _, _ := newTestService(t)

	p, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		CustomerID: uuid.New(),
		Amount:     dec("120"),
		Method:     MethodCash,
	})
	require.NoError(t, err)

	_, err = svc.GetReceipt(context.Background(), p.ID)
	require.Equal(t, shared.KindNotFound, shared.KindOf(err), "nothing issued yet")

	_, err = svc.CompletePayment(context.Background(), p.ID)
	require.NoError(t, err)
	issued, err := svc.IssueReceipt(context.Background(), p.ID)
	require.NoError(t, err)

	got, err := svc.GetReceipt(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, issued.ID, got.ID)
	require.Equal(t, issued.Number, got.Number)
	require.True(t, got.Amount.Equal(dec("120")))
}

func TestListInvoiceViewsRecomputesBalances(t *testing.T) {
	svc, _, _ := newTestService(t)
	customer := uuid.New()

	inv := createInvoice(t, svc, customer, "INV-006", "1000")
	_, err := svc.ChangeInvoiceStatus(context.Background(), inv.ID, InvoiceStatusSent)
	require.NoError(t, err)

	p, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		CustomerID: customer,
		InvoiceID:  &inv.ID,
		Amount:     dec("1000"),
		Method:     MethodBankTransfer,
	})
	require.NoError(t, err)
	_, err = svc.CompletePayment(context.Background(), p.ID)
	require.NoError(t, err)

	views, err := svc.ListInvoiceViews(context.Background(), ListInvoicesRequest{CustomerID: customer})
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.True(t, views[0].Balance.IsZero())
	require.False(t, views[0].Overdue)
}

func TestListInvoiceViewsRejectsUnknownStatus(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.ListInvoiceViews(context.Background(), ListInvoicesRequest{Status: "archived"})
	require.Equal(t, shared.KindInvalidFilter, shared.KindOf(err))
}

func TestRecordExpenseValidatesAndBumps(t *testing.T) {
	svc, repo, inval := newTestService(t)

	created, err := svc.RecordExpense(context.Background(), RecordExpenseInput{
		EntityKind: EntityCourse,
		EntityID:   uuid.New(),
		EntityName: "Go Fundamentals",
		Amount:     dec("250"),
	})
	require.NoError(t, err)
	require.False(t, created.IncurredAt.IsZero())
	require.Len(t, repo.expenses, 1)
	require.Equal(t, 1, inval.bumps)

	_, err = svc.RecordExpense(context.Background(), RecordExpenseInput{
		EntityKind: EntityOther,
		EntityID:   uuid.New(),
		Amount:     dec("10"),
	})
	require.Equal(t, shared.KindInvalidFilter, shared.KindOf(err))

	_, err = svc.RecordExpense(context.Background(), RecordExpenseInput{
		EntityKind: EntityWorkshop,
		EntityID:   uuid.New(),
		Amount:     dec("0"),
	})
	require.Equal(t, shared.KindInvalidFilter, shared.KindOf(err))
}
