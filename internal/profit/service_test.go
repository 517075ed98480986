package profit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-crm/meridian-crm/internal/directory"
	"github.com/meridian-crm/meridian-crm/internal/ledger"
	"github.com/meridian-crm/meridian-crm/internal/shared"
)

type memoryProfitRepo struct {
	payments []ledger.Payment
	expenses []ledger.EntityExpense
}

func inWindow(w ledger.PaymentWindow, t time.Time) bool {
	if w.From != nil && t.Before(*w.From) {
		return false
	}
	if w.To != nil && t.After(*w.To) {
		return false
	}
	return true
}

func (r *memoryProfitRepo) IteratePayments(ctx context.Context, window ledger.PaymentWindow, fn func(ledger.Payment) error) error {
	for _, p := range r.payments {
		if p.Status != ledger.PaymentStatusCompleted && p.Status != ledger.PaymentStatusRefunded {
			continue
		}
		relevant := inWindow(window, p.PaidAt) ||
			(p.RefundedAt != nil && inWindow(window, *p.RefundedAt))
		if !relevant {
			continue
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

func (r *memoryProfitRepo) SumExpenses(ctx context.Context, window ledger.PaymentWindow) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, e := range r.expenses {
		if inWindow(window, e.IncurredAt) {
			total = total.Add(e.Amount)
		}
	}
	return total, nil
}

func (r *memoryProfitRepo) ListExpensesByEntity(ctx context.Context, kind ledger.EntityKind, window ledger.PaymentWindow) ([]ledger.EntityExpense, error) {
	grouped := make(map[uuid.UUID]*ledger.EntityExpense)
	for _, e := range r.expenses {
		if e.EntityKind != kind || !inWindow(window, e.IncurredAt) {
			continue
		}
		entry, ok := grouped[e.EntityID]
		if !ok {
			copied := e
			grouped[e.EntityID] = &copied
			continue
		}
		entry.Amount = entry.Amount.Add(e.Amount)
	}
	var out []ledger.EntityExpense
	for _, e := range grouped {
		out = append(out, *e)
	}
	return out, nil
}

type memoryResolver struct {
	names map[uuid.UUID]string
}

func (r *memoryResolver) ResolveEntity(ctx context.Context, ref ledger.RelatedRef) (*directory.Entity, error) {
	name, ok := r.names[ref.ID]
	if !ok {
		return nil, shared.NotFoundf("%s %s not found", ref.Kind, ref.ID)
	}
	return &directory.Entity{Kind: ref.Kind, ID: ref.ID, Name: name}, nil
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func day(d int) time.Time {
	return time.Date(2026, 1, d, 0, 0, 0, 0, time.UTC)
}

func dayPtr(d int) *time.Time {
	t := day(d)
	return &t
}

type profitFixture struct {
	repo     *memoryProfitRepo
	resolver *memoryResolver
}

func newProfitFixture() *profitFixture {
	return &profitFixture{
		repo:     &memoryProfitRepo{},
		resolver: &memoryResolver{names: make(map[uuid.UUID]string)},
	}
}

func (f *profitFixture) service() *Service {
	return NewService(f.repo, f.resolver, nil)
}

func (f *profitFixture) addPayment(amount string, paidAt time.Time, status ledger.PaymentStatus, related ledger.RelatedRef, refundedAt *time.Time) {
	f.repo.payments = append(f.repo.payments, ledger.Payment{
		ID:         uuid.New(),
		CustomerID: uuid.New(),
		Amount:     dec(amount),
		PaidAt:     paidAt,
		Method:     ledger.MethodCreditCard,
		Status:     status,
		RelatedTo:  related,
		RefundedAt: refundedAt,
	})
}

func (f *profitFixture) addEntity(kind ledger.EntityKind, name string) ledger.RelatedRef {
	id := uuid.New()
	f.resolver.names[id] = name
	return ledger.RelatedRef{Kind: kind, ID: id}
}

func (f *profitFixture) addExpense(ref ledger.RelatedRef, name, amount string, incurredAt time.Time) {
	f.repo.expenses = append(f.repo.expenses, ledger.EntityExpense{
		ID:         uuid.New(),
		EntityKind: ref.Kind,
		EntityID:   ref.ID,
		EntityName: name,
		Amount:     dec(amount),
		IncurredAt: incurredAt,
	})
}

func TestGetBalanceAllTime(t *testing.T) {
	f := newProfitFixture()
	course := f.addEntity(ledger.EntityCourse, "Go Fundamentals")

	f.addPayment("1000", day(5), ledger.PaymentStatusCompleted, course, nil)
	f.addPayment("500", day(10), ledger.PaymentStatusCompleted, ledger.RelatedRef{}, nil)
	f.addPayment("200", day(12), ledger.PaymentStatusPending, ledger.RelatedRef{}, nil)
	f.addExpense(course, "Go Fundamentals", "300", day(8))

	balance, err := f.service().GetBalance(context.Background(), DateRange{})
	require.NoError(t, err)
	require.True(t, balance.Revenue.Equal(dec("1500")))
	require.True(t, balance.Expenses.Equal(dec("300")))
	require.True(t, balance.Profit.Equal(dec("1200")))
}

func TestGetBalanceProfitCanBeNegative(t *testing.T) {
	f := newProfitFixture()
	course := f.addEntity(ledger.EntityCourse, "Go Fundamentals")

	f.addPayment("100", day(5), ledger.PaymentStatusCompleted, course, nil)
	f.addExpense(course, "Go Fundamentals", "400", day(8))

	balance, err := f.service().GetBalance(context.Background(), DateRange{})
	require.NoError(t, err)
	require.True(t, balance.Profit.Equal(dec("-300")))
}

func TestGetBalanceRefundSymmetry(t *testing.T) {
	f := newProfitFixture()
	svc := f.service()
	rng := DateRange{From: dayPtr(1), To: dayPtr(31)}

	before, err := svc.GetBalance(context.Background(), rng)
	require.NoError(t, err)

	// Complete then refund inside the same range: revenue returns to its
	// pre-payment value.
	f.addPayment("750", day(5), ledger.PaymentStatusRefunded, ledger.RelatedRef{}, dayPtr(20))

	after, err := svc.GetBalance(context.Background(), rng)
	require.NoError(t, err)
	require.True(t, after.Revenue.Equal(before.Revenue))
}

func TestGetBalanceRefundReversedInRefundPeriod(t *testing.T) {
	f := newProfitFixture()
	svc := f.service()

	// Paid in January, refunded in February.
	refundedAt := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	f.addPayment("750", day(5), ledger.PaymentStatusRefunded, ledger.RelatedRef{}, &refundedAt)

	// The closed January period keeps its recognized revenue.
	jan, err := svc.GetBalance(context.Background(), DateRange{From: dayPtr(1), To: dayPtr(31)})
	require.NoError(t, err)
	require.True(t, jan.Revenue.Equal(dec("750")))

	// February carries the reversal.
	febStart := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	febEnd := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)
	feb, err := svc.GetBalance(context.Background(), DateRange{From: &febStart, To: &febEnd})
	require.NoError(t, err)
	require.True(t, feb.Revenue.Equal(dec("-750")))
}

func TestGetBalanceRangeBoundsInclusive(t *testing.T) {
	f := newProfitFixture()

	f.addPayment("100", day(1), ledger.PaymentStatusCompleted, ledger.RelatedRef{}, nil)
	f.addPayment("100", day(31), ledger.PaymentStatusCompleted, ledger.RelatedRef{}, nil)
	f.addPayment("100", time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC), ledger.PaymentStatusCompleted, ledger.RelatedRef{}, nil)

	balance, err := f.service().GetBalance(context.Background(), DateRange{From: dayPtr(1), To: dayPtr(31)})
	require.NoError(t, err)
	require.True(t, balance.Revenue.Equal(dec("200")))
}

func TestGetBalanceRejectsInvertedRange(t *testing.T) {
	f := newProfitFixture()

	_, err := f.service().GetBalance(context.Background(), DateRange{From: dayPtr(20), To: dayPtr(10)})
	require.Equal(t, shared.KindInvalidFilter, shared.KindOf(err))
}

func TestBreakdownGroupsByEntity(t *testing.T) {
	f := newProfitFixture()
	goCourse := f.addEntity(ledger.EntityCourse, "Go Fundamentals")
	pyCourse := f.addEntity(ledger.EntityCourse, "Python Basics")
	workshop := f.addEntity(ledger.EntityWorkshop, "Robotics Day")

	f.addPayment("1000", day(5), ledger.PaymentStatusCompleted, goCourse, nil)
	f.addPayment("400", day(6), ledger.PaymentStatusCompleted, goCourse, nil)
	f.addPayment("900", day(7), ledger.PaymentStatusCompleted, pyCourse, nil)
	f.addPayment("9999", day(8), ledger.PaymentStatusCompleted, workshop, nil)
	f.addExpense(goCourse, "Go Fundamentals", "250", day(9))

	breakdown, err := f.service().GetProfitabilityBreakdown(context.Background(), ledger.EntityCourse, DateRange{})
	require.NoError(t, err)
	require.Len(t, breakdown, 2)

	require.Equal(t, "Go Fundamentals", breakdown[0].Name)
	require.True(t, breakdown[0].Revenue.Equal(dec("1400")))
	require.True(t, breakdown[0].Expenses.Equal(dec("250")))
	require.Equal(t, "Python Basics", breakdown[1].Name)
	require.True(t, breakdown[1].Revenue.Equal(dec("900")))
}

func TestBreakdownOmitsZeroEntities(t *testing.T) {
	f := newProfitFixture()
	active := f.addEntity(ledger.EntityCourse, "Active")
	idle := f.addEntity(ledger.EntityCourse, "Idle")

	f.addPayment("100", day(5), ledger.PaymentStatusCompleted, active, nil)
	// The idle course has one payment fully refunded within the range and
	// no expenses: zero revenue, zero expenses, so it must not appear.
	f.addPayment("300", day(6), ledger.PaymentStatusRefunded, idle, dayPtr(7))

	breakdown, err := f.service().GetProfitabilityBreakdown(context.Background(), ledger.EntityCourse, DateRange{})
	require.NoError(t, err)
	require.Len(t, breakdown, 1)
	require.Equal(t, "Active", breakdown[0].Name)
}

func TestBreakdownIncludesExpenseOnlyEntities(t *testing.T) {
	f := newProfitFixture()
	course := f.addEntity(ledger.EntityCourse, "Materials Heavy")

	f.addExpense(course, "Materials Heavy", "500", day(3))

	breakdown, err := f.service().GetProfitabilityBreakdown(context.Background(), ledger.EntityCourse, DateRange{})
	require.NoError(t, err)
	require.Len(t, breakdown, 1)
	require.True(t, breakdown[0].Revenue.IsZero())
	require.True(t, breakdown[0].Expenses.Equal(dec("500")))
}

func TestBreakdownRejectsUnknownEntityType(t *testing.T) {
	f := newProfitFixture()

	_, err := f.service().GetProfitabilityBreakdown(context.Background(), ledger.EntityOther, DateRange{})
	require.Equal(t, shared.KindInvalidFilter, shared.KindOf(err))

	_, err = f.service().GetProfitabilityBreakdown(context.Background(), "seminar", DateRange{})
	require.Equal(t, shared.KindInvalidFilter, shared.KindOf(err))
}
