package profit

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-crm/meridian-crm/internal/directory"
	"github.com/meridian-crm/meridian-crm/internal/ledger"
	"github.com/meridian-crm/meridian-crm/internal/shared"
)

// RepositoryPort defines the streaming ledger reads the engine needs.
// Payments arrive in bounded batches so a multi-year range never loads the
// full history into memory.
type RepositoryPort interface {
	IteratePayments(ctx context.Context, window ledger.PaymentWindow, fn func(ledger.Payment) error) error
	SumExpenses(ctx context.Context, window ledger.PaymentWindow) (decimal.Decimal, error)
	ListExpensesByEntity(ctx context.Context, kind ledger.EntityKind, window ledger.PaymentWindow) ([]ledger.EntityExpense, error)
}

// Service computes revenue, expense and profit aggregates over the ledger.
type Service struct {
	repo     RepositoryPort
	resolver directory.EntityResolver
	cache    *Cache
}

// NewService wires the repository with the resolver and cache helper. A nil
// cache disables caching and every read hits the store.
func NewService(repo RepositoryPort, resolver directory.EntityResolver, cache *Cache) *Service {
	return &Service{repo: repo, resolver: resolver, cache: cache}
}

// revenueContribution returns a payment's net effect on revenue inside the
// range. A completed payment counts in the period it was paid. A refund
// reverses the amount in the period it was refunded, leaving the original
// period untouched; a range spanning both events nets to zero.
func revenueContribution(p ledger.Payment, rng DateRange) decimal.Decimal {
	net := decimal.Zero
	if (p.Status == ledger.PaymentStatusCompleted || p.Status == ledger.PaymentStatusRefunded) && rng.Contains(p.PaidAt) {
		net = net.Add(p.Amount)
	}
	if p.Status == ledger.PaymentStatusRefunded && p.RefundedAt != nil && rng.Contains(*p.RefundedAt) {
		net = net.Sub(p.Amount)
	}
	return net
}

// GetBalance computes {revenue, expenses, profit} for the range. An empty
// range covers all time.
func (s *Service) GetBalance(ctx context.Context, rng DateRange) (*Balance, error) {
	if err := validateRange(rng); err != nil {
		return nil, err
	}
	loader := func(ctx context.Context) (interface{}, error) {
		revenue := decimal.Zero
		err := s.repo.IteratePayments(ctx, rng.window(), func(p ledger.Payment) error {
			revenue = revenue.Add(revenueContribution(p, rng))
			return nil
		})
		if err != nil {
			return nil, err
		}
		expenses, err := s.repo.SumExpenses(ctx, rng.window())
		if err != nil {
			return nil, err
		}
		return &Balance{
			Revenue:  revenue,
			Expenses: expenses,
			Profit:   revenue.Sub(expenses),
		}, nil
	}

	if s.cache == nil {
		value, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		return value.(*Balance), nil
	}
	key, err := s.cache.BuildKey(ctx, keyBalance(rng))
	if err != nil {
		return nil, err
	}
	var balance Balance
	if err := s.cache.FetchJSON(ctx, key, &balance, loader); err != nil {
		return nil, err
	}
	return &balance, nil
}

// GetProfitabilityBreakdown attributes recognized revenue and expenses to
// each entity of the requested kind. The result is sparse: an entity with
// zero revenue and zero expenses in the range does not appear.
func (s *Service) GetProfitabilityBreakdown(ctx context.Context, kind ledger.EntityKind, rng DateRange) ([]EntityBreakdown, error) {
	if kind != ledger.EntityCourse && kind != ledger.EntityWorkshop {
		return nil, shared.InvalidFilterf("entity type must be course or workshop, got %q", kind)
	}
	if err := validateRange(rng); err != nil {
		return nil, err
	}
	loader := func(ctx context.Context) (interface{}, error) {
		return s.loadBreakdown(ctx, kind, rng)
	}

	if s.cache == nil {
		value, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		return value.([]EntityBreakdown), nil
	}
	key, err := s.cache.BuildKey(ctx, keyBreakdown(kind, rng))
	if err != nil {
		return nil, err
	}
	var breakdown []EntityBreakdown
	if err := s.cache.FetchJSON(ctx, key, &breakdown, loader); err != nil {
		return nil, err
	}
	return breakdown, nil
}

func (s *Service) loadBreakdown(ctx context.Context, kind ledger.EntityKind, rng DateRange) ([]EntityBreakdown, error) {
	entries := make(map[uuid.UUID]*EntityBreakdown)
	names := make(map[uuid.UUID]string)

	err := s.repo.IteratePayments(ctx, rng.window(), func(p ledger.Payment) error {
		if p.RelatedTo.Kind != kind {
			return nil
		}
		net := revenueContribution(p, rng)
		if net.IsZero() {
			return nil
		}
		entry, ok := entries[p.RelatedTo.ID]
		if !ok {
			entry = &EntityBreakdown{
				ID:       p.RelatedTo.ID,
				Name:     s.resolveName(ctx, p.RelatedTo, names),
				Revenue:  decimal.Zero,
				Expenses: decimal.Zero,
			}
			entries[p.RelatedTo.ID] = entry
		}
		entry.Revenue = entry.Revenue.Add(net)
		return nil
	})
	if err != nil {
		return nil, err
	}

	expenses, err := s.repo.ListExpensesByEntity(ctx, kind, rng.window())
	if err != nil {
		return nil, err
	}
	for _, e := range expenses {
		entry, ok := entries[e.EntityID]
		if !ok {
			entry = &EntityBreakdown{
				ID:       e.EntityID,
				Name:     e.EntityName,
				Revenue:  decimal.Zero,
				Expenses: decimal.Zero,
			}
			entries[e.EntityID] = entry
		}
		entry.Expenses = entry.Expenses.Add(e.Amount)
		if entry.Name == "" {
			entry.Name = e.EntityName
		}
	}

	breakdown := make([]EntityBreakdown, 0, len(entries))
	for _, entry := range entries {
		if entry.Revenue.IsZero() && entry.Expenses.IsZero() {
			continue
		}
		breakdown = append(breakdown, *entry)
	}
	sort.Slice(breakdown, func(i, j int) bool {
		if !breakdown[i].Revenue.Equal(breakdown[j].Revenue) {
			return breakdown[i].Revenue.GreaterThan(breakdown[j].Revenue)
		}
		return strings.Compare(breakdown[i].ID.String(), breakdown[j].ID.String()) < 0
	})
	return breakdown, nil
}

// resolveName looks up the entity display name once per id per scan. A
// missing directory entry leaves the name empty rather than failing the
// whole breakdown.
func (s *Service) resolveName(ctx context.Context, ref ledger.RelatedRef, memo map[uuid.UUID]string) string {
	if name, ok := memo[ref.ID]; ok {
		return name
	}
	name := ""
	if s.resolver != nil {
		if entity, err := s.resolver.ResolveEntity(ctx, ref); err == nil {
			name = entity.Name
		}
	}
	memo[ref.ID] = name
	return name
}

func validateRange(rng DateRange) error {
	if rng.From != nil && rng.To != nil && rng.From.After(*rng.To) {
		return shared.InvalidFilterf("start date is after end date")
	}
	return nil
}
