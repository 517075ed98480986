package directory

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-crm/meridian-crm/internal/ledger"
	"github.com/meridian-crm/meridian-crm/internal/shared"
)

// Customer is the display projection of a CRM customer. The billing engine
// only uses it for enrichment; all computation keys on the id.
type Customer struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Phone string    `json:"phone"`
	Email string    `json:"email"`
}

// Entity names the revenue-generating target a payment is attributed to.
type Entity struct {
	Kind ledger.EntityKind `json:"kind"`
	ID   uuid.UUID         `json:"id"`
	Name string            `json:"name"`
}

// CustomerDirectory resolves customer display data.
type CustomerDirectory interface {
	GetCustomer(ctx context.Context, id uuid.UUID) (*Customer, error)
}

// EntityResolver resolves a tagged payment reference to its revenue entity.
type EntityResolver interface {
	ResolveEntity(ctx context.Context, ref ledger.RelatedRef) (*Entity, error)
}

// Repository is the PostgreSQL adapter for both ports, reading the CRM's
// customer, course and workshop tables.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetCustomer fetches display data for one customer.
func (r *Repository) GetCustomer(ctx context.Context, id uuid.UUID) (*Customer, error) {
	const query = `SELECT id, name, phone, email FROM customers WHERE id = $1`

	var c Customer
	err := r.pool.QueryRow(ctx, query, id).Scan(&c.ID, &c.Name, &c.Phone, &c.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, shared.NotFoundf("customer %s not found", id)
	}
	if err != nil {
		return nil, shared.FromContextErr(err)
	}
	return &c, nil
}

// ResolveEntity maps a tagged reference to a named course or workshop.
// References tagged other resolve to an unnamed entity rather than failing,
// since the engine still aggregates their revenue.
func (r *Repository) ResolveEntity(ctx context.Context, ref ledger.RelatedRef) (*Entity, error) {
	var table string
	switch ref.Kind {
	case ledger.EntityCourse:
		table = "courses"
	case ledger.EntityWorkshop:
		table = "workshops"
	case ledger.EntityOther:
		return &Entity{Kind: ledger.EntityOther, ID: ref.ID}, nil
	default:
		return nil, shared.InvalidFilterf("unknown entity kind %q", ref.Kind)
	}

	var e Entity
	e.Kind = ref.Kind
	err := r.pool.QueryRow(ctx, `SELECT id, name FROM `+table+` WHERE id = $1`, ref.ID).Scan(&e.ID, &e.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, shared.NotFoundf("%s %s not found", ref.Kind, ref.ID)
	}
	if err != nil {
		return nil, shared.FromContextErr(err)
	}
	return &e, nil
}
