package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-crm/meridian-crm/internal/shared"
)

// Repository provides PostgreSQL backed persistence for the ledger.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// iterateBatchSize bounds how many payment rows a streaming scan pulls per
// round trip.
const iterateBatchSize = 500

// mapStoreErr translates driver failures into the engine error taxonomy.
// Connection-class postgres errors become StorageUnavailable so callers can
// retry with backoff; the repository itself never retries.
func mapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return shared.Cancelled(err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 = connection exception, 53 = insufficient resources,
		// 57 = operator intervention (shutdown, crash recovery).
		switch pgErr.Code[:2] {
		case "08", "53", "57":
			return shared.StorageUnavailable(err)
		}
		return err
	}
	if pgconn.SafeToRetry(err) {
		return shared.StorageUnavailable(err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// lockCustomer serializes writes per customer inside the current transaction.
func lockCustomer(ctx context.Context, tx pgx.Tx, customerID uuid.UUID) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, customerID)
	return err
}

// --- Invoice operations ---

// CreateInvoice persists a new draft invoice with its line items.
func (r *Repository) CreateInvoice(ctx context.Context, inv Invoice) (*Invoice, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	defer tx.Rollback(ctx)

	if err := lockCustomer(ctx, tx, inv.CustomerID); err != nil {
		return nil, mapStoreErr(err)
	}

	const query = `
		INSERT INTO invoices (id, customer_id, number, issue_date, due_date, total, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		RETURNING created_at, updated_at`

	err = tx.QueryRow(ctx, query,
		inv.ID, inv.CustomerID, inv.Number, inv.IssueDate, inv.DueDate, inv.Total, inv.Status,
	).Scan(&inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, shared.Conflictf("invoice number %s already issued", inv.Number)
		}
		return nil, mapStoreErr(err)
	}

	const lineQuery = `
		INSERT INTO invoice_lines (invoice_id, position, description, amount)
		VALUES ($1, $2, $3, $4)`
	for i, line := range inv.Lines {
		if _, err := tx.Exec(ctx, lineQuery, inv.ID, i, line.Description, line.Amount); err != nil {
			return nil, mapStoreErr(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapStoreErr(err)
	}
	return &inv, nil
}

// GetInvoice retrieves an invoice with its ordered line items.
func (r *Repository) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	const query = `
		SELECT id, customer_id, number, issue_date, due_date, total, status, created_at, updated_at
		FROM invoices
		WHERE id = $1`

	inv, err := scanInvoice(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.NotFoundf("invoice %s not found", id)
		}
		return nil, mapStoreErr(err)
	}

	const lineQuery = `
		SELECT description, amount
		FROM invoice_lines
		WHERE invoice_id = $1
		ORDER BY position`
	rows, err := r.pool.Query(ctx, lineQuery, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	defer rows.Close()
	for rows.Next() {
		var line LineItem
		if err := rows.Scan(&line.Description, &line.Amount); err != nil {
			return nil, mapStoreErr(err)
		}
		inv.Lines = append(inv.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreErr(err)
	}
	return inv, nil
}

// ListInvoicesRequest filters invoice listings. Zero fields are ignored.
type ListInvoicesRequest struct {
	Status     InvoiceStatus
	CustomerID uuid.UUID
	From       *time.Time
	To         *time.Time
}

// ListInvoices returns invoices matching the request, line items omitted.
// Date bounds are inclusive and compared against the issue date.
func (r *Repository) ListInvoices(ctx context.Context, req ListInvoicesRequest) ([]Invoice, error) {
	query := `
		SELECT id, customer_id, number, issue_date, due_date, total, status, created_at, updated_at
		FROM invoices
		WHERE 1=1`

	args := []any{}
	argNum := 1
	if req.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, string(req.Status))
		argNum++
	}
	if req.CustomerID != uuid.Nil {
		query += fmt.Sprintf(" AND customer_id = $%d", argNum)
		args = append(args, req.CustomerID)
		argNum++
	}
	if req.From != nil {
		query += fmt.Sprintf(" AND issue_date >= $%d", argNum)
		args = append(args, *req.From)
		argNum++
	}
	if req.To != nil {
		query += fmt.Sprintf(" AND issue_date <= $%d", argNum)
		args = append(args, *req.To)
		argNum++
	}
	query += " ORDER BY issue_date DESC, id"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	defer rows.Close()

	var invoices []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, mapStoreErr(err)
		}
		invoices = append(invoices, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreErr(err)
	}
	return invoices, nil
}

// ListOpenInvoices returns draft and sent invoices, the only statuses that
// participate in debt.
func (r *Repository) ListOpenInvoices(ctx context.Context) ([]Invoice, error) {
	const query = `
		SELECT id, customer_id, number, issue_date, due_date, total, status, created_at, updated_at
		FROM invoices
		WHERE status IN ('draft', 'sent')
		ORDER BY customer_id, issue_date, id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	defer rows.Close()

	var invoices []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, mapStoreErr(err)
		}
		invoices = append(invoices, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreErr(err)
	}
	return invoices, nil
}

// UpdateInvoiceStatus applies a guarded status transition. The predicate on
// the current status makes concurrent conflicting transitions lose cleanly.
func (r *Repository) UpdateInvoiceStatus(ctx context.Context, id uuid.UUID, from, to InvoiceStatus) (bool, error) {
	const query = `
		UPDATE invoices
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`

	tag, err := r.pool.Exec(ctx, query, id, from, to)
	if err != nil {
		return false, mapStoreErr(err)
	}
	return tag.RowsAffected() == 1, nil
}

// --- Payment operations ---

// CreatePayment persists a pending payment.
func (r *Repository) CreatePayment(ctx context.Context, p Payment) (*Payment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	defer tx.Rollback(ctx)

	if err := lockCustomer(ctx, tx, p.CustomerID); err != nil {
		return nil, mapStoreErr(err)
	}

	const query = `
		INSERT INTO payments (
			id, customer_id, invoice_id, amount, paid_at, method, status,
			installments, installment_index, related_kind, related_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		RETURNING created_at, updated_at`

	var relatedKind *string
	var relatedID *uuid.UUID
	if !p.RelatedTo.IsZero() {
		kind := string(p.RelatedTo.Kind)
		relatedKind = &kind
		relatedID = &p.RelatedTo.ID
	}

	err = tx.QueryRow(ctx, query,
		p.ID, p.CustomerID, p.InvoiceID, p.Amount, p.PaidAt, p.Method, p.Status,
		p.Installments, p.InstallmentIndex, relatedKind, relatedID,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, shared.Conflictf("payment %s already recorded", p.ID)
		}
		return nil, mapStoreErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapStoreErr(err)
	}
	return &p, nil
}

// GetPayment retrieves a payment by id.
func (r *Repository) GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error) {
	const query = `
		SELECT id, customer_id, invoice_id, amount, paid_at, method, status,
			installments, installment_index, related_kind, related_id, refunded_at,
			created_at, updated_at
		FROM payments
		WHERE id = $1`

	p, err := scanPayment(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.NotFoundf("payment %s not found", id)
		}
		return nil, mapStoreErr(err)
	}
	return p, nil
}

// UpdatePaymentStatus applies a guarded payment transition, serialized on
// the owning customer. A transition to refunded stamps refunded_at so the
// aggregation engine can reverse revenue in the refund period.
func (r *Repository) UpdatePaymentStatus(ctx context.Context, id uuid.UUID, customerID uuid.UUID, from, to PaymentStatus, at time.Time) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, mapStoreErr(err)
	}
	defer tx.Rollback(ctx)

	if err := lockCustomer(ctx, tx, customerID); err != nil {
		return false, mapStoreErr(err)
	}

	query := `
		UPDATE payments
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`
	args := []any{id, from, to}
	if to == PaymentStatusRefunded {
		query = `
		UPDATE payments
		SET status = $3, refunded_at = $4, updated_at = NOW()
		WHERE id = $1 AND status = $2`
		args = append(args, at)
	}

	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return false, mapStoreErr(err)
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return false, mapStoreErr(err)
	}
	return true, nil
}

// ListPaymentsByInvoiceIDs loads all payments referencing the given
// invoices in one round trip, grouped by invoice.
func (r *Repository) ListPaymentsByInvoiceIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]Payment, error) {
	result := make(map[uuid.UUID][]Payment, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	const query = `
		SELECT id, customer_id, invoice_id, amount, paid_at, method, status,
			installments, installment_index, related_kind, related_id, refunded_at,
			created_at, updated_at
		FROM payments
		WHERE invoice_id = ANY($1)
		ORDER BY paid_at, id`

	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, mapStoreErr(err)
		}
		if p.InvoiceID != nil {
			result[*p.InvoiceID] = append(result[*p.InvoiceID], *p)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreErr(err)
	}
	return result, nil
}

// PaymentWindow bounds a revenue scan. Nil bounds mean all-time. A payment
// matches when its paid_at falls inside the window, or, for refunded
// payments, when the refund does.
type PaymentWindow struct {
	From *time.Time
	To   *time.Time
}

// IteratePayments streams completed and refunded payments relevant to the
// window in bounded keyset-paginated batches, so date-ranged aggregation
// never loads the full history into memory.
func (r *Repository) IteratePayments(ctx context.Context, window PaymentWindow, fn func(Payment) error) error {
	query := `
		SELECT id, customer_id, invoice_id, amount, paid_at, method, status,
			installments, installment_index, related_kind, related_id, refunded_at,
			created_at, updated_at
		FROM payments
		WHERE status IN ('completed', 'refunded')`

	args := []any{}
	argNum := 1
	if window.From != nil {
		query += fmt.Sprintf(" AND (paid_at >= $%d OR (refunded_at IS NOT NULL AND refunded_at >= $%d))", argNum, argNum)
		args = append(args, *window.From)
		argNum++
	}
	if window.To != nil {
		query += fmt.Sprintf(" AND (paid_at <= $%d OR (refunded_at IS NOT NULL AND refunded_at <= $%d))", argNum, argNum)
		args = append(args, *window.To)
		argNum++
	}

	var lastPaidAt time.Time
	var lastID uuid.UUID
	first := true
	for {
		if err := ctx.Err(); err != nil {
			return shared.FromContextErr(err)
		}
		batchQuery := query
		batchArgs := args
		if !first {
			batchQuery += fmt.Sprintf(" AND (paid_at, id) > ($%d, $%d)", argNum, argNum+1)
			batchArgs = append(append([]any{}, args...), lastPaidAt, lastID)
		}
		batchQuery += fmt.Sprintf(" ORDER BY paid_at, id LIMIT %d", iterateBatchSize)

		rows, err := r.pool.Query(ctx, batchQuery, batchArgs...)
		if err != nil {
			return mapStoreErr(err)
		}
		count := 0
		for rows.Next() {
			p, err := scanPayment(rows)
			if err != nil {
				rows.Close()
				return mapStoreErr(err)
			}
			if err := fn(*p); err != nil {
				rows.Close()
				return err
			}
			lastPaidAt = p.PaidAt
			lastID = p.ID
			count++
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return mapStoreErr(err)
		}
		if count < iterateBatchSize {
			return nil
		}
		first = false
	}
}

// --- Receipt operations ---

// CreateReceipt issues the receipt for a completed payment. The unique
// constraint on payment_id enforces the 1:1 rule at the store level.
func (r *Repository) CreateReceipt(ctx context.Context, rec Receipt) (*Receipt, error) {
	const query = `
		INSERT INTO receipts (id, number, customer_id, payment_id, amount, issued_at)
		VALUES ($1, 'RCP-' || LPAD(nextval('receipt_number_seq')::text, 6, '0'), $2, $3, $4, $5)
		RETURNING number`

	err := r.pool.QueryRow(ctx, query,
		rec.ID, rec.CustomerID, rec.PaymentID, rec.Amount, rec.IssuedAt,
	).Scan(&rec.Number)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, shared.Conflictf("receipt already issued for payment %s", rec.PaymentID)
		}
		return nil, mapStoreErr(err)
	}
	return &rec, nil
}

// GetReceiptByPayment retrieves the receipt issued for a payment.
func (r *Repository) GetReceiptByPayment(ctx context.Context, paymentID uuid.UUID) (*Receipt, error) {
	const query = `
		SELECT id, number, customer_id, payment_id, amount, issued_at
		FROM receipts
		WHERE payment_id = $1`

	var rec Receipt
	err := r.pool.QueryRow(ctx, query, paymentID).Scan(
		&rec.ID, &rec.Number, &rec.CustomerID, &rec.PaymentID, &rec.Amount, &rec.IssuedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, shared.NotFoundf("no receipt for payment %s", paymentID)
	}
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return &rec, nil
}

// --- Entity expense operations ---

// EntityExpense is an externally sourced cost row attributed to a revenue
// entity (instructor pay, materials). The engine only sums these.
type EntityExpense struct {
	ID         uuid.UUID
	EntityKind EntityKind
	EntityID   uuid.UUID
	EntityName string
	Amount     decimal.Decimal
	IncurredAt time.Time
}

// CreateEntityExpense records an expense row.
func (r *Repository) CreateEntityExpense(ctx context.Context, e EntityExpense) (*EntityExpense, error) {
	const query = `
		INSERT INTO entity_expenses (id, entity_kind, entity_id, entity_name, amount, incurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := r.pool.Exec(ctx, query, e.ID, e.EntityKind, e.EntityID, e.EntityName, e.Amount, e.IncurredAt); err != nil {
		return nil, mapStoreErr(err)
	}
	return &e, nil
}

// SumExpenses totals expense rows inside the window.
func (r *Repository) SumExpenses(ctx context.Context, window PaymentWindow) (decimal.Decimal, error) {
	query := `SELECT COALESCE(SUM(amount), 0) FROM entity_expenses WHERE 1=1`
	args := []any{}
	argNum := 1
	if window.From != nil {
		query += fmt.Sprintf(" AND incurred_at >= $%d", argNum)
		args = append(args, *window.From)
		argNum++
	}
	if window.To != nil {
		query += fmt.Sprintf(" AND incurred_at <= $%d", argNum)
		args = append(args, *window.To)
	}

	var total decimal.Decimal
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&total); err != nil {
		return decimal.Zero, mapStoreErr(err)
	}
	return total, nil
}

// ListExpensesByEntity totals expense rows per entity of the given kind
// inside the window.
func (r *Repository) ListExpensesByEntity(ctx context.Context, kind EntityKind, window PaymentWindow) ([]EntityExpense, error) {
	query := `
		SELECT entity_id, MAX(entity_name), COALESCE(SUM(amount), 0)
		FROM entity_expenses
		WHERE entity_kind = $1`
	args := []any{string(kind)}
	argNum := 2
	if window.From != nil {
		query += fmt.Sprintf(" AND incurred_at >= $%d", argNum)
		args = append(args, *window.From)
		argNum++
	}
	if window.To != nil {
		query += fmt.Sprintf(" AND incurred_at <= $%d", argNum)
		args = append(args, *window.To)
	}
	query += " GROUP BY entity_id ORDER BY entity_id"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	defer rows.Close()

	var expenses []EntityExpense
	for rows.Next() {
		e := EntityExpense{EntityKind: kind}
		if err := rows.Scan(&e.EntityID, &e.EntityName, &e.Amount); err != nil {
			return nil, mapStoreErr(err)
		}
		expenses = append(expenses, e)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreErr(err)
	}
	return expenses, nil
}

// --- Scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (*Invoice, error) {
	var inv Invoice
	err := row.Scan(
		&inv.ID, &inv.CustomerID, &inv.Number, &inv.IssueDate, &inv.DueDate,
		&inv.Total, &inv.Status, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func scanPayment(row rowScanner) (*Payment, error) {
	var p Payment
	var relatedKind *string
	var relatedID *uuid.UUID
	err := row.Scan(
		&p.ID, &p.CustomerID, &p.InvoiceID, &p.Amount, &p.PaidAt, &p.Method, &p.Status,
		&p.Installments, &p.InstallmentIndex, &relatedKind, &relatedID, &p.RefundedAt,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if relatedKind != nil && relatedID != nil {
		p.RelatedTo = RelatedRef{Kind: EntityKind(*relatedKind), ID: *relatedID}
	}
	return &p, nil
}
