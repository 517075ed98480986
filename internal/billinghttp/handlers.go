// Package billinghttp exposes the billing engine over a JSON HTTP API.
package billinghttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-crm/meridian-crm/internal/debt"
	"github.com/meridian-crm/meridian-crm/internal/directory"
	"github.com/meridian-crm/meridian-crm/internal/ledger"
	"github.com/meridian-crm/meridian-crm/internal/platform/httpx"
	"github.com/meridian-crm/meridian-crm/internal/profit"
	"github.com/meridian-crm/meridian-crm/internal/shared"
)

const requestTimeout = 5 * time.Second

// LedgerService defines the ledger commands and views the API exposes.
type LedgerService interface {
	CreateInvoice(ctx context.Context, input ledger.CreateInvoiceInput) (*ledger.Invoice, error)
	ChangeInvoiceStatus(ctx context.Context, id uuid.UUID, to ledger.InvoiceStatus) (*ledger.Invoice, error)
	GetInvoiceView(ctx context.Context, id uuid.UUID) (*ledger.InvoiceView, error)
	ListInvoiceViews(ctx context.Context, req ledger.ListInvoicesRequest) ([]ledger.InvoiceView, error)
	RecordPayment(ctx context.Context, input ledger.RecordPaymentInput) (*ledger.Payment, error)
	CompletePayment(ctx context.Context, id uuid.UUID) (*ledger.Payment, error)
	CancelPayment(ctx context.Context, id uuid.UUID) (*ledger.Payment, error)
	RefundPayment(ctx context.Context, id uuid.UUID) (*ledger.Payment, error)
	IssueReceipt(ctx context.Context, paymentID uuid.UUID) (*ledger.Receipt, error)
	GetReceipt(ctx context.Context, paymentID uuid.UUID) (*ledger.Receipt, error)
	RecordExpense(ctx context.Context, input ledger.RecordExpenseInput) (*ledger.EntityExpense, error)
}

// DebtService defines the debt rollup read.
type DebtService interface {
	CustomersWithDebt(ctx context.Context, minAmount *decimal.Decimal) (*debt.Report, error)
}

// ProfitService defines the aggregation reads.
type ProfitService interface {
	GetBalance(ctx context.Context, rng profit.DateRange) (*profit.Balance, error)
	GetProfitabilityBreakdown(ctx context.Context, kind ledger.EntityKind, rng profit.DateRange) ([]profit.EntityBreakdown, error)
}

// Handler coordinates HTTP requests for billing and profitability.
type Handler struct {
	logger    *slog.Logger
	ledger    LedgerService
	debt      DebtService
	profit    ProfitService
	customers directory.CustomerDirectory
	validator *validator.Validate
}

// NewHandler constructs the billing HTTP handler. A nil customer directory
// leaves invoice rows with bare customer ids.
func NewHandler(logger *slog.Logger, ledgerSvc LedgerService, debtSvc DebtService, profitSvc ProfitService, customers directory.CustomerDirectory) *Handler {
	return &Handler{
		logger:    logger,
		ledger:    ledgerSvc,
		debt:      debtSvc,
		profit:    profitSvc,
		customers: customers,
		validator: validator.New(),
	}
}

// MountRoutes registers billing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/invoices", func(r chi.Router) {
		r.Get("/", h.listInvoices)
		r.Post("/", h.createInvoice)
		r.Get("/{id}", h.getInvoice)
		r.Post("/{id}/status", h.changeInvoiceStatus)
	})

	r.Route("/payments", func(r chi.Router) {
		r.Post("/", h.recordPayment)
		r.Post("/{id}/complete", h.completePayment)
		r.Post("/{id}/cancel", h.cancelPayment)
		r.Post("/{id}/refund", h.refundPayment)
		r.Post("/{id}/receipt", h.issueReceipt)
		r.Get("/{id}/receipt", h.getReceipt)
	})

	r.Post("/expenses", h.recordExpense)

	r.Get("/customers/debts", h.listDebtors)
	r.Get("/balance", h.getBalance)
	r.Get("/profitability", h.getProfitability)
	r.Get("/overview", h.getOverview)
}

func (h *Handler) listInvoices(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	req := ledger.ListInvoicesRequest{
		Status: ledger.InvoiceStatus(r.URL.Query().Get("status")),
	}
	if raw := r.URL.Query().Get("customerId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.respondError(w, shared.InvalidFilterf("customerId must be a uuid"))
			return
		}
		req.CustomerID = id
	}
	rng, err := parseDateRange(r)
	if err != nil {
		h.respondError(w, err)
		return
	}
	req.From, req.To = rng.From, rng.To

	views, err := h.ledger.ListInvoiceViews(ctx, req)
	if err != nil {
		h.logError(r, "list invoices", err)
		h.respondError(w, err)
		return
	}
	rows, err := h.invoiceRows(ctx, views)
	if err != nil {
		h.logError(r, "list invoices", err)
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, invoiceListResponse{Invoices: rows, Count: len(rows)})
}

// invoiceRows projects views into the published invoice shape, enriching
// each row with customer display data. The lookup is memoized per customer
// so a hundred-invoice list does not hammer the directory.
func (h *Handler) invoiceRows(ctx context.Context, views []ledger.InvoiceView) ([]invoiceRowResponse, error) {
	rows := make([]invoiceRowResponse, 0, len(views))
	seen := make(map[uuid.UUID]*directory.Customer)
	for _, view := range views {
		customer, ok := seen[view.CustomerID]
		if !ok {
			var err error
			customer, err = h.lookupCustomer(ctx, view.CustomerID)
			if err != nil {
				return nil, err
			}
			seen[view.CustomerID] = customer
		}
		rows = append(rows, toInvoiceRow(view, customer))
	}
	return rows, nil
}

// lookupCustomer resolves display data. A customer missing from the
// directory keeps the bare id in place; every other failure aborts the read.
func (h *Handler) lookupCustomer(ctx context.Context, id uuid.UUID) (*directory.Customer, error) {
	if h.customers == nil {
		return &directory.Customer{ID: id}, nil
	}
	customer, err := h.customers.GetCustomer(ctx, id)
	if shared.KindOf(err) == shared.KindNotFound {
		return &directory.Customer{ID: id}, nil
	}
	if err != nil {
		return nil, err
	}
	return customer, nil
}

func (h *Handler) createInvoice(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var req createInvoiceRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		h.respondError(w, err)
		return
	}

	customerID, err := uuid.Parse(req.CustomerID)
	if err != nil {
		h.respondError(w, shared.InvalidFilterf("customerId must be a uuid"))
		return
	}
	input := ledger.CreateInvoiceInput{
		CustomerID: customerID,
		Number:     req.Number,
	}
	if req.IssueDate != "" {
		issue, err := time.Parse(dateLayout, req.IssueDate)
		if err != nil {
			h.respondError(w, shared.InvalidFilterf("issueDate must be YYYY-MM-DD"))
			return
		}
		input.IssueDate = issue
	}
	if req.DueDate != "" {
		due, err := time.Parse(dateLayout, req.DueDate)
		if err != nil {
			h.respondError(w, shared.InvalidFilterf("dueDate must be YYYY-MM-DD"))
			return
		}
		input.DueDate = &due
	}
	for _, line := range req.Lines {
		amount, err := decimal.NewFromString(line.Amount)
		if err != nil {
			h.respondError(w, shared.InvalidFilterf("line amount %q is not a decimal", line.Amount))
			return
		}
		input.Lines = append(input.Lines, ledger.LineItem{Description: line.Description, Amount: amount})
	}

	inv, err := h.ledger.CreateInvoice(ctx, input)
	if err != nil {
		h.logError(r, "create invoice", err)
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, inv)
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	id, err := parseIDParam(r)
	if err != nil {
		h.respondError(w, err)
		return
	}
	view, err := h.ledger.GetInvoiceView(ctx, id)
	if err != nil {
		h.logError(r, "get invoice", err)
		h.respondError(w, err)
		return
	}
	customer, err := h.lookupCustomer(ctx, view.CustomerID)
	if err != nil {
		h.logError(r, "get invoice", err)
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toInvoiceRow(*view, customer))
}

func (h *Handler) changeInvoiceStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	id, err := parseIDParam(r)
	if err != nil {
		h.respondError(w, err)
		return
	}
	var req changeInvoiceStatusRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		h.respondError(w, err)
		return
	}
	inv, err := h.ledger.ChangeInvoiceStatus(ctx, id, ledger.InvoiceStatus(req.Status))
	if err != nil {
		h.logError(r, "change invoice status", err)
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var req recordPaymentRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		h.respondError(w, err)
		return
	}

	customerID, err := uuid.Parse(req.CustomerID)
	if err != nil {
		h.respondError(w, shared.InvalidFilterf("customerId must be a uuid"))
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		h.respondError(w, shared.InvalidFilterf("amount %q is not a decimal", req.Amount))
		return
	}
	input := ledger.RecordPaymentInput{
		CustomerID:       customerID,
		Amount:           amount,
		Method:           ledger.PaymentMethod(req.Method),
		Installments:     req.Installments,
		InstallmentIndex: req.InstallmentIndex,
	}
	if req.InvoiceID != "" {
		invoiceID, err := uuid.Parse(req.InvoiceID)
		if err != nil {
			h.respondError(w, shared.InvalidFilterf("invoiceId must be a uuid"))
			return
		}
		input.InvoiceID = &invoiceID
	}
	if req.PaidAt != "" {
		paidAt, err := time.Parse(dateLayout, req.PaidAt)
		if err != nil {
			h.respondError(w, shared.InvalidFilterf("paidAt must be YYYY-MM-DD"))
			return
		}
		input.PaidAt = paidAt
	}
	if req.RelatedTo != nil {
		entityID, err := uuid.Parse(req.RelatedTo.ID)
		if err != nil {
			h.respondError(w, shared.InvalidFilterf("relatedTo.id must be a uuid"))
			return
		}
		input.RelatedTo = ledger.RelatedRef{Kind: ledger.EntityKind(req.RelatedTo.Kind), ID: entityID}
	}

	p, err := h.ledger.RecordPayment(ctx, input)
	if err != nil {
		h.logError(r, "record payment", err)
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, p)
}

func (h *Handler) completePayment(w http.ResponseWriter, r *http.Request) {
	h.paymentTransition(w, r, "complete payment", h.ledger.CompletePayment)
}

func (h *Handler) cancelPayment(w http.ResponseWriter, r *http.Request) {
	h.paymentTransition(w, r, "cancel payment", h.ledger.CancelPayment)
}

func (h *Handler) refundPayment(w http.ResponseWriter, r *http.Request) {
	h.paymentTransition(w, r, "refund payment", h.ledger.RefundPayment)
}

func (h *Handler) paymentTransition(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, uuid.UUID) (*ledger.Payment, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	id, err := parseIDParam(r)
	if err != nil {
		h.respondError(w, err)
		return
	}
	p, err := fn(ctx, id)
	if err != nil {
		h.logError(r, op, err)
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) issueReceipt(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	id, err := parseIDParam(r)
	if err != nil {
		h.respondError(w, err)
		return
	}
	rec, err := h.ledger.IssueReceipt(ctx, id)
	if err != nil {
		h.logError(r, "issue receipt", err)
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rec)
}

func (h *Handler) getReceipt(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	id, err := parseIDParam(r)
	if err != nil {
		h.respondError(w, err)
		return
	}
	rec, err := h.ledger.GetReceipt(ctx, id)
	if err != nil {
		h.logError(r, "get receipt", err)
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rec)
}

func (h *Handler) recordExpense(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var req recordExpenseRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		h.respondError(w, err)
		return
	}
	entityID, err := uuid.Parse(req.EntityID)
	if err != nil {
		h.respondError(w, shared.InvalidFilterf("entityId must be a uuid"))
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		h.respondError(w, shared.InvalidFilterf("amount %q is not a decimal", req.Amount))
		return
	}
	input := ledger.RecordExpenseInput{
		EntityKind: ledger.EntityKind(req.EntityKind),
		EntityID:   entityID,
		EntityName: req.EntityName,
		Amount:     amount,
	}
	if req.IncurredAt != "" {
		incurred, err := time.Parse(dateLayout, req.IncurredAt)
		if err != nil {
			h.respondError(w, shared.InvalidFilterf("incurredAt must be YYYY-MM-DD"))
			return
		}
		input.IncurredAt = incurred
	}

	created, err := h.ledger.RecordExpense(ctx, input)
	if err != nil {
		h.logError(r, "record expense", err)
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toExpenseResponse(created))
}

func (h *Handler) listDebtors(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	minAmount, err := parseMinAmount(r)
	if err != nil {
		h.respondError(w, err)
		return
	}
	report, err := h.debt.CustomersWithDebt(ctx, minAmount)
	if err != nil {
		h.logError(r, "debt rollup", err)
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) getBalance(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	rng, err := parseDateRange(r)
	if err != nil {
		h.respondError(w, err)
		return
	}
	balance, err := h.profit.GetBalance(ctx, rng)
	if err != nil {
		h.logError(r, "balance", err)
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, balance)
}

func (h *Handler) getProfitability(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	kind := ledger.EntityKind(r.URL.Query().Get("type"))
	rng, err := parseDateRange(r)
	if err != nil {
		h.respondError(w, err)
		return
	}
	breakdown, err := h.profit.GetProfitabilityBreakdown(ctx, kind, rng)
	if err != nil {
		h.logError(r, "profitability breakdown", err)
		h.respondError(w, err)
		return
	}
	if breakdown == nil {
		breakdown = []profit.EntityBreakdown{}
	}
	httpx.JSON(w, http.StatusOK, profitabilityResponse{Breakdown: breakdown})
}

// getOverview fans out the balance and debt reads concurrently and joins
// them into one dashboard payload.
func (h *Handler) getOverview(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	rng, err := parseDateRange(r)
	if err != nil {
		h.respondError(w, err)
		return
	}

	var (
		balance *profit.Balance
		report  *debt.Report
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b, err := h.profit.GetBalance(gctx, rng)
		if err != nil {
			return fmt.Errorf("balance: %w", err)
		}
		balance = b
		return nil
	})
	g.Go(func() error {
		rep, err := h.debt.CustomersWithDebt(gctx, nil)
		if err != nil {
			return fmt.Errorf("debtors: %w", err)
		}
		report = rep
		return nil
	})
	if err := g.Wait(); err != nil {
		h.logError(r, "overview", err)
		h.respondError(w, err)
		return
	}

	httpx.JSON(w, http.StatusOK, overviewResponse{
		Balance:        balance,
		TotalDebt:      report.Summary.TotalDebt,
		DebtorCount:    report.Summary.TotalCustomers,
		OverdueCount:   report.Summary.TotalOverdueInvoices,
		OpenInvoiceCnt: report.Summary.TotalInvoices,
	})
}

func (h *Handler) decodeAndValidate(r *http.Request, target any) error {
	if err := httpx.DecodeJSON(r, target); err != nil {
		return shared.InvalidFilterf("malformed request body")
	}
	if err := h.validator.Struct(target); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok && len(fieldErrs) > 0 {
			return shared.InvalidFilterf("field %s failed %s validation", fieldErrs[0].Field(), fieldErrs[0].Tag())
		}
		return shared.InvalidFilterf("invalid request body")
	}
	return nil
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	title := "Internal Server Error"
	switch shared.KindOf(err) {
	case shared.KindInvalidFilter:
		status, title = http.StatusBadRequest, "Invalid Filter"
	case shared.KindNotFound:
		status, title = http.StatusNotFound, "Not Found"
	case shared.KindConflictingTransition:
		status, title = http.StatusConflict, "Conflicting Transition"
	case shared.KindStorageUnavailable, shared.KindCancelled:
		status, title = http.StatusServiceUnavailable, "Service Unavailable"
	}
	httpx.Problem(w, status, title, shared.UserSafeMessage(err))
}

func (h *Handler) logError(r *http.Request, op string, err error) {
	// Caller mistakes are expected traffic; only log engine failures.
	switch shared.KindOf(err) {
	case shared.KindInvalidFilter, shared.KindNotFound, shared.KindConflictingTransition:
		return
	}
	h.logger.Error(op, slog.Any("error", err), slog.String("path", r.URL.Path))
}

func parseIDParam(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, shared.InvalidFilterf("id must be a uuid")
	}
	return id, nil
}

func parseDateRange(r *http.Request) (profit.DateRange, error) {
	var rng profit.DateRange
	if raw := r.URL.Query().Get("startDate"); raw != "" {
		from, err := time.Parse(dateLayout, raw)
		if err != nil {
			return rng, shared.InvalidFilterf("startDate must be YYYY-MM-DD")
		}
		rng.From = &from
	}
	if raw := r.URL.Query().Get("endDate"); raw != "" {
		to, err := time.Parse(dateLayout, raw)
		if err != nil {
			return rng, shared.InvalidFilterf("endDate must be YYYY-MM-DD")
		}
		// The end bound covers the whole day.
		to = to.Add(24*time.Hour - time.Nanosecond)
		rng.To = &to
	}
	if rng.From != nil && rng.To != nil && rng.From.After(*rng.To) {
		return rng, shared.InvalidFilterf("startDate is after endDate")
	}
	return rng, nil
}

func parseMinAmount(r *http.Request) (*decimal.Decimal, error) {
	raw := r.URL.Query().Get("minAmount")
	if raw == "" {
		return nil, nil
	}
	min, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, shared.InvalidFilterf("minAmount %q is not a decimal", raw)
	}
	if min.IsNegative() {
		return nil, shared.InvalidFilterf("minAmount must not be negative")
	}
	return &min, nil
}
