package billinghttp

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-crm/meridian-crm/internal/directory"
	"github.com/meridian-crm/meridian-crm/internal/ledger"
	"github.com/meridian-crm/meridian-crm/internal/profit"
)

const dateLayout = "2006-01-02"

type lineItemRequest struct {
	Description string `json:"description" validate:"required"`
	Amount      string `json:"amount" validate:"required"`
}

type createInvoiceRequest struct {
	CustomerID string            `json:"customerId" validate:"required,uuid4"`
	Number     string            `json:"number" validate:"required"`
	IssueDate  string            `json:"issueDate" validate:"omitempty,datetime=2006-01-02"`
	DueDate    string            `json:"dueDate" validate:"omitempty,datetime=2006-01-02"`
	Lines      []lineItemRequest `json:"lines" validate:"required,min=1,dive"`
}

type changeInvoiceStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=draft sent paid cancelled"`
}

type relatedRefRequest struct {
	Kind string `json:"kind" validate:"required,oneof=course workshop other"`
	ID   string `json:"id" validate:"required,uuid4"`
}

type recordPaymentRequest struct {
	CustomerID       string             `json:"customerId" validate:"required,uuid4"`
	InvoiceID        string             `json:"invoiceId" validate:"omitempty,uuid4"`
	Amount           string             `json:"amount" validate:"required"`
	PaidAt           string             `json:"paidAt" validate:"omitempty,datetime=2006-01-02"`
	Method           string             `json:"method" validate:"required,oneof=cash credit_card bank_transfer check other"`
	Installments     int                `json:"installments" validate:"omitempty,min=0"`
	InstallmentIndex int                `json:"installmentIndex" validate:"omitempty,min=0"`
	RelatedTo        *relatedRefRequest `json:"relatedTo" validate:"omitempty"`
}

type recordExpenseRequest struct {
	EntityKind string `json:"entityKind" validate:"required,oneof=course workshop"`
	EntityID   string `json:"entityId" validate:"required,uuid4"`
	EntityName string `json:"entityName"`
	Amount     string `json:"amount" validate:"required"`
	IncurredAt string `json:"incurredAt" validate:"omitempty,datetime=2006-01-02"`
}

type expenseResponse struct {
	ID         uuid.UUID         `json:"id"`
	EntityKind ledger.EntityKind `json:"entityKind"`
	EntityID   uuid.UUID         `json:"entityId"`
	EntityName string            `json:"entityName,omitempty"`
	Amount     decimal.Decimal   `json:"amount"`
	IncurredAt time.Time         `json:"incurredAt"`
}

func toExpenseResponse(e *ledger.EntityExpense) expenseResponse {
	return expenseResponse{
		ID:         e.ID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		EntityName: e.EntityName,
		Amount:     e.Amount,
		IncurredAt: e.IncurredAt,
	}
}

// invoiceRowResponse is the published invoice shape. The internal model
// keeps its own field names; only this projection crosses the API boundary.
type invoiceRowResponse struct {
	ID            uuid.UUID            `json:"id"`
	InvoiceNumber string               `json:"invoiceNumber"`
	Customer      *directory.Customer  `json:"customer,omitempty"`
	IssueDate     time.Time            `json:"issueDate"`
	DueDate       *time.Time           `json:"dueDate,omitempty"`
	Lines         []ledger.LineItem    `json:"lines,omitempty"`
	TotalAmount   decimal.Decimal      `json:"totalAmount"`
	PaidAmount    decimal.Decimal      `json:"paidAmount"`
	Balance       decimal.Decimal      `json:"balance"`
	IsOverdue     bool                 `json:"isOverdue"`
	Status        ledger.InvoiceStatus `json:"status"`
}

func toInvoiceRow(view ledger.InvoiceView, customer *directory.Customer) invoiceRowResponse {
	return invoiceRowResponse{
		ID:            view.ID,
		InvoiceNumber: view.Number,
		Customer:      customer,
		IssueDate:     view.IssueDate,
		DueDate:       view.DueDate,
		Lines:         view.Lines,
		TotalAmount:   view.Total,
		PaidAmount:    view.PaidAmount,
		Balance:       view.Balance,
		IsOverdue:     view.Overdue,
		Status:        view.Status,
	}
}

type invoiceListResponse struct {
	Invoices []invoiceRowResponse `json:"invoices"`
	Count    int                  `json:"count"`
}

type profitabilityResponse struct {
	Breakdown []profit.EntityBreakdown `json:"breakdown"`
}

type overviewResponse struct {
	Balance        *profit.Balance `json:"balance"`
	TotalDebt      decimal.Decimal `json:"totalDebt"`
	DebtorCount    int             `json:"debtorCount"`
	OverdueCount   int             `json:"overdueCount"`
	OpenInvoiceCnt int             `json:"openInvoices"`
}
