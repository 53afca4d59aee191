package events

import (
	"context"
	"time"

	"kasircore/internal/domain"
)

const TypeSaleCommitted = "sale.committed"

// SaleCommitted is published once per committed sale, keyed by invoice number.
type SaleCommitted struct {
	Type          string            `json:"type"`
	SaleID        string            `json:"sale_id"`
	InvoiceNumber string            `json:"invoice_number"`
	BranchID      string            `json:"branch_id"`
	CustomerID    string            `json:"customer_id,omitempty"`
	OperatorID    string            `json:"operator_id,omitempty"`
	SubtotalCents int64             `json:"subtotal_cents"`
	TaxCents      int64             `json:"tax_cents"`
	TotalCents    int64             `json:"total_cents"`
	ChangeCents   int64             `json:"change_due_cents"`
	Lines         []domain.CartLine `json:"lines"`
	Payments      []domain.Payment  `json:"payments"`
	OccurredAt    time.Time         `json:"occurred_at"`
}

func NewSaleCommitted(sale domain.Sale) SaleCommitted {
	return SaleCommitted{
		Type:          TypeSaleCommitted,
		SaleID:        sale.ID,
		InvoiceNumber: sale.InvoiceNumber,
		BranchID:      sale.BranchID,
		CustomerID:    sale.CustomerID,
		OperatorID:    sale.OperatorID,
		SubtotalCents: int64(sale.Subtotal),
		TaxCents:      int64(sale.TaxAmount),
		TotalCents:    int64(sale.Total),
		ChangeCents:   int64(sale.ChangeDue),
		Lines:         append([]domain.CartLine(nil), sale.Lines...),
		Payments:      append([]domain.Payment(nil), sale.Payments...),
		OccurredAt:    sale.CreatedAt,
	}
}

type Publisher interface {
	PublishSaleCommitted(ctx context.Context, sale domain.Sale) error
}

type NoopPublisher struct{}

func (NoopPublisher) PublishSaleCommitted(_ context.Context, _ domain.Sale) error {
	return nil
}
