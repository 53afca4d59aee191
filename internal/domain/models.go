package domain

import (
	"time"

	"kasircore/internal/money"
)

type Product struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	SKU            string      `json:"sku"`
	Barcode        string      `json:"barcode,omitempty"`
	Category       string      `json:"category"`
	UnitPrice      money.Cents `json:"unit_price_cents"`
	AvailableStock int         `json:"available_stock"`
}

type Customer struct {
	ID                 string      `json:"id"`
	Name               string      `json:"name"`
	CreditLimit        money.Cents `json:"credit_limit_cents"`
	OutstandingBalance money.Cents `json:"outstanding_balance_cents"`
}

// CartLine is one product in an open cart. Name and UnitPrice are frozen when
// the line is first created.
type CartLine struct {
	ProductID     string      `json:"product_id"`
	Name          string      `json:"name"`
	UnitPrice     money.Cents `json:"unit_price_cents"`
	Quantity      int         `json:"quantity"`
	StockSnapshot int         `json:"stock_snapshot"`
}

func (l CartLine) Total() money.Cents {
	return l.UnitPrice.Mul(l.Quantity)
}

type Payment struct {
	Method     PaymentMethod `json:"method"`
	Amount     money.Cents   `json:"amount_cents"`
	CustomerID string        `json:"customer_id,omitempty"`
}

// Sale is the persisted, immutable record of a committed transaction.
type Sale struct {
	ID            string      `json:"id"`
	InvoiceNumber string      `json:"invoice_number"`
	BranchID      string      `json:"branch_id"`
	Lines         []CartLine  `json:"lines"`
	Payments      []Payment   `json:"payments"`
	Subtotal      money.Cents `json:"subtotal_cents"`
	TaxAmount     money.Cents `json:"tax_cents"`
	Total         money.Cents `json:"total_cents"`
	ChangeDue     money.Cents `json:"change_due_cents"`
	CustomerID    string      `json:"customer_id,omitempty"`
	CustomerName  string      `json:"customer_name,omitempty"`
	OperatorID    string      `json:"operator_id,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Clone returns a deep copy so callers cannot reach into stored slices.
func (s Sale) Clone() Sale {
	dup := s
	dup.Lines = append([]CartLine(nil), s.Lines...)
	dup.Payments = append([]Payment(nil), s.Payments...)
	return dup
}

type HistoricalLineRecord struct {
	ProductID     string    `json:"product_id"`
	Quantity      int       `json:"quantity"`
	SaleTimestamp time.Time `json:"sale_timestamp"`
}

type BranchIdentity struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Phone   string `json:"phone"`
}

type Actor struct {
	Username string
	Role     string
}

// OperatorAccount is the persistence model for operator credentials.
type OperatorAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

const (
	RoleCashier = "cashier"
	RoleAdmin   = "admin"
)

// RankedProduct is a frequent-item result: the catalog product and the
// quantity sold across the history window.
type RankedProduct struct {
	Product  Product `json:"product"`
	Quantity int     `json:"quantity"`
}
