package store

import (
	"context"
	"errors"
	"time"

	"kasircore/internal/domain"
	"kasircore/internal/money"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrCreditLimit       = errors.New("credit limit exceeded")
	ErrDuplicate         = errors.New("duplicate record")
)

type Catalog interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
}

type Customers interface {
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
}

type History interface {
	RecentLineRecords(ctx context.Context, since time.Time) ([]domain.HistoricalLineRecord, error)
}

// SaleStore opens the transactional boundary used by the commit coordinator
// and serves committed sales back to readers.
type SaleStore interface {
	BeginSale(ctx context.Context) (SaleTx, error)
	FindSale(ctx context.Context, id string) (*domain.Sale, error)
	FindSaleByInvoice(ctx context.Context, invoice string) (*domain.Sale, error)
}

// SaleTx is one all-or-nothing commit. Rows returned by the Lock methods stay
// locked until the transaction ends, so stock and balances read through them
// cannot change underneath it; nothing written through it is visible to other
// readers until Commit returns nil. Rollback after Commit is
// a no-op.
type SaleTx interface {
	LockProduct(ctx context.Context, id string) (*domain.Product, error)
	LockCustomer(ctx context.Context, id string) (*domain.Customer, error)
	NextInvoiceSeq(ctx context.Context, branchID string) (int64, error)
	InsertSaleHeader(ctx context.Context, sale domain.Sale) error
	InsertSaleLines(ctx context.Context, saleID string, lines []domain.CartLine) error
	InsertSalePayments(ctx context.Context, saleID string, payments []domain.Payment) error
	DecrementStock(ctx context.Context, productID string, qty int) error
	ChargeCredit(ctx context.Context, customerID string, amount money.Cents) error
	Commit() error
	Rollback() error
}

type OperatorStore interface {
	CreateOperator(ctx context.Context, account domain.OperatorAccount) error
	ListOperators(ctx context.Context) ([]domain.OperatorAccount, error)
	UpdateOperatorPassword(ctx context.Context, username string, password string) error
}

type Repository interface {
	Catalog
	Customers
	History
	SaleStore
	OperatorStore
}
