package domain

import (
	"errors"
	"fmt"
	"strings"

	"kasircore/internal/money"
)

// Kind classifies a transaction-core failure so callers can render a precise
// operator message without string matching.
type Kind string

const (
	KindOutOfStock          Kind = "out_of_stock"
	KindInvalidQuantity     Kind = "invalid_quantity"
	KindInvalidAmount       Kind = "invalid_amount"
	KindInvalidMethod       Kind = "invalid_method"
	KindMissingCustomer     Kind = "missing_customer"
	KindCreditLimitExceeded Kind = "credit_limit_exceeded"
	KindEmptyCart           Kind = "empty_cart"
	KindPaymentIncomplete   Kind = "payment_incomplete"
	KindOverpayment         Kind = "overpayment"
	KindCommitFailed        Kind = "commit_failed"
	KindIndexOutOfRange     Kind = "index_out_of_range"
	KindNotFound            Kind = "not_found"
	KindSessionClosed       Kind = "session_closed"
	KindCommitInProgress    Kind = "commit_in_progress"
)

// Sentinels for errors.Is; they match any *Error of the same kind.
var (
	ErrOutOfStock          = &Error{Kind: KindOutOfStock}
	ErrInvalidQuantity     = &Error{Kind: KindInvalidQuantity}
	ErrInvalidAmount       = &Error{Kind: KindInvalidAmount}
	ErrInvalidMethod       = &Error{Kind: KindInvalidMethod}
	ErrMissingCustomer     = &Error{Kind: KindMissingCustomer}
	ErrCreditLimitExceeded = &Error{Kind: KindCreditLimitExceeded}
	ErrEmptyCart           = &Error{Kind: KindEmptyCart}
	ErrPaymentIncomplete   = &Error{Kind: KindPaymentIncomplete}
	ErrOverpayment         = &Error{Kind: KindOverpayment}
	ErrCommitFailed        = &Error{Kind: KindCommitFailed}
	ErrIndexOutOfRange     = &Error{Kind: KindIndexOutOfRange}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrSessionClosed       = &Error{Kind: KindSessionClosed}
	ErrCommitInProgress    = &Error{Kind: KindCommitInProgress}
)

// Error is a structured core error. Only the fields relevant to Kind are set.
type Error struct {
	Kind       Kind
	Message    string
	ProductID  string
	Requested  int
	Available  int
	CustomerID string
	Amount     money.Cents
	Balance    money.Cents
	Limit      money.Cents
	Due        money.Cents
	Paid       money.Cents
	Index      int
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Context returns the populated context fields for API rendering.
func (e *Error) Context() map[string]any {
	ctx := map[string]any{}
	switch e.Kind {
	case KindOutOfStock:
		ctx["product_id"] = e.ProductID
		ctx["requested"] = e.Requested
		ctx["available"] = e.Available
	case KindInvalidQuantity:
		ctx["product_id"] = e.ProductID
		ctx["requested"] = e.Requested
	case KindInvalidAmount:
		ctx["amount_cents"] = int64(e.Amount)
	case KindCreditLimitExceeded:
		ctx["customer_id"] = e.CustomerID
		ctx["amount_cents"] = int64(e.Amount)
		ctx["outstanding_balance_cents"] = int64(e.Balance)
		ctx["credit_limit_cents"] = int64(e.Limit)
	case KindMissingCustomer:
	case KindPaymentIncomplete, KindOverpayment:
		ctx["total_cents"] = int64(e.Due)
		ctx["paid_cents"] = int64(e.Paid)
	case KindIndexOutOfRange:
		ctx["index"] = e.Index
	case KindNotFound:
		if e.ProductID != "" {
			ctx["product_id"] = e.ProductID
		}
		if e.CustomerID != "" {
			ctx["customer_id"] = e.CustomerID
		}
	}
	return ctx
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func OutOfStock(productID string, requested int, available int) *Error {
	return &Error{
		Kind:      KindOutOfStock,
		Message:   fmt.Sprintf("product %s: requested %d, available %d", productID, requested, available),
		ProductID: productID,
		Requested: requested,
		Available: available,
	}
}

func InvalidQuantity(productID string, qty int) *Error {
	return &Error{
		Kind:      KindInvalidQuantity,
		Message:   fmt.Sprintf("quantity %d must be at least 1", qty),
		ProductID: productID,
		Requested: qty,
	}
}

func InvalidAmount(amount money.Cents) *Error {
	return &Error{
		Kind:    KindInvalidAmount,
		Message: fmt.Sprintf("amount %s must be greater than zero", amount),
		Amount:  amount,
	}
}

func MissingCustomer() *Error {
	return &Error{Kind: KindMissingCustomer, Message: "store credit payment requires a customer"}
}

func CreditLimitExceeded(customer Customer, amount money.Cents) *Error {
	return &Error{
		Kind:       KindCreditLimitExceeded,
		Message:    fmt.Sprintf("customer %s: balance %s + %s exceeds limit %s", customer.ID, customer.OutstandingBalance, amount, customer.CreditLimit),
		CustomerID: customer.ID,
		Amount:     amount,
		Balance:    customer.OutstandingBalance,
		Limit:      customer.CreditLimit,
	}
}

func IndexOutOfRange(index int, size int) *Error {
	return &Error{
		Kind:    KindIndexOutOfRange,
		Message: fmt.Sprintf("payment index %d outside [0,%d)", index, size),
		Index:   index,
	}
}

func ProductNotFound(productID string) *Error {
	return &Error{Kind: KindNotFound, Message: "product " + productID, ProductID: productID}
}

func CustomerNotFound(customerID string) *Error {
	return &Error{Kind: KindNotFound, Message: "customer " + customerID, CustomerID: customerID}
}

func CommitFailed(cause error) *Error {
	return &Error{Kind: KindCommitFailed, Message: "sale not persisted", Err: cause}
}
