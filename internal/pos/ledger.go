package pos

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"kasircore/internal/domain"
	"kasircore/internal/money"
	"kasircore/internal/store"
)

// Ledger is the ordered list of payments tendered against one cart.
type Ledger struct {
	customers store.Customers
	payments  []domain.Payment
}

func NewLedger(customers store.Customers) *Ledger {
	return &Ledger{customers: customers}
}

// AddPayment validates and appends a payment. Store-credit payments are
// checked against the customer's limit including store credit already in this
// ledger for the same customer. The ledger is unchanged on error.
func (l *Ledger) AddPayment(ctx context.Context, method domain.PaymentMethod, amount money.Cents, customerID string) error {
	if !method.Valid() {
		return &domain.Error{Kind: domain.KindInvalidMethod, Message: fmt.Sprintf("unknown payment method %d", uint8(method))}
	}
	if amount <= 0 {
		return domain.InvalidAmount(amount)
	}
	if amount > money.MaxAmount || l.TotalPaid() > money.MaxAmount-amount {
		return &domain.Error{
			Kind:    domain.KindInvalidAmount,
			Message: fmt.Sprintf("amount %s would take total paid past %s", amount, money.MaxAmount),
			Amount:  amount,
		}
	}

	customerID = strings.TrimSpace(customerID)
	if method != domain.MethodStoreCredit {
		l.payments = append(l.payments, domain.Payment{Method: method, Amount: amount})
		return nil
	}

	if customerID == "" {
		return domain.MissingCustomer()
	}
	customer, err := l.customers.GetCustomer(ctx, customerID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.CustomerNotFound(customerID)
	}
	if err != nil {
		return fmt.Errorf("load customer %s: %w", customerID, err)
	}

	_, pending := creditByCustomer(l.payments)
	if err := ValidateCredit(*customer, pending[customerID], amount); err != nil {
		return err
	}

	l.payments = append(l.payments, domain.Payment{Method: method, Amount: amount, CustomerID: customerID})
	return nil
}

func (l *Ledger) RemovePayment(index int) error {
	if index < 0 || index >= len(l.payments) {
		return domain.IndexOutOfRange(index, len(l.payments))
	}
	l.payments = append(l.payments[:index], l.payments[index+1:]...)
	return nil
}

func (l *Ledger) TotalPaid() money.Cents {
	var total money.Cents
	for _, p := range l.payments {
		total += p.Amount
	}
	return total
}

// Remaining is cartTotal minus what has been tendered. Negative means the
// customer over-paid.
func (l *Ledger) Remaining(cartTotal money.Cents) money.Cents {
	return cartTotal - l.TotalPaid()
}

func (l *Ledger) Payments() []domain.Payment {
	return append([]domain.Payment(nil), l.payments...)
}

func (l *Ledger) Len() int {
	return len(l.payments)
}

func (l *Ledger) Reset() {
	l.payments = nil
}

// CashTendered sums the cash payments, the only tender change can be given
// from.
func (l *Ledger) CashTendered() money.Cents {
	var total money.Cents
	for _, p := range l.payments {
		if p.Method == domain.MethodCash {
			total += p.Amount
		}
	}
	return total
}
