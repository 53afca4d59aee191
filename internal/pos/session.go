package pos

import (
	"context"
	"time"

	"kasircore/internal/domain"
	"kasircore/internal/money"
	"kasircore/internal/store"
)

type State string

const (
	StateOpen       State = "open"
	StateCommitting State = "committing"
	StateCommitted  State = "committed"
	StateFailed     State = "failed"
)

// Session is one operator's in-progress sale: a cart, the payments tendered
// against it and an optional selected customer. It is owned by the caller and
// is not safe for concurrent use.
type Session struct {
	ID         string
	OperatorID string
	OpenedAt   time.Time

	cart     *Cart
	ledger   *Ledger
	customer *domain.Customer
	state    State
	lastErr  error
	sale     *domain.Sale
}

func NewSession(id string, operatorID string, taxRate money.Rate, customers store.Customers, openedAt time.Time) *Session {
	cart := NewCart(taxRate)
	ledger := NewLedger(customers)
	cart.attach(ledger)
	return &Session{
		ID:         id,
		OperatorID: operatorID,
		OpenedAt:   openedAt,
		cart:       cart,
		ledger:     ledger,
		state:      StateOpen,
	}
}

func (s *Session) Cart() *Cart {
	return s.cart
}

func (s *Session) Ledger() *Ledger {
	return s.ledger
}

func (s *Session) State() State {
	return s.state
}

// LastError is the error of the most recent failed commit, if the session is
// in StateFailed.
func (s *Session) LastError() error {
	return s.lastErr
}

func (s *Session) Customer() (domain.Customer, bool) {
	if s.customer == nil {
		return domain.Customer{}, false
	}
	return *s.customer, true
}

// Sale returns the committed sale once the session reached StateCommitted.
func (s *Session) Sale() (domain.Sale, bool) {
	if s.sale == nil {
		return domain.Sale{}, false
	}
	return s.sale.Clone(), true
}

// mutable gates every edit. A failed commit leaves the cart and ledger
// correctable, so the first edit after it reopens the session.
func (s *Session) mutable() error {
	switch s.state {
	case StateCommitted:
		return &domain.Error{Kind: domain.KindSessionClosed, Message: "session " + s.ID + " already committed"}
	case StateCommitting:
		return &domain.Error{Kind: domain.KindCommitInProgress, Message: "session " + s.ID + " is committing"}
	case StateFailed:
		s.state = StateOpen
		s.lastErr = nil
	}
	return nil
}

func (s *Session) AddItem(product domain.Product, qty int) error {
	if err := s.mutable(); err != nil {
		return err
	}
	return s.cart.AddItem(product, qty)
}

func (s *Session) SetQuantity(productID string, qty int) error {
	if err := s.mutable(); err != nil {
		return err
	}
	return s.cart.SetQuantity(productID, qty)
}

func (s *Session) RemoveItem(productID string) error {
	if err := s.mutable(); err != nil {
		return err
	}
	s.cart.RemoveItem(productID)
	return nil
}

func (s *Session) Clear() error {
	if err := s.mutable(); err != nil {
		return err
	}
	s.cart.Clear()
	return nil
}

func (s *Session) AddPayment(ctx context.Context, method domain.PaymentMethod, amount money.Cents, customerID string) error {
	if err := s.mutable(); err != nil {
		return err
	}
	return s.ledger.AddPayment(ctx, method, amount, customerID)
}

func (s *Session) RemovePayment(index int) error {
	if err := s.mutable(); err != nil {
		return err
	}
	return s.ledger.RemovePayment(index)
}

func (s *Session) SetCustomer(customer domain.Customer) error {
	if err := s.mutable(); err != nil {
		return err
	}
	c := customer
	s.customer = &c
	return nil
}

func (s *Session) ClearCustomer() error {
	if err := s.mutable(); err != nil {
		return err
	}
	s.customer = nil
	return nil
}

// Totals is a read-only snapshot of a session's money state.
type Totals struct {
	Subtotal  money.Cents `json:"subtotal_cents"`
	Tax       money.Cents `json:"tax_cents"`
	Total     money.Cents `json:"total_cents"`
	Paid      money.Cents `json:"paid_cents"`
	Remaining money.Cents `json:"remaining_cents"`
}

func (s *Session) Totals() Totals {
	subtotal := s.cart.Subtotal()
	tax := s.cart.Tax()
	total := subtotal + tax
	paid := s.ledger.TotalPaid()
	return Totals{
		Subtotal:  subtotal,
		Tax:       tax,
		Total:     total,
		Paid:      paid,
		Remaining: total - paid,
	}
}
