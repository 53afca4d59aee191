package service

import (
	"time"

	"kasircore/internal/domain"
	"kasircore/internal/pos"
)

type SessionView struct {
	ID         string                 `json:"id"`
	State      pos.State              `json:"state"`
	OperatorID string                 `json:"operator_id,omitempty"`
	OpenedAt   time.Time              `json:"opened_at"`
	Customer   *domain.Customer       `json:"customer,omitempty"`
	Lines      []domain.CartLine      `json:"lines"`
	Payments   []domain.Payment       `json:"payments"`
	TaxRate    string                 `json:"tax_rate"`
	TaxPercent string                 `json:"tax_rate_percent"`
	Methods    []domain.PaymentMethod `json:"payment_methods"`
	Totals     pos.Totals             `json:"totals"`
	LastError  string                 `json:"last_error,omitempty"`
	Sale       *domain.Sale           `json:"sale,omitempty"`
}

func buildSessionView(session *pos.Session) SessionView {
	view := SessionView{
		ID:         session.ID,
		State:      session.State(),
		OperatorID: session.OperatorID,
		OpenedAt:   session.OpenedAt,
		Lines:      session.Cart().Lines(),
		Payments:   session.Ledger().Payments(),
		TaxRate:    session.Cart().TaxRate().String(),
		TaxPercent: session.Cart().TaxRate().Percent().String(),
		Methods:    domain.PaymentMethods(),
		Totals:     session.Totals(),
	}
	if view.Payments == nil {
		view.Payments = []domain.Payment{}
	}
	if customer, ok := session.Customer(); ok {
		view.Customer = &customer
	}
	if err := session.LastError(); err != nil {
		view.LastError = err.Error()
	}
	if sale, ok := session.Sale(); ok {
		view.Sale = &sale
	}
	return view
}
