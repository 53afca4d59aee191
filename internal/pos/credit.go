package pos

import (
	"kasircore/internal/domain"
	"kasircore/internal/money"
)

// ValidateCredit reports whether charging amount on top of pending (store
// credit already claimed but not yet committed) keeps the customer within
// their limit.
func ValidateCredit(customer domain.Customer, pending money.Cents, amount money.Cents) error {
	if customer.OutstandingBalance+pending+amount > customer.CreditLimit {
		return domain.CreditLimitExceeded(customer, pending+amount)
	}
	return nil
}

// creditByCustomer sums store-credit payments per customer, keeping first-seen
// customer order. The first customer becomes the sale's customer when none was
// selected on the session.
func creditByCustomer(payments []domain.Payment) ([]string, map[string]money.Cents) {
	order := make([]string, 0)
	sums := make(map[string]money.Cents)
	for _, p := range payments {
		if p.Method != domain.MethodStoreCredit {
			continue
		}
		if _, seen := sums[p.CustomerID]; !seen {
			order = append(order, p.CustomerID)
		}
		sums[p.CustomerID] += p.Amount
	}
	return order, sums
}
