package pos

import (
	"kasircore/internal/domain"
	"kasircore/internal/money"
)

// Cart holds the line items of one in-progress sale. Lines are unique by
// product and kept in insertion order. A Cart is single-writer and does no
// locking of its own.
type Cart struct {
	taxRate money.Rate
	order   []string
	lines   map[string]*domain.CartLine
	ledger  *Ledger
}

func NewCart(taxRate money.Rate) *Cart {
	return &Cart{
		taxRate: taxRate,
		lines:   make(map[string]*domain.CartLine),
	}
}

// attach binds a ledger so Clear also drops its payments.
func (c *Cart) attach(ledger *Ledger) {
	c.ledger = ledger
}

func (c *Cart) TaxRate() money.Rate {
	return c.taxRate
}

// AddItem adds qty units of product, merging into an existing line. The line's
// name and price are frozen at first insertion; the stock snapshot is
// refreshed on every successful add.
func (c *Cart) AddItem(product domain.Product, qty int) error {
	if qty < 1 {
		return domain.InvalidQuantity(product.ID, qty)
	}

	existing := 0
	line, ok := c.lines[product.ID]
	if ok {
		existing = line.Quantity
	}
	if product.AvailableStock < existing+qty {
		return domain.OutOfStock(product.ID, existing+qty, product.AvailableStock)
	}

	if !ok {
		c.lines[product.ID] = &domain.CartLine{
			ProductID:     product.ID,
			Name:          product.Name,
			UnitPrice:     product.UnitPrice,
			Quantity:      qty,
			StockSnapshot: product.AvailableStock,
		}
		c.order = append(c.order, product.ID)
		return nil
	}

	line.Quantity = existing + qty
	line.StockSnapshot = product.AvailableStock
	return nil
}

// SetQuantity replaces a line's quantity, validated against the line's stock
// snapshot.
func (c *Cart) SetQuantity(productID string, qty int) error {
	if qty < 1 {
		return domain.InvalidQuantity(productID, qty)
	}
	line, ok := c.lines[productID]
	if !ok {
		return domain.ProductNotFound(productID)
	}
	if qty > line.StockSnapshot {
		return domain.OutOfStock(productID, qty, line.StockSnapshot)
	}
	line.Quantity = qty
	return nil
}

// RemoveItem drops the line for productID. Absent lines are ignored.
func (c *Cart) RemoveItem(productID string) {
	if _, ok := c.lines[productID]; !ok {
		return
	}
	delete(c.lines, productID)
	for i, id := range c.order {
		if id == productID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *Cart) Clear() {
	c.order = nil
	c.lines = make(map[string]*domain.CartLine)
	if c.ledger != nil {
		c.ledger.Reset()
	}
}

// Lines returns a copy of the lines in insertion order.
func (c *Cart) Lines() []domain.CartLine {
	out := make([]domain.CartLine, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.lines[id])
	}
	return out
}

func (c *Cart) Line(productID string) (domain.CartLine, bool) {
	line, ok := c.lines[productID]
	if !ok {
		return domain.CartLine{}, false
	}
	return *line, true
}

func (c *Cart) Len() int {
	return len(c.order)
}

func (c *Cart) IsEmpty() bool {
	return len(c.order) == 0
}

func (c *Cart) Subtotal() money.Cents {
	var total money.Cents
	for _, id := range c.order {
		total += c.lines[id].Total()
	}
	return total
}

func (c *Cart) Tax() money.Cents {
	return c.taxRate.Apply(c.Subtotal())
}

func (c *Cart) Total() money.Cents {
	subtotal := c.Subtotal()
	return subtotal + c.taxRate.Apply(subtotal)
}
