// Package money holds the fixed-point currency type used for every amount in
// the transaction core. Amounts are integer minor units (cents); decimal math
// is only used at the edges (parsing, formatting, rate application).
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Cents is an amount in the smallest currency unit.
type Cents int64

// MaxAmount bounds any single amount and any running total the core keeps,
// leaving int64 headroom for sums and tax.
const MaxAmount Cents = 1_000_000_000_000_000

// FromDecimalString parses a major-unit amount such as "10.50" into cents.
// More than two fractional digits is rejected rather than silently rounded.
func FromDecimalString(raw string) (Cents, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	scaled := d.Shift(2)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("parse amount %q: more than two decimal places", raw)
	}
	if scaled.Abs().GreaterThan(decimal.NewFromInt(int64(MaxAmount))) {
		return 0, fmt.Errorf("parse amount %q: exceeds %s", raw, MaxAmount)
	}
	return Cents(scaled.IntPart()), nil
}

// Decimal returns the amount in major units.
func (c Cents) Decimal() decimal.Decimal {
	return decimal.New(int64(c), -2)
}

// String renders the amount with exactly two fractional digits, e.g. "33.00".
func (c Cents) String() string {
	return c.Decimal().StringFixed(2)
}

// Mul multiplies a unit amount by an integer quantity.
func (c Cents) Mul(qty int) Cents {
	return c * Cents(qty)
}

// Rate is a percentage rate such as a flat tax rate.
type Rate struct {
	percent decimal.Decimal
}

// NewRate parses a percentage string like "10" or "7.5".
func NewRate(percent string) (Rate, error) {
	d, err := decimal.NewFromString(percent)
	if err != nil {
		return Rate{}, fmt.Errorf("parse rate %q: %w", percent, err)
	}
	if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(100)) {
		return Rate{}, fmt.Errorf("rate %q out of range 0..100", percent)
	}
	return Rate{percent: d}, nil
}

// MustRate is NewRate for constants and tests.
func MustRate(percent string) Rate {
	r, err := NewRate(percent)
	if err != nil {
		panic(err)
	}
	return r
}

// Percent returns the rate as a percentage.
func (r Rate) Percent() decimal.Decimal {
	return r.percent
}

func (r Rate) String() string {
	return r.percent.String() + "%"
}

// Apply returns amount × rate rounded to the nearest cent, halves rounded up.
// Amounts in this package are never negative, so decimal's half-away-from-zero
// rounding is round-half-up here.
func (r Rate) Apply(amount Cents) Cents {
	product := decimal.NewFromInt(int64(amount)).Mul(r.percent).Div(decimal.NewFromInt(100))
	return Cents(product.Round(0).IntPart())
}
