package domain

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// PriceScale is the number of decimal places a tick represents.
const PriceScale = 2

var (
	maxTicks = decimal.NewFromInt(math.MaxInt64)
	minTicks = decimal.NewFromInt(math.MinInt64)
)

// ToTicks converts a decimal price or cash amount to int64 ticks. It
// rejects values carrying more than PriceScale decimal places and values
// outside the int64 tick range.
func ToTicks(d decimal.Decimal) (int64, error) {
	scaled := d.Shift(PriceScale)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("monetary values must have at most %d decimal places", PriceScale)
	}
	if scaled.GreaterThan(maxTicks) || scaled.LessThan(minTicks) {
		return 0, fmt.Errorf("monetary value %s is out of range", d)
	}
	return scaled.IntPart(), nil
}

// Notional returns qty×price in ticks, or false when either factor is
// negative or the product does not fit in an int64.
func Notional(qty, price int64) (int64, bool) {
	if qty < 0 || price < 0 {
		return 0, false
	}
	if price != 0 && qty > math.MaxInt64/price {
		return 0, false
	}
	return qty * price, true
}

// FromTicks converts ticks back to a decimal amount.
func FromTicks(t int64) decimal.Decimal {
	return decimal.New(t, -PriceScale)
}

// ParseTicks parses a decimal string such as "100.25" into ticks.
func ParseTicks(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return ToTicks(d)
}
