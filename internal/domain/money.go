// Package domain contains pure business types for the payment core with no
// infrastructure imports. Everything else depends on it; it depends on nothing
// but the decimal type used for money.
package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ─── Money ──────────────────────────────────────────────────────────────────
// Amounts are fixed-point decimals with two fractional digits. They are
// persisted and exchanged with the provider as integer minor units (cents).

// MoneyScale is the number of fractional digits carried by every amount.
const MoneyScale = 2

// DefaultCurrency is the single currency the platform settles in.
const DefaultCurrency = "COP"

// Zero is the zero amount.
var Zero = decimal.Zero

// FromCents converts minor units to a decimal amount.
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -MoneyScale)
}

// ToCents converts an amount to minor units, rounding half-up to two decimals.
func ToCents(amount decimal.Decimal) int64 {
	return amount.Round(MoneyScale).Shift(MoneyScale).IntPart()
}

// RoundMoney rounds half-up (away from zero) to two decimals.
func RoundMoney(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(MoneyScale)
}

// ParseAmount parses a decimal string and rejects negative values.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.IsNegative() {
		return Zero, fmt.Errorf("%w: negative amount %s", ErrInvalidAmount, s)
	}
	return RoundMoney(d), nil
}

// MinAmount returns the smaller of a and b.
func MinAmount(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
