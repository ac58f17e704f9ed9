package types

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Amount precision limits, matching a NUMERIC(19,2) column.
const (
	AmountScale        = 2
	AmountIntegerDigits = 17
)

// Amount validation errors.
var (
	ErrAmountNotPositive = errors.New("amount must be greater than zero")
	ErrAmountScale       = errors.New("amount has more than two decimal places")
	ErrAmountTooLarge    = errors.New("amount exceeds the supported precision")
)

var maxAmount = decimal.New(1, AmountIntegerDigits)

// ParseAmount parses a decimal string such as "100.00" into an amount.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if err := ValidateAmount(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// MustAmount is like ParseAmount but panics on error. Use for constants.
func MustAmount(s string) decimal.Decimal {
	d, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return d
}

// ValidateAmount checks that d is strictly positive and representable
// with two fractional digits.
func ValidateAmount(d decimal.Decimal) error {
	if !d.IsPositive() {
		return ErrAmountNotPositive
	}
	if !d.Equal(d.Truncate(AmountScale)) {
		return ErrAmountScale
	}
	if d.GreaterThanOrEqual(maxAmount) {
		return ErrAmountTooLarge
	}
	return nil
}

// FormatAmount renders an amount or balance with exactly two decimals.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(AmountScale)
}
