// Package core holds the domain model of the attribution and
// reconciliation engine: income events, payments, attributions, budget
// categories and allocations, plus money and date helpers.
//
// Monetary values are decimal with at most two fractional digits.
// Validation happens at the boundary so the services can assume amounts
// are well formed.
package core

import (
	"github.com/shopspring/decimal"
)

// ParseAmount parses a decimal string into a monetary amount.
//
// The amount must be strictly positive and carry at most two decimal
// places. Anything else (including empty strings, signs without digits,
// or scientific notation that does not reduce to two places) is an
// InvalidAmount error.
//
// Examples:
//
//	ParseAmount("12.34") -> 12.34, nil
//	ParseAmount("12.345") -> error (three decimal places)
//	ParseAmount("-5") -> error (not positive)
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, Errorf(KindInvalidAmount, "invalid amount %q", s)
	}
	if err := ValidateAmount(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// ValidateAmount checks that d is a usable monetary amount: strictly
// positive with at most two decimal places.
func ValidateAmount(d decimal.Decimal) error {
	if !d.IsPositive() {
		return Errorf(KindInvalidAmount, "amount must be positive, got %s", d)
	}
	if !d.Equal(d.Round(2)) {
		return Errorf(KindInvalidAmount, "amount %s has more than two decimal places", d)
	}
	return nil
}

// ValidatePercentage checks that p lies in (0, 100].
func ValidatePercentage(p decimal.Decimal) error {
	if !p.IsPositive() || p.GreaterThan(decimal.NewFromInt(100)) {
		return Errorf(KindInvalidPercentage, "percentage must be in (0, 100], got %s", p)
	}
	return nil
}

// FormatAmount renders a monetary amount with exactly two decimal places.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}
