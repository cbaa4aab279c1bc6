package reconcile

import (
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// validTaxRates is the GST rate schedule (percent).
var validTaxRates = []decimal.Decimal{
	decimal.Zero,
	decimal.RequireFromString("0.1"),
	decimal.RequireFromString("0.25"),
	decimal.NewFromInt(1),
	decimal.RequireFromString("1.5"),
	decimal.NewFromInt(3),
	decimal.NewFromInt(5),
	decimal.NewFromInt(6),
	decimal.RequireFromString("7.5"),
	decimal.NewFromInt(9),
	decimal.NewFromInt(12),
	decimal.NewFromInt(14),
	decimal.NewFromInt(18),
	decimal.NewFromInt(28),
}

// IsValidTaxRate reports whether rate is on the schedule. Zero counts as valid.
func IsValidTaxRate(rate decimal.Decimal) bool {
	for _, r := range validTaxRates {
		if rate.Equal(r) {
			return true
		}
	}
	return false
}

// IsInvalidHSN reports whether a non-empty code fails the 4/6/8 character format.
// Empty codes and the literal "nan" left by spreadsheet exports are not checked.
func IsInvalidHSN(hsn string) bool {
	if hsn == "" || hsn == "nan" {
		return false
	}
	switch utf8.RuneCountInString(hsn) {
	case 4, 6, 8:
		return false
	}
	return true
}
