/*
money.go - currency and rounding conventions

Amounts are decimal.Decimal everywhere; float64 never touches money.
Every amount travels with a Currency tag and the engine never converts
between currencies - a mismatch is an error, not an FX operation.
*/

package core

import "github.com/shopspring/decimal"

// Currency is an ISO-4217 style tag. ARS is the operating default;
// anything else is accepted as long as both legs of a movement agree.
type Currency string

const (
	ARS Currency = "ARS"
	USD Currency = "USD"
)

// MoneyPlaces is the fractional precision for stored amounts
// (centavos). Intermediate arithmetic keeps full precision; rounding
// happens once per persisted figure.
const MoneyPlaces = 2

// Round2 rounds half away from zero to two places, the convention for
// every persisted amount and every allocation step.
func Round2(d decimal.Decimal) decimal.Decimal { return d.Round(MoneyPlaces) }

// MustDecimal parses s, returning zero on garbage. For literals in
// fixtures and defaults; user input goes through real validation.
func MustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
