// Package money normalizes provider amounts to integer minor units.
//
// Providers disagree on units: Stripe, LemonSqueezy and webhook payloads send
// minor units (cents), while some APIs report major units (dollars). Every
// amount is converted once, at the provider boundary, so aggregation never
// sees a float.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// FromMajor converts a major-unit amount (19.99) to minor units (1999),
// rounding half away from zero.
func FromMajor(amount float64) int64 {
	return decimal.NewFromFloat(amount).Mul(hundred).Round(0).IntPart()
}

// FromMajorString is FromMajor for amounts the provider sends as strings
func FromMajorString(amount string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	return d.Mul(hundred).Round(0).IntPart(), nil
}

// FromMinor passes a minor-unit amount through unchanged
func FromMinor(amount int64) int64 {
	return amount
}

// NormalizeCurrency lower-cases ISO codes so "USD" and "usd" aggregate together
func NormalizeCurrency(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}
