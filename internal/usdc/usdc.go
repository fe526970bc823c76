// Package usdc parses and formats USDC decimal amounts.
//
// Booking quotes and payment proofs carry amounts as decimal strings;
// comparisons happen on the smallest-unit integer form (6 decimals,
// 1 USDC = 1,000,000 units) so "0.03" and "0.030000" are equal and no
// float ever touches money.
package usdc

import (
	"math/big"
	"strings"
)

const Decimals = 6

// Parse converts a decimal string like "0.03" to smallest units
// (30000). Returns (nil, false) on invalid input. The empty string is
// zero; negative amounts and multiple decimal points are rejected;
// fractional digits beyond six are truncated.
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	result, ok := new(big.Int).SetString(whole+frac, 10)
	return result, ok
}

// Format renders smallest units as a decimal string with exactly six
// decimal places, e.g. 30000 -> "0.030000".
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}
