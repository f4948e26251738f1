// Package amount provides shared parsing and formatting for asset amounts.
//
// Invoices store human-readable decimal strings (e.g. "10.50"); the ledger
// reports balances in each asset's smallest unit. Conversions are exact
// big.Int arithmetic keyed on the asset's decimal count (9 for the native
// asset, per-mint for fungible tokens).
package amount

import (
	"math/big"
	"strings"
)

// NativeDecimals is the decimal count of the chain's native asset.
const NativeDecimals = 9

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation under the given decimal count.
// Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional digits beyond the asset's precision are truncated
func Parse(s string, decimals int) (*big.Int, bool) {
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

	for len(frac) < decimals {
		frac += "0"
	}
	frac = frac[:decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a decimal string with
// exactly the asset's decimal places (e.g. "1.500000000" at 9 decimals).
func Format(v *big.Int, decimals int) string {
	if v == nil {
		return "0." + strings.Repeat("0", decimals)
	}
	neg := v.Sign() < 0
	abs := new(big.Int).Abs(v)
	s := abs.String()
	for len(s) < decimals+1 {
		s = "0" + s
	}
	point := len(s) - decimals
	result := s[:point]
	if decimals > 0 {
		result += "." + s[point:]
	}
	if neg {
		result = "-" + result
	}
	return result
}
