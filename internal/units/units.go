// Package units converts between human-readable decimal amounts and the
// smallest on-chain unit of an asset.
//
// HBAR has 8 decimals (1 HBAR = 100,000,000 tinybars); USDC has 6.
// Payment requirements always carry amounts in the smallest unit.
package units

import (
	"math/big"
	"strings"
)

// Decimal precision of the assets the gateway settles in.
const (
	HBARDecimals = 8
	USDCDecimals = 6
)

// TinybarsPerHBAR is the number of tinybars in one HBAR.
const TinybarsPerHBAR = 100_000_000

// Parse converts a decimal string (e.g. "0.5") to its smallest-unit
// representation with the given number of decimals. Returns (nil, false)
// on invalid input.
//
// Empty strings parse as zero. Negative amounts, multiple decimal points
// and non-digit characters are rejected. Fractional digits beyond the
// asset precision are truncated.
func Parse(s string, decimals int) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}

	whole, frac, _ := strings.Cut(s, ".")
	if strings.Contains(frac, ".") {
		return nil, false
	}
	if whole == "" {
		whole = "0"
	}

	for len(frac) < decimals {
		frac += "0"
	}
	frac = frac[:decimals]

	result, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok || result.Sign() < 0 {
		return nil, false
	}
	return result, true
}

// Format converts a smallest-unit amount to a decimal string with the
// trailing zeros of the fractional part removed ("50000000", 8 → "0.5").
func Format(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	for len(s) < decimals+1 {
		s = "0" + s
	}
	point := len(s) - decimals
	whole, frac := s[:point], strings.TrimRight(s[point:], "0")

	result := whole
	if frac != "" {
		result += "." + frac
	}
	if neg {
		result = "-" + result
	}
	return result
}

// ParseSmallest parses an integer string already expressed in the smallest
// unit. Used for x402 amounts such as maxAmountRequired.
func ParseSmallest(s string) (*big.Int, bool) {
	if s == "" || strings.HasPrefix(s, "+") {
		return nil, false
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}

// HBAR converts a whole-HBAR float to tinybars, rounding toward zero.
func HBAR(hbar float64) int64 {
	return int64(hbar * TinybarsPerHBAR)
}
