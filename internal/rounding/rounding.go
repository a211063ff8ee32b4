// Package rounding truncates and rounds decimal values at a fixed number of
// fractional digits without passing through binary floating point.
//
// All three operations work on the magnitude of the input and restore the
// sign afterwards, so Floor(-1.25, 1) is -1.2 and Ceil(-1.25, 1) is -1.3.
package rounding

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrNegativeDigits = errors.New("fractional digit count must be >= 0")
	ErrInvalidNumber  = errors.New("invalid decimal number")
)

type roundFunc func(abs, truncated decimal.Decimal, n int32) decimal.Decimal

// Floor drops every fractional digit after position n.
func Floor(m decimal.Decimal, n int32) (decimal.Decimal, error) {
	return apply(m, n, floorAbs)
}

// Ceil drops every fractional digit after position n and bumps digit n by one
// when anything non-zero was dropped.
func Ceil(m decimal.Decimal, n int32) (decimal.Decimal, error) {
	return apply(m, n, ceilAbs)
}

// RoundHalfUp rounds at position n, looking only at the first dropped digit.
func RoundHalfUp(m decimal.Decimal, n int32) (decimal.Decimal, error) {
	return apply(m, n, halfUpAbs)
}

func apply(m decimal.Decimal, n int32, fn roundFunc) (decimal.Decimal, error) {
	if n < 0 {
		return m, fmt.Errorf("%w: got %d", ErrNegativeDigits, n)
	}
	abs := m.Abs()
	truncated := abs.Truncate(n)
	if truncated.Equal(abs) {
		return m, nil
	}
	out := fn(abs, truncated, n)
	if m.Sign() < 0 {
		out = out.Neg()
	}
	return out, nil
}

func floorAbs(_, truncated decimal.Decimal, _ int32) decimal.Decimal {
	return truncated
}

func ceilAbs(_, truncated decimal.Decimal, n int32) decimal.Decimal {
	return truncated.Add(decimal.New(1, -n))
}

func halfUpAbs(abs, truncated decimal.Decimal, n int32) decimal.Decimal {
	// first dropped digit >= 5
	if abs.Sub(truncated).Cmp(decimal.New(5, -(n + 1))) >= 0 {
		return ceilAbs(abs, truncated, n)
	}
	return truncated
}

// Parse reads plain ("0.000000123") and scientific ("1.23e-7") notation alike.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: empty string", ErrInvalidNumber)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w %q: %v", ErrInvalidNumber, s, err)
	}
	return d, nil
}

// FromFloat converts f using its shortest round-trip decimal representation,
// so 0.1+0.2 becomes 0.30000000000000004 rather than a 53-bit binary expansion.
func FromFloat(f float64) (decimal.Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidNumber, f)
	}
	return decimal.NewFromFloat(f), nil
}
