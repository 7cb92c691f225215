package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Money is a monetary amount in cents. Amounts are persisted as decimal strings
// with two fractional digits; all arithmetic happens on the integer cent value
// so totals never accumulate float drift.
type Money int64

// ParseMoney parses a Quebec-locale or plain decimal amount. Accepted inputs:
// "32.10", "32,40", "1 234,56", "64.80$", "" (zero). Both the comma and the dot
// are recognized as decimal separators; spaces and a trailing dollar sign are
// stripped.
func ParseMoney(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	s = strings.TrimSuffix(s, "$")
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, " ", "")

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}

	// When both separators appear, the rightmost one is the decimal mark and
	// the other is a thousands separator.
	comma := strings.LastIndex(s, ",")
	dot := strings.LastIndex(s, ".")
	dec := ""
	whole := s
	switch {
	case comma >= 0 && dot >= 0:
		if comma > dot {
			whole = strings.ReplaceAll(s[:comma], ".", "")
			dec = s[comma+1:]
		} else {
			whole = strings.ReplaceAll(s[:dot], ",", "")
			dec = s[dot+1:]
		}
	case comma >= 0:
		whole = s[:comma]
		dec = s[comma+1:]
	case dot >= 0:
		whole = s[:dot]
		dec = s[dot+1:]
	}

	if whole == "" {
		whole = "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}

	cents := w * 100
	switch len(dec) {
	case 0:
	case 1:
		d, err := strconv.ParseInt(dec, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid amount %q: %w", s, err)
		}
		cents += d * 10
	default:
		d, err := strconv.ParseInt(dec[:2], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid amount %q: %w", s, err)
		}
		cents += d
	}

	if neg {
		cents = -cents
	}
	return Money(cents), nil
}

// MoneyFromFloat converts a dollar amount, rounding to the nearest cent.
func MoneyFromFloat(f float64) Money {
	if f < 0 {
		return Money(int64(f*100 - 0.5))
	}
	return Money(int64(f*100 + 0.5))
}

// String renders the canonical storage form, e.g. "32.40".
func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// French renders the Quebec display form, e.g. "31,50$".
func (m Money) French() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d,%02d$", sign, v/100, v%100)
}

// Float returns the dollar value. Use only at serialization boundaries.
func (m Money) Float() float64 {
	return float64(m) / 100
}
