package id

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	clierr "github.com/ggonzalez94/swap-cli/internal/errors"
)

var decimalPattern = regexp.MustCompile(`^([0-9]+(\.[0-9]*)?|\.[0-9]+)$`)

// ParseUnits converts a human decimal amount into base units. Amounts with more
// fractional digits than decimals are rejected rather than truncated, and the
// result must be strictly positive.
func ParseUnits(decimal string, decimals int) (*big.Int, error) {
	raw := strings.TrimSpace(decimal)
	if raw == "" {
		return nil, clierr.New(clierr.CodeInvalidInput, "amount is required")
	}
	if decimals < 0 {
		return nil, clierr.New(clierr.CodeInvalidInput, "decimals must be >= 0")
	}
	if !decimalPattern.MatchString(raw) {
		return nil, clierr.New(clierr.CodeInvalidInput, fmt.Sprintf("amount %q is not a positive decimal number", decimal))
	}

	intPart, fracPart, _ := strings.Cut(raw, ".")
	if len(fracPart) > decimals {
		return nil, clierr.New(clierr.CodeInvalidInput, fmt.Sprintf("amount has more decimal places than the token supports (%d)", decimals))
	}
	combined := strings.TrimLeft(intPart+fracPart+strings.Repeat("0", decimals-len(fracPart)), "0")
	if combined == "" {
		return nil, clierr.New(clierr.CodeInvalidInput, "amount must be greater than zero")
	}
	out, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return nil, clierr.New(clierr.CodeInvalidInput, "invalid decimal amount")
	}
	return out, nil
}

// FormatUnits renders base units as a trimmed decimal string.
func FormatUnits(baseUnits *big.Int, decimals int) string {
	if baseUnits == nil {
		return "0"
	}
	neg := baseUnits.Sign() < 0
	s := new(big.Int).Abs(baseUnits).String()
	if decimals > 0 {
		if len(s) <= decimals {
			s = strings.Repeat("0", decimals-len(s)+1) + s
		}
		intPart := s[:len(s)-decimals]
		fracPart := strings.TrimRight(s[len(s)-decimals:], "0")
		s = intPart
		if fracPart != "" {
			s += "." + fracPart
		}
	}
	if neg {
		return "-" + s
	}
	return s
}

// FormatBaseString is FormatUnits for base-unit integer strings. Unparseable
// input is returned unchanged.
func FormatBaseString(baseUnits string, decimals int) string {
	n, ok := new(big.Int).SetString(strings.TrimSpace(baseUnits), 10)
	if !ok {
		return baseUnits
	}
	return FormatUnits(n, decimals)
}

// NormalizeDecimal trims redundant zeros from a decimal string.
func NormalizeDecimal(v string) string {
	intPart, fracPart, hasFrac := strings.Cut(strings.TrimSpace(v), ".")
	intPart = strings.TrimLeft(intPart, "0")
	if intPart == "" {
		intPart = "0"
	}
	if !hasFrac {
		return intPart
	}
	fracPart = strings.TrimRight(fracPart, "0")
	if fracPart == "" {
		return intPart
	}
	return intPart + "." + fracPart
}
