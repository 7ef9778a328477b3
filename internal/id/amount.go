package id

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	clierr "github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/errors"
)

// AmountAll is the plan sentinel meaning "everything the user is owed".
const AmountAll = "ALL"

var decimalPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// ParseDecimal converts a human decimal string into atomic units.
func ParseDecimal(decimal string, decimals int) (*big.Int, error) {
	clean := strings.TrimSpace(decimal)
	if clean == "" {
		return nil, clierr.New(clierr.CodeUsage, "amount is required")
	}
	if decimals < 0 {
		return nil, clierr.New(clierr.CodeUsage, "decimals must be >= 0")
	}
	if !decimalPattern.MatchString(clean) {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("amount %q must be in decimal form like 1.23", decimal))
	}
	base, err := decimalToBaseUnits(clean, decimals)
	if err != nil {
		return nil, err
	}
	out, ok := new(big.Int).SetString(base, 10)
	if !ok {
		return nil, clierr.New(clierr.CodeUsage, "invalid decimal amount")
	}
	return out, nil
}

// ParseAtomic parses a non-negative base-unit integer string.
func ParseAtomic(baseUnits string) (*big.Int, error) {
	clean := strings.TrimSpace(baseUnits)
	if strings.HasPrefix(clean, "-") {
		return nil, clierr.New(clierr.CodeUsage, "atomic amount must be non-negative")
	}
	out, ok := new(big.Int).SetString(clean, 10)
	if !ok {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("atomic amount %q must be an integer string", baseUnits))
	}
	return out, nil
}

// FormatAtomic renders atomic units as a trimmed human decimal.
func FormatAtomic(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}
	return formatDecimal(amount.String(), decimals)
}

// NormalizeDecimal trims redundant zeros from a decimal string.
func NormalizeDecimal(v string) string {
	return normalizeDecimal(strings.TrimSpace(v))
}

func formatDecimal(baseUnits string, decimals int) string {
	n := new(big.Int)
	n.SetString(baseUnits, 10)
	if decimals == 0 {
		return n.String()
	}

	s := n.String()
	if len(s) <= decimals {
		pad := strings.Repeat("0", decimals-len(s)+1)
		s = pad + s
	}
	intPart := s[:len(s)-decimals]
	fracPart := s[len(s)-decimals:]
	fracPart = strings.TrimRight(fracPart, "0")
	if fracPart == "" {
		return intPart
	}
	return intPart + "." + fracPart
}

func decimalToBaseUnits(decimal string, decimals int) (string, error) {
	parts := strings.SplitN(decimal, ".", 2)
	intPart := parts[0]
	fracPart := ""
	if len(parts) == 2 {
		fracPart = parts[1]
	}
	if len(fracPart) > decimals {
		return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("decimal precision exceeds token decimals (%d)", decimals))
	}

	fracPart = fracPart + strings.Repeat("0", decimals-len(fracPart))
	combined := strings.TrimLeft(intPart+fracPart, "0")
	if combined == "" {
		return "0", nil
	}
	return combined, nil
}

func normalizeDecimal(v string) string {
	if !strings.Contains(v, ".") {
		out := strings.TrimLeft(v, "0")
		if out == "" {
			return "0"
		}
		return out
	}
	parts := strings.SplitN(v, ".", 2)
	intPart := strings.TrimLeft(parts[0], "0")
	if intPart == "" {
		intPart = "0"
	}
	fracPart := strings.TrimRight(parts[1], "0")
	if fracPart == "" {
		return intPart
	}
	return intPart + "." + fracPart
}
