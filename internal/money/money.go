// Package money converts between decimal amount strings and integer minor
// units. Balances are stored as int64 minor units; decimals only exist at
// the API boundary.
package money

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrPrecision     = errors.New("amount has more decimal places than the currency allows")
	ErrOverflow      = errors.New("amount out of range")
)

var amountPattern = regexp.MustCompile(`^-?\d+(\.\d+)?$`)

// ISO 4217 minor unit exponents that differ from the common value of 2.
var exponents = map[string]int32{
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "ISK": 0, "JPY": 0, "KMF": 0,
	"KRW": 0, "PYG": 0, "RWF": 0, "UGX": 0, "VND": 0, "VUV": 0, "XAF": 0,
	"XOF": 0, "XPF": 0,
	"BHD": 3, "IQD": 3, "JOD": 3, "KWD": 3, "LYD": 3, "OMR": 3, "TND": 3,
}

var (
	maxMinor = decimal.NewFromInt(math.MaxInt64)
	minMinor = decimal.NewFromInt(math.MinInt64)
)

// Exponent returns the number of minor-unit digits for a currency.
func Exponent(currency string) int32 {
	if exp, ok := exponents[strings.ToUpper(currency)]; ok {
		return exp
	}
	return 2
}

// Parse converts a plain decimal string such as "50.00" to minor units of
// the given currency. Exponent notation, signs other than a leading minus,
// and digits beyond the currency's precision are rejected.
func Parse(amount, currency string) (int64, error) {
	amount = strings.TrimSpace(amount)
	if !amountPattern.MatchString(amount) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}

	d, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}

	minor := d.Shift(Exponent(currency))
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("%w: %q for %s", ErrPrecision, amount, currency)
	}
	if minor.GreaterThan(maxMinor) || minor.LessThan(minMinor) {
		return 0, fmt.Errorf("%w: %q", ErrOverflow, amount)
	}

	return minor.IntPart(), nil
}

// Format renders minor units as a fixed-point decimal string.
func Format(minor int64, currency string) string {
	exp := Exponent(currency)
	return decimal.New(minor, -exp).StringFixed(exp)
}
