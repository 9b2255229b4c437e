// Package money converts between major-unit decimal amounts used on the API
// and the integer minor units stored everywhere else.
package money

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// MinorDigits is the number of fraction digits of every supported currency
const MinorDigits = 2

var (
	hundred  = decimal.NewFromInt(100)
	maxMinor = decimal.NewFromInt(math.MaxInt64)
	minMinor = decimal.NewFromInt(math.MinInt64)
)

// ToMinor converts a major-unit amount such as 12.50 into 1250.
// Amounts with more precision than the currency allows are rejected.
func ToMinor(amount decimal.Decimal) (int64, error) {
	if !amount.Equal(amount.Truncate(MinorDigits)) {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", amount.String(), MinorDigits)
	}
	minor := amount.Mul(hundred)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("amount %s is not representable", amount.String())
	}
	if minor.GreaterThan(maxMinor) || minor.LessThan(minMinor) {
		return 0, fmt.Errorf("amount %s is out of range", amount.String())
	}
	return minor.IntPart(), nil
}

// ParseMinor parses a decimal string into minor units
func ParseMinor(s string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return ToMinor(d)
}

// FromMinor converts minor units back to a major-unit decimal
func FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -MinorDigits)
}

// Format renders an amount for people, e.g. "USD 12.50"
func Format(minor int64, currency string) string {
	return fmt.Sprintf("%s %s", strings.ToUpper(currency), FromMinor(minor).StringFixed(MinorDigits))
}

// Amount is a minor-unit value that travels as a decimal number in JSON
type Amount int64

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(FromMinor(int64(a)).StringFixed(MinorDigits)), nil
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return err
	}
	minor, err := ToMinor(d)
	if err != nil {
		return err
	}
	*a = Amount(minor)
	return nil
}

// Minor returns the amount in minor units
func (a Amount) Minor() int64 {
	return int64(a)
}
