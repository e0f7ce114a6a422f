package types

import "github.com/shopspring/decimal"

func init() {
	// Share pricing must survive extreme collateral/share ratios; the
	// default 16 digits of division precision is not enough.
	decimal.DivisionPrecision = 30
}

// CheckedDiv divides a by b, failing closed on a zero denominator
func CheckedDiv(a, b decimal.Decimal) (decimal.Decimal, error) {
	if b.IsZero() {
		return decimal.Zero, MarketErr(ErrDivideByZero, "division by zero: %s / 0", a)
	}
	return a.Div(b), nil
}

// CheckedSub subtracts b from a, failing if the result would go negative.
// Balance arithmetic never saturates or wraps.
func CheckedSub(a, b decimal.Decimal) (decimal.Decimal, error) {
	out := a.Sub(b)
	if out.IsNegative() {
		return decimal.Zero, MarketErr(ErrExceeded, "subtraction underflow: %s - %s", a, b)
	}
	return out, nil
}

// RequirePositive validates a strictly positive amount
func RequirePositive(name string, v decimal.Decimal) error {
	if !v.IsPositive() {
		return MarketErr(ErrInvalidAmount, "%s must be positive, got %s", name, v)
	}
	return nil
}

// RequireNonNegative validates a non-negative amount
func RequireNonNegative(name string, v decimal.Decimal) error {
	if v.IsNegative() {
		return MarketErr(ErrInvalidAmount, "%s must not be negative, got %s", name, v)
	}
	return nil
}

// ParseDecimal parses a decimal string into the typed conversion error
func ParseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, MarketErr(ErrConversion, "invalid decimal %q", s)
	}
	return d, nil
}

// MinDec returns the smaller of a and b
func MinDec(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// MaxDec returns the larger of a and b
func MaxDec(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// ClampDec bounds v to [lo, hi]
func ClampDec(v, lo, hi decimal.Decimal) decimal.Decimal {
	return MaxDec(lo, MinDec(v, hi))
}
