// Package core provides money parsing and handling utilities.
//
// Amounts are fixed-point decimals rounded to cents only where a share is
// settled. Parsing accepts the formats found in gym exports and spreadsheets.
package core

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is a euro amount backed by a decimal, never a float.
type Money struct {
	amount decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// Zero is the zero amount.
var Zero = Money{}

// MoneyFromCents builds an amount from an integer number of cents.
func MoneyFromCents(cents int64) Money {
	return Money{amount: decimal.New(cents, -2)}
}

// MoneyFromDecimal wraps a decimal value.
func MoneyFromDecimal(d decimal.Decimal) Money {
	return Money{amount: d}
}

// MustMoney parses s and panics on error. Intended for tests and constants.
func MustMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

// ParseMoney converts a textual amount into Money.
//
// It accepts dot (12.34) and comma (12,34) decimal separators, an optional
// euro sign and thousands separators. Values keep their full precision; call
// Round to settle them to cents. Negative values are returned as-is and left
// for the caller to reject.
//
// Examples:
//
//	ParseMoney("112.20")    -> 112.20
//	ParseMoney("€1,245.30") -> 1245.30
//	ParseMoney("1.245,30")  -> 1245.30
//	ParseMoney("12,5")      -> 12.5
func ParseMoney(s string) (Money, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "€")
	s = strings.TrimSuffix(s, "€")
	s = strings.ReplaceAll(s, " ", "")
	s = strings.TrimSpace(strings.TrimPrefix(s, "EUR"))
	if s == "" {
		return Money{}, ErrInvalidAmount
	}
	s = normalizeSeparators(s)
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return Money{amount: d}, nil
}

// normalizeSeparators rewrites grouping and decimal marks to the plain
// "1234.56" form understood by decimal.NewFromString.
func normalizeSeparators(s string) string {
	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			// 1.245,30
			s = strings.ReplaceAll(s, ".", "")
			return strings.Replace(s, ",", ".", 1)
		}
		// 1,245.30
		return strings.ReplaceAll(s, ",", "")
	case lastComma >= 0:
		if strings.Count(s, ",") == 1 && len(s)-lastComma-1 != 3 {
			return strings.Replace(s, ",", ".", 1)
		}
		return strings.ReplaceAll(s, ",", "")
	default:
		return s
	}
}

// Add returns m + o.
func (m Money) Add(o Money) Money { return Money{amount: m.amount.Add(o.amount)} }

// Sub returns m - o.
func (m Money) Sub(o Money) Money { return Money{amount: m.amount.Sub(o.amount)} }

// MulDecimal returns the unrounded product.
func (m Money) MulDecimal(d decimal.Decimal) Money { return Money{amount: m.amount.Mul(d)} }

// Round settles the amount to cents, rounding half away from zero.
func (m Money) Round() Money { return Money{amount: m.amount.Round(2)} }

func (m Money) Cmp(o Money) int { return m.amount.Cmp(o.amount) }
func (m Money) Equal(o Money) bool { return m.amount.Equal(o.amount) }
func (m Money) GreaterThan(o Money) bool { return m.amount.GreaterThan(o.amount) }
func (m Money) IsZero() bool { return m.amount.IsZero() }
func (m Money) IsNegative() bool { return m.amount.IsNegative() }
func (m Money) Decimal() decimal.Decimal { return m.amount }
func (m Money) Cents() int64 { return m.amount.Shift(2).Round(0).IntPart() }

// String renders the amount with exactly two decimals ("112.20").
func (m Money) String() string { return m.amount.StringFixed(2) }

func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

func (m *Money) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" {
		*m = Money{}
		return nil
	}
	parsed, err := ParseMoney(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Allocate splits m over the given weights. Every part but the last is
// rounded to cents; the last part takes whatever is left, so the parts always
// sum to m exactly. Zero or empty weights yield nil.
func (m Money) Allocate(weights []decimal.Decimal) []Money {
	if len(weights) == 0 {
		return nil
	}
	total := decimal.Zero
	for _, w := range weights {
		total = total.Add(w)
	}
	if total.IsZero() {
		return nil
	}
	parts := make([]Money, len(weights))
	assigned := Zero
	for i := 0; i < len(weights)-1; i++ {
		parts[i] = Money{amount: m.amount.Mul(weights[i]).Div(total)}.Round()
		assigned = assigned.Add(parts[i])
	}
	parts[len(parts)-1] = m.Sub(assigned)
	return parts
}

// Split divides m into n parts via Allocate with equal weights.
func (m Money) Split(n int) []Money {
	if n <= 0 {
		return nil
	}
	weights := make([]decimal.Decimal, n)
	for i := range weights {
		weights[i] = decimal.NewFromInt(1)
	}
	return m.Allocate(weights)
}

// SumMoney adds up a list of amounts.
func SumMoney(ms ...Money) Money {
	total := Zero
	for _, m := range ms {
		total = total.Add(m)
	}
	return total
}

// FormatEUR renders an amount for display, e.g. "€1,245.30".
// It belongs to the presentation boundary; calculations never use it.
func FormatEUR(m Money) string {
	s := m.Round().String()
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	intPart, frac, _ := strings.Cut(s, ".")
	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	out := "€" + b.String() + "." + frac
	if neg {
		return "-" + out
	}
	return out
}

// Percent is a percentage expressed in points (43.5 means 43.5%).
type Percent struct {
	points decimal.Decimal
}

// NewPercent parses a percentage such as "43.5" or "43.5%".
func NewPercent(s string) (Percent, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	if s == "" {
		return Percent{}, nil
	}
	d, err := decimal.NewFromString(strings.Replace(s, ",", ".", 1))
	if err != nil {
		return Percent{}, fmt.Errorf("%w: %q", ErrInvalidPercent, s)
	}
	return Percent{points: d}, nil
}

// MustPercent parses s and panics on error.
func MustPercent(s string) Percent {
	p, err := NewPercent(s)
	if err != nil {
		panic(err)
	}
	return p
}

// PercentFromDecimal wraps a decimal number of points.
func PercentFromDecimal(d decimal.Decimal) Percent { return Percent{points: d} }

// Of returns the unrounded share of m.
func (p Percent) Of(m Money) Money {
	return m.MulDecimal(p.points.Div(hundred))
}

// Fraction returns the percentage as a fraction of one (43.5 -> 0.435).
func (p Percent) Fraction() decimal.Decimal { return p.points.Div(hundred) }

func (p Percent) Add(o Percent) Percent { return Percent{points: p.points.Add(o.points)} }
func (p Percent) IsNegative() bool { return p.points.IsNegative() }
func (p Percent) Decimal() decimal.Decimal { return p.points }
func (p Percent) String() string { return p.points.String() }

func (p Percent) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.points.String() + `"`), nil
}

func (p *Percent) UnmarshalJSON(b []byte) error {
	parsed, err := NewPercent(strings.Trim(string(b), `"`))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
