/*
quantity.go - Fixed-precision quantities

PURPOSE:
  Every quantity the ledger stores or compares goes through Quantity.
  Values are decimal (shopspring/decimal) and are rounded to Precision
  places after every arithmetic step, so repeated additions never drift
  and equality checks never depend on binary floating point.

EXAMPLE:
  total := ledger.Zero
  for i := 0; i < 30; i++ {
      total = total.Add(ledger.MustQuantity("0.1"))
  }
  total.StringFixed() // "3.000"

SEE ALSO:
  - errors.go: ErrInvalidOperand
*/
package ledger

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Precision is the number of decimal places every quantity is rounded to.
const Precision int32 = 3

// Quantity is a non-binary decimal amount rounded to Precision places.
type Quantity struct {
	Value decimal.Decimal
}

// Zero is the zero quantity.
var Zero = Quantity{Value: decimal.Zero}

// NewQuantity converts a float, rejecting NaN and infinities.
func NewQuantity(f float64) (Quantity, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Zero, fmt.Errorf("%w: %v", ErrInvalidOperand, f)
	}
	return Round(Quantity{Value: decimal.NewFromFloat(f)}, Precision), nil
}

// NewQuantityFromInt never fails.
func NewQuantityFromInt(n int64) Quantity {
	return Quantity{Value: decimal.NewFromInt(n)}
}

// ParseQuantity parses a decimal string such as "12.5".
func ParseQuantity(s string) (Quantity, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("%w: %q", ErrInvalidOperand, s)
	}
	return Round(Quantity{Value: d}, Precision), nil
}

// MustQuantity is ParseQuantity for literals in code and tests. It panics on bad input.
func MustQuantity(s string) Quantity {
	q, err := ParseQuantity(s)
	if err != nil {
		panic(err)
	}
	return q
}

// Round rounds half away from zero to the given number of places.
func Round(q Quantity, places int32) Quantity {
	return Quantity{Value: q.Value.Round(places)}
}

// Add returns q+o rounded to Precision.
func (q Quantity) Add(o Quantity) Quantity {
	return Round(Quantity{Value: q.Value.Add(o.Value)}, Precision)
}

// Sub returns q-o rounded to Precision. The result may be negative;
// callers that need a usable quantity clamp with ClampZero.
func (q Quantity) Sub(o Quantity) Quantity {
	return Round(Quantity{Value: q.Value.Sub(o.Value)}, Precision)
}

// ClampZero returns q, or Zero when q is negative.
func (q Quantity) ClampZero() Quantity {
	if q.Value.IsNegative() {
		return Zero
	}
	return q
}

func (q Quantity) Cmp(o Quantity) int { return q.Value.Cmp(o.Value) }
func (q Quantity) Equal(o Quantity) bool { return q.Value.Equal(o.Value) }
func (q Quantity) GreaterThan(o Quantity) bool { return q.Value.GreaterThan(o.Value) }
func (q Quantity) LessThan(o Quantity) bool { return q.Value.LessThan(o.Value) }
func (q Quantity) IsZero() bool { return q.Value.IsZero() }
func (q Quantity) IsPositive() bool { return q.Value.IsPositive() }
func (q Quantity) IsNegative() bool { return q.Value.IsNegative() }
func (q Quantity) String() string { return q.Value.String() }
func (q Quantity) StringFixed() string { return q.Value.StringFixed(Precision) }
func (q Quantity) InexactFloat64() float64 { return q.Value.InexactFloat64() }
func (q Quantity) Min(o Quantity) Quantity {
	if q.LessThan(o) {
		return q
	}
	return o
}

// Sum adds quantities left to right.
func Sum(qs ...Quantity) Quantity {
	total := Zero
	for _, q := range qs {
		total = total.Add(q)
	}
	return total
}

// Percent returns part/whole*100 rounded to two places, or Zero when whole is zero.
func Percent(part, whole Quantity) Quantity {
	if whole.IsZero() {
		return Zero
	}
	return Round(Quantity{Value: part.Value.Mul(decimal.NewFromInt(100)).Div(whole.Value)}, 2)
}

// MarshalJSON encodes the quantity as a JSON string to keep every digit.
func (q Quantity) MarshalJSON() ([]byte, error) {
	return q.Value.MarshalJSON()
}

// UnmarshalJSON accepts both JSON numbers and strings.
func (q *Quantity) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidOperand, string(b))
	}
	*q = Round(Quantity{Value: d}, Precision)
	return nil
}

// Scan implements sql.Scanner.
func (q *Quantity) Scan(src any) error {
	var d decimal.Decimal
	if err := d.Scan(src); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOperand, src)
	}
	*q = Round(Quantity{Value: d}, Precision)
	return nil
}
