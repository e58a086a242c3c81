// Package money provides an exact decimal type for USD amounts and rates.
package money

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/apd/v3"
)

// Precision is the number of significant digits used by arithmetic.
const Precision = 34

var arith = apd.BaseContext.WithPrecision(Precision)

// Decimal is an immutable arbitrary-precision decimal value.
type Decimal struct {
	value apd.Decimal
}

// Zero is the decimal 0.
var Zero = Decimal{}

// New parses s ("0.000002", "1.3", "1e-6").
func New(s string) (Decimal, error) {
	var d apd.Decimal
	if _, _, err := d.SetString(s); err != nil {
		return Decimal{}, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	if d.Form != apd.Finite {
		return Decimal{}, fmt.Errorf("invalid decimal %q: not finite", s)
	}
	return Decimal{value: d}, nil
}

// MustNew is New for constants known to be valid. It panics on error.
func MustNew(s string) Decimal {
	d, err := New(s)
	if err != nil {
		panic(err)
	}
	return d
}

// FromInt64 returns i as a Decimal.
func FromInt64(i int64) Decimal {
	var d apd.Decimal
	d.SetInt64(i)
	return Decimal{value: d}
}

// Ptr returns a pointer to a copy of d.
func (d Decimal) Ptr() *Decimal { return &d }

func (d Decimal) String() string {
	return d.value.Text('f')
}

// IsZero reports whether d == 0.
func (d Decimal) IsZero() bool {
	return d.value.IsZero()
}

// IsNegative reports whether d < 0.
func (d Decimal) IsNegative() bool {
	return d.value.Negative && !d.value.IsZero()
}

// Cmp compares d and other and returns -1, 0 or +1.
func (d Decimal) Cmp(other Decimal) int {
	return d.value.Cmp(&other.value)
}

// Add returns d + other.
func (d Decimal) Add(other Decimal) Decimal {
	var result apd.Decimal
	_, _ = arith.Add(&result, &d.value, &other.value)
	return Decimal{value: result}
}

// Mul returns the exact product d * other. The working precision grows with
// the operands so the product is never rounded before CeilInt64.
func (d Decimal) Mul(other Decimal) Decimal {
	digits := d.value.NumDigits() + other.value.NumDigits()
	ctx := arith
	if digits > Precision {
		ctx = arith.WithPrecision(uint32(digits))
	}
	var result apd.Decimal
	_, _ = ctx.Mul(&result, &d.value, &other.value)
	return Decimal{value: result}
}

// CeilInt64 rounds d toward positive infinity and returns it as an int64.
func (d Decimal) CeilInt64() (int64, error) {
	var result apd.Decimal
	if _, err := arith.Ceil(&result, &d.value); err != nil {
		return 0, fmt.Errorf("ceil %s: %w", d, err)
	}
	n, err := result.Int64()
	if err != nil {
		return 0, fmt.Errorf("ceil %s: %w", d, err)
	}
	return n, nil
}

// MarshalJSON encodes d as a JSON string to keep every digit.
func (d Decimal) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts either a JSON string or a JSON number.
func (d *Decimal) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(s)
	}
	parsed, err := New(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
