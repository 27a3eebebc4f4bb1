package amount

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals is the fixed number of fractional digits carried by every Amount
// (wei precision).
const Decimals = 18

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrMalformedAmount     = errors.New("malformed amount")
)

// maxDigits is the number of decimal digits of MaxBaseUnits.
const maxDigits = 78

var (
	one = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

	// MaxBaseUnits is the largest representable amount, 2^256-1 base units.
	MaxBaseUnits = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

// Amount is a non-negative fixed-point quantity stored as base units.
// The zero value is zero. Amounts are immutable: every operation returns
// a fresh value and never aliases the receiver's big.Int.
type Amount struct {
	v *big.Int
}

// Zero is the additive identity.
var Zero = Amount{}

// FromBig copies b into an Amount. Negative values and values above
// MaxBaseUnits are rejected.
func FromBig(b *big.Int) (Amount, error) {
	if b == nil {
		return Zero, nil
	}
	if b.Sign() < 0 {
		return Zero, fmt.Errorf("%w: negative base units %s", ErrMalformedAmount, b)
	}
	if b.Cmp(MaxBaseUnits) > 0 {
		return Zero, fmt.Errorf("%w: base units exceed 2^256-1", ErrMalformedAmount)
	}
	return Amount{v: new(big.Int).Set(b)}, nil
}

// FromBaseUnits parses a base-10 integer of base units (wei).
func FromBaseUnits(s string) (Amount, error) {
	b, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return Zero, fmt.Errorf("%w: %q is not an integer", ErrMalformedAmount, s)
	}
	return FromBig(b)
}

// FromUnits scales a whole number of display units, e.g. FromUnits(3) is 3.0.
func FromUnits(n uint64) Amount {
	v := new(big.Int).SetUint64(n)
	return Amount{v: v.Mul(v, one)}
}

// FromDisplay parses a human decimal string such as "1.5" into base units.
// Input that is not a number, is negative, carries more than 18 fractional
// digits, or exceeds MaxBaseUnits fails with ErrMalformedAmount.
func FromDisplay(s string) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Zero, fmt.Errorf("%w: %q: %v", ErrMalformedAmount, s, err)
	}
	if d.IsNegative() {
		return Zero, fmt.Errorf("%w: %q is negative", ErrMalformedAmount, s)
	}
	if d.IsZero() {
		return Zero, nil
	}

	// Bound the exponent before scaling: the value lies in
	// [10^(top-1), 10^top) base units.
	top := int64(d.NumDigits()) + int64(d.Exponent()) + Decimals
	if top-1 >= maxDigits {
		return Zero, fmt.Errorf("%w: %.20q exceeds 2^256-1 base units", ErrMalformedAmount, s)
	}
	if top <= 0 {
		return Zero, fmt.Errorf("%w: %.20q has more than %d fractional digits", ErrMalformedAmount, s, Decimals)
	}

	shifted := d.Shift(Decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return Zero, fmt.Errorf("%w: %q has more than %d fractional digits", ErrMalformedAmount, s, Decimals)
	}
	return FromBig(shifted.BigInt())
}

// MustDisplay is FromDisplay for literals known to be valid.
func MustDisplay(s string) Amount {
	a, err := FromDisplay(s)
	if err != nil {
		panic(err)
	}
	return a
}

// ToDisplay renders a as a decimal string with trailing zeros trimmed.
func ToDisplay(a Amount) string {
	return decimal.NewFromBigInt(a.big(), -Decimals).String()
}

// Add returns a+b. It cannot fail.
func Add(a, b Amount) Amount {
	return Amount{v: new(big.Int).Add(a.big(), b.big())}
}

// Sub returns a-b, or ErrInsufficientBalance when b > a.
func Sub(a, b Amount) (Amount, error) {
	if a.Cmp(b) < 0 {
		return Zero, fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, ToDisplay(a), ToDisplay(b))
	}
	return Amount{v: new(big.Int).Sub(a.big(), b.big())}, nil
}

// Percent returns pct percent of a, rounded down.
func Percent(a Amount, pct uint64) Amount {
	if pct == 0 {
		return Zero
	}
	v := new(big.Int).Mul(a.big(), new(big.Int).SetUint64(pct))
	return Amount{v: v.Div(v, big.NewInt(100))}
}

// Ratio returns a/b as a float64. It is meant for display prices only.
func Ratio(a, b Amount) float64 {
	if b.IsZero() {
		return 0
	}
	q := new(big.Float).Quo(new(big.Float).SetInt(a.big()), new(big.Float).SetInt(b.big()))
	f, _ := q.Float64()
	return f
}

func (a Amount) big() *big.Int {
	if a.v == nil {
		return new(big.Int)
	}
	return a.v
}

// Big returns a copy of the base units.
func (a Amount) Big() *big.Int { return new(big.Int).Set(a.big()) }

func (a Amount) Cmp(b Amount) int { return a.big().Cmp(b.big()) }

func (a Amount) Equal(b Amount) bool { return a.Cmp(b) == 0 }

func (a Amount) IsZero() bool { return a.v == nil || a.v.Sign() == 0 }

// String returns base units.
func (a Amount) String() string { return a.big().String() }

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedAmount, err)
	}
	parsed, err := FromBaseUnits(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
