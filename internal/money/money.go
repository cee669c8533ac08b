// Package money holds exact monetary amounts bound to an ISO 4217 currency.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	gomoney "github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownCurrency = errors.New("unknown currency")
	ErrPrecision       = errors.New("amount has more digits than the currency minor unit")
	ErrMismatch        = errors.New("currency mismatch")
)

// Amount is a decimal value in a currency. The zero Amount has no currency and
// behaves as a weak zero in arithmetic.
type Amount struct {
	value decimal.Decimal
	cur   string
}

// New returns an Amount without rounding.
func New(value decimal.Decimal, currency string) Amount {
	return Amount{value: value, cur: strings.ToUpper(currency)}
}

// Zero returns 0 in the currency.
func Zero(currency string) Amount {
	return New(decimal.Zero, currency)
}

// MustParse is Parse for literals in tests and defaults.
func MustParse(s, currency string) Amount {
	a, err := Parse(s, currency)
	if err != nil {
		panic(err)
	}
	return a
}

// Parse reads a decimal string, rejecting digits below the currency's minor unit.
func Parse(s, currency string) (Amount, error) {
	frac, err := Fraction(currency)
	if err != nil {
		return Amount{}, err
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if !d.Equal(d.Truncate(frac)) {
		return Amount{}, fmt.Errorf("%w: %s %s", ErrPrecision, s, currency)
	}
	return New(d, currency), nil
}

// Fraction returns the number of minor-unit digits of the currency.
func Fraction(currency string) (int32, error) {
	c := gomoney.GetCurrency(strings.ToUpper(currency))
	if c == nil {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCurrency, currency)
	}
	return int32(c.Fraction), nil
}

// ValidCurrency reports whether the code is a known ISO currency.
func ValidCurrency(currency string) bool {
	_, err := Fraction(currency)
	return err == nil
}

func (a Amount) Currency() string          { return a.cur }
func (a Amount) Decimal() decimal.Decimal  { return a.value }
func (a Amount) IsZero() bool              { return a.value.IsZero() }
func (a Amount) IsPositive() bool          { return a.value.IsPositive() }
func (a Amount) IsNegative() bool          { return a.value.IsNegative() }
func (a Amount) Equal(b Amount) bool       { return a.value.Equal(b.value) && sameCurrency(a, b) }
func (a Amount) LessThan(b Amount) bool    { return a.value.LessThan(b.value) }
func (a Amount) GreaterThan(b Amount) bool { return a.value.GreaterThan(b.value) }

func (a Amount) Add(b Amount) Amount { return Amount{value: a.value.Add(b.value), cur: cur(a, b)} }
func (a Amount) Sub(b Amount) Amount { return Amount{value: a.value.Sub(b.value), cur: cur(a, b)} }

// Mul scales the amount by an exact factor; no rounding happens here.
func (a Amount) Mul(f decimal.Decimal) Amount { return Amount{value: a.value.Mul(f), cur: a.cur} }

// Round rounds half-to-even to the currency's minor unit.
func (a Amount) Round() Amount {
	frac, err := Fraction(a.cur)
	if err != nil {
		frac = 2
	}
	return Amount{value: a.value.RoundBank(frac), cur: a.cur}
}

// sameCurrency treats the currency-less zero as compatible with anything.
func sameCurrency(a, b Amount) bool {
	return a.cur == "" || b.cur == "" || a.cur == b.cur
}

// makes the "" currency weak.
func cur(a, b Amount) string {
	if a.cur == "" {
		return b.cur
	}
	if b.cur == "" {
		return a.cur
	}
	if a.cur != b.cur {
		panic(fmt.Sprintf("%v: %s != %s", ErrMismatch, a.cur, b.cur))
	}
	return a.cur
}

// String renders the value with exactly the currency's minor-unit digits.
func (a Amount) String() string {
	frac, err := Fraction(a.cur)
	if err != nil {
		return a.value.String()
	}
	return a.value.StringFixedBank(frac)
}

// Display renders the amount with the currency symbol, e.g. "$1,000.00".
func (a Amount) Display() string {
	c := gomoney.GetCurrency(a.cur)
	if c == nil {
		return a.String() + " " + a.cur
	}
	minor := a.value.Shift(int32(c.Fraction)).RoundBank(0).IntPart()
	return c.Formatter().Format(minor)
}

type amountJSON struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(amountJSON{Amount: a.String(), Currency: a.cur})
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var raw amountJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d, err := decimal.NewFromString(raw.Amount)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", raw.Amount, err)
	}
	*a = New(d, raw.Currency)
	return nil
}
