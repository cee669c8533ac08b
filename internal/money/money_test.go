package money

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParse(t *testing.T) {
	a, err := Parse("1000.5", "usd")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.String() != "1000.50" || a.Currency() != "USD" {
		t.Fatalf("unexpected amount %s %s", a, a.Currency())
	}
	if _, err := Parse("1.005", "USD"); !errors.Is(err, ErrPrecision) {
		t.Fatalf("expected precision error, got %v", err)
	}
	if _, err := Parse("12", "JPY"); err != nil {
		t.Fatalf("JPY whole units: %v", err)
	}
	if _, err := Parse("12.5", "JPY"); !errors.Is(err, ErrPrecision) {
		t.Fatalf("JPY has no minor unit, got %v", err)
	}
	if _, err := Parse("1", "XXZ"); !errors.Is(err, ErrUnknownCurrency) {
		t.Fatalf("expected unknown currency, got %v", err)
	}
}

func TestRoundHalfEven(t *testing.T) {
	cases := map[string]string{
		"0.125":  "0.12",
		"0.135":  "0.14",
		"2.675":  "2.68",
		"-0.125": "-0.12",
	}
	for in, want := range cases {
		got := New(decimal.RequireFromString(in), "USD").Round().String()
		if got != want {
			t.Errorf("round %s: got %s want %s", in, got, want)
		}
	}
}

func TestArithmetic(t *testing.T) {
	a := MustParse("600.00", "USD")
	b := MustParse("1000.00", "USD")
	if got := b.Sub(a); got.String() != "400.00" {
		t.Fatalf("sub: %s", got)
	}
	if got := (Amount{}).Add(a); got.Currency() != "USD" {
		t.Fatalf("zero amount should adopt currency, got %q", got.Currency())
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on currency mismatch")
		}
	}()
	_ = a.Add(MustParse("1", "EUR"))
}

func TestJSON(t *testing.T) {
	data, err := json.Marshal(MustParse("10", "EUR"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"amount":"10.00","currency":"EUR"}` {
		t.Fatalf("unexpected json %s", data)
	}
	var back Amount
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if !back.Equal(MustParse("10", "EUR")) {
		t.Fatalf("round trip mismatch: %s", back)
	}
}

func TestDisplay(t *testing.T) {
	if got := MustParse("1234.5", "USD").Display(); got != "$1,234.50" {
		t.Fatalf("display %q", got)
	}
}
