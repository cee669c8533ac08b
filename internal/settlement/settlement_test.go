package settlement

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"claimledger/internal/domain"
	"claimledger/internal/money"
)

func line(t domain.LineType, allocated string) domain.ReserveLine {
	return domain.ReserveLine{Type: t, Allocated: money.MustParse(allocated, "USD"), PaidToDate: money.Zero("USD")}
}

func TestComputeScenario(t *testing.T) {
	opened := time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC)
	asOf := time.Date(2024, 3, 14, 1, 0, 0, 0, time.UTC)
	in := Input{OpenedAt: opened, Currency: "USD", Lines: []domain.ReserveLine{
		line(domain.LineIndemnity, "2000.00"),
		line(domain.LineExpense, "500.00"),
	}}
	res, err := Compute(in, decimal.NewFromInt(50), decimal.RequireFromString("0.05"), asOf)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if res.Days != 73 {
		t.Fatalf("expected 73 days, got %d", res.Days)
	}
	for name, c := range map[string]struct{ got, want money.Amount }{
		"principal": {res.Principal, money.MustParse("1000.00", "USD")},
		"interest":  {res.Interest, money.MustParse("10.00", "USD")},
		"total":     {res.Total, money.MustParse("1010.00", "USD")},
	} {
		if !c.got.Equal(c.want) {
			t.Errorf("%s: got %s, want %s", name, c.got, c.want)
		}
	}
}

func TestComputeIncludesMedicalLines(t *testing.T) {
	in := Input{OpenedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Currency: "USD", Lines: []domain.ReserveLine{
		line(domain.LineIndemnity, "100.00"),
		line(domain.LineMedical, "300.00"),
		line(domain.LineSubrogation, "999.00"),
	}}
	res, err := Compute(in, decimal.NewFromInt(100), decimal.Zero, in.OpenedAt)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if !res.Total.Equal(money.MustParse("400.00", "USD")) || res.Days != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestComputeRoundsOnceHalfEven(t *testing.T) {
	opened := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	in := Input{OpenedAt: opened, Currency: "USD", Lines: []domain.ReserveLine{line(domain.LineIndemnity, "10.01")}}
	res, err := Compute(in, decimal.NewFromInt(50), decimal.NewFromInt(1), opened.AddDate(0, 0, 365))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	// principal and interest are each exactly 5.005
	if res.Principal.String() != "5.00" || res.Interest.String() != "5.00" {
		t.Fatalf("expected half-even 5.00/5.00, got %s/%s", res.Principal, res.Interest)
	}
	if res.Total.String() != "10.01" {
		t.Fatalf("total must come from exact terms, got %s", res.Total)
	}
}

func TestComputeZeroDecimalCurrency(t *testing.T) {
	opened := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	in := Input{OpenedAt: opened, Currency: "JPY", Lines: []domain.ReserveLine{
		{Type: domain.LineIndemnity, Allocated: money.MustParse("1005", "JPY")},
	}}
	res, err := Compute(in, decimal.NewFromInt(50), decimal.Zero, opened)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if res.Principal.String() != "502" {
		t.Fatalf("expected 502.5 to round to 502, got %s", res.Principal)
	}
}

func TestComputeValidation(t *testing.T) {
	opened := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	in := Input{OpenedAt: opened, Currency: "USD", Lines: []domain.ReserveLine{line(domain.LineIndemnity, "100.00")}}
	cases := []struct {
		name    string
		percent decimal.Decimal
		rate    decimal.Decimal
		asOf    time.Time
		want    error
	}{
		{"percent above range", decimal.RequireFromString("100.01"), decimal.Zero, opened, ErrInvalidSettlementPercent},
		{"negative percent", decimal.NewFromInt(-1), decimal.Zero, opened, ErrInvalidSettlementPercent},
		{"negative rate", decimal.NewFromInt(10), decimal.RequireFromString("-0.01"), opened, ErrInvalidInterestRate},
		{"as-of before open", decimal.NewFromInt(10), decimal.Zero, opened.AddDate(0, 0, -1), ErrInvalidSettlementDate},
	}
	for _, c := range cases {
		if _, err := Compute(in, c.percent, c.rate, c.asOf); !errors.Is(err, c.want) {
			t.Errorf("%s: expected %v, got %v", c.name, c.want, err)
		}
	}
	for _, p := range []int64{0, 100} {
		if _, err := Compute(in, decimal.NewFromInt(p), decimal.Zero, opened); err != nil {
			t.Errorf("percent %d should be accepted: %v", p, err)
		}
	}
}

func TestDaysBetweenUsesCalendarDays(t *testing.T) {
	opened := time.Date(2024, 1, 1, 23, 59, 0, 0, time.UTC)
	asOf := time.Date(2024, 1, 2, 0, 1, 0, 0, time.UTC)
	days, err := DaysBetween(opened, asOf)
	if err != nil || days != 1 {
		t.Fatalf("expected 1 day, got %d (%v)", days, err)
	}
	sameDay := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	if days, err := DaysBetween(opened, sameDay); err != nil || days != 0 {
		t.Fatalf("earlier time on the same day counts as 0 days, got %d (%v)", days, err)
	}
}

func TestSplitFollowsPrincipalLines(t *testing.T) {
	opened := time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC)
	asOf := time.Date(2024, 3, 14, 1, 0, 0, 0, time.UTC)
	lines := []domain.ReserveLine{
		line(domain.LineIndemnity, "2000.00"),
		line(domain.LineMedical, "1000.00"),
		line(domain.LineExpense, "500.00"),
	}
	res, err := Compute(Input{OpenedAt: opened, Currency: "USD", Lines: lines}, decimal.NewFromInt(50), decimal.RequireFromString("0.05"), asOf)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	shares := Split(res, lines)
	if len(shares) != 2 {
		t.Fatalf("expected indemnity and medical shares, got %+v", shares)
	}
	if shares[0].Line != domain.LineIndemnity || shares[0].Amount.String() != "1010.00" ||
		shares[1].Line != domain.LineMedical || shares[1].Amount.String() != "505.00" {
		t.Fatalf("unexpected shares %+v", shares)
	}

	medicalOnly := []domain.ReserveLine{line(domain.LineMedical, "2000.00")}
	res, err = Compute(Input{OpenedAt: opened, Currency: "USD", Lines: medicalOnly}, decimal.NewFromInt(50), decimal.Zero, asOf)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	shares = Split(res, medicalOnly)
	if len(shares) != 1 || shares[0].Line != domain.LineMedical || shares[0].Amount.String() != "1000.00" {
		t.Fatalf("expected one medical share of 1000.00, got %+v", shares)
	}
}

func TestSplitRemainderKeepsTotal(t *testing.T) {
	opened := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	lines := []domain.ReserveLine{
		line(domain.LineIndemnity, "1.00"),
		line(domain.LineMedical, "1.00"),
	}
	res, err := Compute(Input{OpenedAt: opened, Currency: "USD", Lines: lines}, decimal.RequireFromString("2.5"), decimal.Zero, opened)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if res.Total.String() != "0.05" {
		t.Fatalf("expected total 0.05, got %s", res.Total)
	}
	shares := Split(res, lines)
	sum := money.Zero("USD")
	for _, sh := range shares {
		sum = sum.Add(sh.Amount)
	}
	if !sum.Equal(res.Total) {
		t.Fatalf("shares sum to %s, total %s", sum, res.Total)
	}
	if shares[0].Amount.String() != "0.03" || shares[1].Amount.String() != "0.02" {
		t.Fatalf("remainder should go to the first largest line, got %+v", shares)
	}
}
