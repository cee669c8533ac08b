// Package settlement computes claim settlement amounts. It has no side effects;
// callers persist the result.
package settlement

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"claimledger/internal/domain"
	"claimledger/internal/money"
)

var (
	ErrInvalidSettlementPercent = errors.New("settlement percent must be between 0 and 100")
	ErrInvalidInterestRate      = errors.New("interest rate must not be negative")
	ErrInvalidSettlementDate    = errors.New("settlement date precedes claim open date")
)

const daysPerYear = 365

var hundred = decimal.NewFromInt(100)

// Input is the claim state a settlement is computed from.
type Input struct {
	OpenedAt time.Time
	Currency string
	Lines    []domain.ReserveLine
}

// Result holds amounts rounded half-to-even to the currency's minor unit.
type Result struct {
	Currency  string          `json:"currency"`
	Base      money.Amount    `json:"indemnity_reserve"`
	Percent   decimal.Decimal `json:"percent"`
	Rate      decimal.Decimal `json:"interest_rate"`
	Days      int             `json:"days"`
	Principal money.Amount    `json:"principal"`
	Interest  money.Amount    `json:"interest"`
	Total     money.Amount    `json:"total"`
	AsOf      time.Time       `json:"as_of"`
}

// Compute returns principal, interest and total for a claim as of asOf.
//
// principal = sum of allocated indemnity-type reserves * percent / 100
// interest  = principal * rate * days / 365 (simple daily interest)
//
// Every term is carried exactly; rounding is applied once to each reported amount.
func Compute(in Input, percent, rate decimal.Decimal, asOf time.Time) (Result, error) {
	if percent.IsNegative() || percent.GreaterThan(hundred) {
		return Result{}, fmt.Errorf("%w: %s", ErrInvalidSettlementPercent, percent)
	}
	if rate.IsNegative() {
		return Result{}, fmt.Errorf("%w: %s", ErrInvalidInterestRate, rate)
	}
	days, err := DaysBetween(in.OpenedAt, asOf)
	if err != nil {
		return Result{}, err
	}
	frac, err := money.Fraction(in.Currency)
	if err != nil {
		return Result{}, err
	}

	base := decimal.Zero
	for _, l := range in.Lines {
		if !l.Type.Indemnity() {
			continue
		}
		if l.Allocated.Currency() != "" && l.Allocated.Currency() != in.Currency {
			return Result{}, fmt.Errorf("%w: line %s is %s, claim is %s", money.ErrMismatch, l.Type, l.Allocated.Currency(), in.Currency)
		}
		base = base.Add(l.Allocated.Decimal())
	}

	principal := base.Mul(percent).Div(hundred)
	interest := principal.Mul(rate).Mul(decimal.NewFromInt(int64(days))).Div(decimal.NewFromInt(daysPerYear))
	total := principal.Add(interest)

	round := func(d decimal.Decimal) money.Amount {
		return money.New(d.RoundBank(frac), in.Currency)
	}
	return Result{
		Currency:  in.Currency,
		Base:      money.New(base, in.Currency),
		Percent:   percent,
		Rate:      rate,
		Days:      days,
		Principal: round(principal),
		Interest:  round(interest),
		Total:     round(total),
		AsOf:      asOf.UTC(),
	}, nil
}

// Share is the part of a settlement paid from one reserve line.
type Share struct {
	Line   domain.LineType `json:"line_type"`
	Amount money.Amount    `json:"amount"`
}

// Split apportions res.Total over the indemnity-type lines in proportion to
// their allocations, the same lines that make up the principal. Each share
// is rounded half-to-even and the rounding remainder goes to the largest
// line, so the shares always sum to the total exactly.
func Split(res Result, lines []domain.ReserveLine) []Share {
	base := res.Base.Decimal()
	if !base.IsPositive() || !res.Total.IsPositive() {
		return nil
	}
	frac, err := money.Fraction(res.Currency)
	if err != nil {
		frac = 2
	}
	var shares []Share
	largest := -1
	var largestAlloc decimal.Decimal
	sum := decimal.Zero
	for _, l := range lines {
		if !l.Type.Indemnity() || !l.Allocated.IsPositive() {
			continue
		}
		amt := res.Total.Decimal().Mul(l.Allocated.Decimal()).Div(base).RoundBank(frac)
		shares = append(shares, Share{Line: l.Type, Amount: money.New(amt, res.Currency)})
		sum = sum.Add(amt)
		if largest < 0 || l.Allocated.Decimal().GreaterThan(largestAlloc) {
			largest = len(shares) - 1
			largestAlloc = l.Allocated.Decimal()
		}
	}
	if largest >= 0 {
		fixed := shares[largest].Amount.Decimal().Add(res.Total.Decimal().Sub(sum))
		shares[largest].Amount = money.New(fixed, res.Currency)
	}
	out := shares[:0]
	for _, sh := range shares {
		if sh.Amount.IsPositive() {
			out = append(out, sh)
		}
	}
	return out
}

// DaysBetween counts whole UTC calendar days from opened to asOf.
func DaysBetween(opened, asOf time.Time) (int, error) {
	from := civil(opened)
	to := civil(asOf)
	if to.Before(from) {
		return 0, fmt.Errorf("%w: %s before %s", ErrInvalidSettlementDate, to.Format(time.DateOnly), from.Format(time.DateOnly))
	}
	return int(to.Sub(from).Hours() / 24), nil
}

func civil(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
