package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"claimledger/internal/domain"
	"claimledger/internal/money"
	"claimledger/internal/settlement"
)

// SettlementTerms are the negotiated inputs of a settlement.
type SettlementTerms struct {
	// Percent of the indemnity-type reserves, 0 to 100.
	Percent decimal.Decimal
	// Rate is the annual simple interest rate as a fraction, 0.05 for 5%.
	Rate decimal.Decimal
	// AsOf defaults to now.
	AsOf time.Time
}

// QuoteSettlement computes a settlement for the claim without changing anything.
func (e Engine) QuoteSettlement(ctx context.Context, claimNumber string, terms SettlementTerms) (res settlement.Result, err error) {
	defer e.observe("settlement.quote", time.Now(), &err)
	var c domain.Claim
	var lines []domain.ReserveLine
	err = e.read(ctx, func(ctx context.Context) error {
		var err error
		if c, err = e.Repo.GetClaim(ctx, claimNumber); err != nil {
			return fmt.Errorf("claim %s: %w", claimNumber, err)
		}
		lines, err = e.Repo.ListReserveLines(ctx, claimNumber)
		return err
	})
	if err != nil {
		return res, err
	}
	return e.computeSettlement(c, lines, terms)
}

func (e Engine) computeSettlement(c domain.Claim, lines []domain.ReserveLine, terms SettlementTerms) (settlement.Result, error) {
	asOf := terms.AsOf
	if asOf.IsZero() {
		asOf = e.now()
	}
	res, err := settlement.Compute(settlement.Input{OpenedAt: c.OpenedAt, Currency: c.Currency, Lines: lines}, terms.Percent, terms.Rate, asOf)
	if err != nil {
		if errors.Is(err, money.ErrUnknownCurrency) || errors.Is(err, money.ErrMismatch) {
			return res, err
		}
		return res, &ValidationError{Err: err}
	}
	return res, nil
}

// PaySettlement computes the settlement and records its total as PENDING
// payments, one per indemnity-type line in proportion to the reserves the
// principal was drawn from. All payments are created in one transaction or
// none are.
func (e Engine) PaySettlement(ctx context.Context, claimNumber string, terms SettlementTerms, method domain.PaymentMethod, payee string, actor domain.Actor) (payments []domain.Payment, res settlement.Result, err error) {
	defer e.observe("settlement.pay", time.Now(), &err)
	if err := requireActor(actor); err != nil {
		return nil, res, err
	}
	if !method.Valid() {
		return nil, res, invalid(ErrInvalidMethod, "%q", method)
	}
	if strings.TrimSpace(payee) == "" {
		return nil, res, &ValidationError{Err: ErrPayeeRequired}
	}
	if terms.AsOf.IsZero() {
		terms.AsOf = e.now()
	}
	unlock, err := e.lockClaim(ctx, claimNumber)
	if err != nil {
		return nil, res, err
	}
	defer unlock()
	sealedPayee, err := e.Gateway.Seal(payeeField, payee)
	if err != nil {
		return nil, res, err
	}
	err = e.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		payments = nil
		c, err := e.loadClaimTx(ctx, tx, claimNumber, true)
		if err != nil {
			return err
		}
		lines, err := e.Repo.ListReserveLinesTx(ctx, tx, c.Number)
		if err != nil {
			return err
		}
		if res, err = e.computeSettlement(c, lines, terms); err != nil {
			return err
		}
		if !res.Total.IsPositive() {
			return invalid(ErrInvalidAmount, "settlement total is %s", res.Total)
		}
		memo := fmt.Sprintf("settlement %s%% at %s as of %s", res.Percent, res.Rate, res.AsOf.Format(time.DateOnly))
		for _, share := range settlement.Split(res, lines) {
			p, err := e.insertPaymentTx(ctx, tx, c, CreatePaymentOptions{
				ClaimNumber: c.Number,
				Line:        share.Line,
				Amount:      share.Amount,
				Method:      method,
				Payee:       payee,
				Memo:        memo,
			}, sealedPayee, actor)
			if err != nil {
				return err
			}
			payments = append(payments, p)
		}
		return nil
	})
	if err != nil {
		return nil, res, err
	}
	for i := range payments {
		payments[i] = e.presentPayment(payments[i])
	}
	return payments, res, nil
}
