package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"claimledger/internal/audit"
	"claimledger/internal/domain"
	"claimledger/internal/metrics"
	"claimledger/internal/money"
	"claimledger/internal/rail"
	"claimledger/internal/repo"
)

// payeeField is the encryption field name for payment payees.
const payeeField = "payee"

type CreatePaymentOptions struct {
	ClaimNumber string
	Line        domain.LineType
	Amount      money.Amount
	Method      domain.PaymentMethod
	Payee       string
	Memo        string
}

// CreatePayment records a PENDING payment against a reserve line. The amount
// must fit in the line's unpaid reserve less what other pending payments
// already hold.
func (e Engine) CreatePayment(ctx context.Context, opts CreatePaymentOptions, actor domain.Actor) (p domain.Payment, err error) {
	defer e.observe("payment.create", time.Now(), &err)
	if err := requireActor(actor); err != nil {
		return p, err
	}
	if !opts.Line.Valid() {
		return p, invalid(ErrInvalidLineType, "%q", opts.Line)
	}
	if !opts.Method.Valid() {
		return p, invalid(ErrInvalidMethod, "%q", opts.Method)
	}
	if strings.TrimSpace(opts.Payee) == "" {
		return p, &ValidationError{Err: ErrPayeeRequired}
	}
	unlock, err := e.lockClaim(ctx, opts.ClaimNumber)
	if err != nil {
		return p, err
	}
	defer unlock()
	sealedPayee, err := e.Gateway.Seal(payeeField, opts.Payee)
	if err != nil {
		return p, err
	}
	err = e.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		c, err := e.loadClaimTx(ctx, tx, opts.ClaimNumber, true)
		if err != nil {
			return err
		}
		p, err = e.insertPaymentTx(ctx, tx, c, opts, sealedPayee, actor)
		return err
	})
	if err != nil {
		return domain.Payment{}, err
	}
	return e.presentPayment(p), nil
}

// insertPaymentTx checks opts against the claim's reserves and allow-list and
// records the PENDING payment with its audit entry in tx.
func (e Engine) insertPaymentTx(ctx context.Context, tx *sql.Tx, c domain.Claim, opts CreatePaymentOptions, sealedPayee string, actor domain.Actor) (domain.Payment, error) {
	if err := checkAmount(opts.Amount, c.Currency, false); err != nil {
		return domain.Payment{}, err
	}
	if !c.AllowsMethod(opts.Method) {
		return domain.Payment{}, conflict(ErrPaymentMethodNotAllowed, map[string]any{
			"claim_number": c.Number, "loss_type": c.LossType, "method": opts.Method, "allowed_methods": c.AllowedMethods,
		}, "%s payments are not allowed on %s claims", opts.Method, c.LossType)
	}
	l, err := e.Repo.ReserveLineOrZeroTx(ctx, tx, c.Number, opts.Line, c.Currency)
	if err != nil {
		return domain.Payment{}, err
	}
	pending, err := e.Repo.PendingTotalTx(ctx, tx, c.Number, opts.Line, c.Currency)
	if err != nil {
		return domain.Payment{}, err
	}
	available := l.Unpaid().Sub(pending)
	if available.LessThan(opts.Amount) {
		return domain.Payment{}, conflict(ErrInsufficientUnpaidReserve, map[string]any{
			"claim_number": c.Number,
			"line_type":    opts.Line,
			"allocated":    l.Allocated.String(),
			"paid_to_date": l.PaidToDate.String(),
			"pending":      pending.String(),
			"available":    available.String(),
			"requested":    opts.Amount.String(),
		}, "%s has %s available, %s requested", opts.Line, available, opts.Amount)
	}
	now := e.now()
	p := domain.Payment{
		ID:              uuid.NewString(),
		ClaimNumber:     c.Number,
		Line:            opts.Line,
		Amount:          money.New(opts.Amount.Decimal(), c.Currency),
		Method:          opts.Method,
		Status:          domain.PaymentPending,
		Payee:           sealedPayee,
		Memo:            opts.Memo,
		CreatedBy:       actor.ID,
		CreatedAt:       now,
		VoidEligibleTil: now.Add(e.config().VoidWindow()),
	}
	if err := e.Repo.InsertPayment(ctx, tx, p); err != nil {
		return domain.Payment{}, fmt.Errorf("insert payment: %w", err)
	}
	err = e.appendAudit(ctx, tx, audit.Entry{
		Actor: actor, EntityType: domain.EntityPayment, EntityID: p.ID, Operation: domain.OpPay,
		After: e.paymentAudit(p, &l), Refs: []audit.Ref{reserveRef(c.Number, opts.Line)},
	})
	return p, err
}

// Settle disburses a PENDING payment through its rail and records it SETTLED,
// adding the amount to the line's paid-to-date in the same transaction.
// Settling an already SETTLED payment returns it unchanged.
//
// The payment is marked as disbursing before the rail is called and stays
// marked until the outcome is recorded, so a settle interrupted after the
// rail moved money cannot be voided as if it never left. Once the rail has
// confirmed, the ledger commit no longer follows the caller's cancellation.
func (e Engine) Settle(ctx context.Context, id string, actor domain.Actor) (p domain.Payment, err error) {
	defer e.observe("payment.settle", time.Now(), &err)
	if err := requireActor(actor); err != nil {
		return p, err
	}
	current, err := e.loadPayment(ctx, id)
	if err != nil {
		return p, err
	}
	unlock, err := e.lockClaim(ctx, current.ClaimNumber)
	if err != nil {
		return p, err
	}
	defer unlock()
	if current, err = e.loadPayment(ctx, id); err != nil {
		return p, err
	}
	switch current.Status {
	case domain.PaymentSettled:
		return e.presentPayment(current), nil
	case domain.PaymentPending:
	default:
		return p, conflict(ErrInvalidPaymentState, map[string]any{"payment_id": current.ID, "status": current.Status},
			"cannot settle a %s payment", current.Status)
	}
	marked := current.DisbursingSince == nil
	if marked {
		if current, err = e.markDisbursing(ctx, id); err != nil {
			return p, err
		}
	}
	conf, sent, err := e.disburse(ctx, current)
	if err != nil {
		// A marker left by an earlier attempt may cover money already moved;
		// only a definitive answer from the rail clears it.
		if errors.Is(err, ErrPaymentRejected) || (marked && !sent) {
			e.clearDisbursing(ctx, id)
		}
		return p, err
	}
	cctx, cancel := e.detached(ctx)
	defer cancel()
	err = e.withTx(cctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		p, err = e.Repo.GetPaymentTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if p.Status != domain.PaymentPending {
			return conflict(ErrInvalidPaymentState, map[string]any{"payment_id": p.ID, "status": p.Status}, "payment changed while settling")
		}
		l, err := e.Repo.GetReserveLineTx(ctx, tx, p.ClaimNumber, p.Line)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return e.invariant("paid-within-allocated", "payment %s settles against missing line %s/%s", p.ID, p.ClaimNumber, p.Line)
			}
			return err
		}
		beforeLine := l
		p.DisbursingSince = nil
		before := e.paymentAudit(p, &beforeLine)
		paid := l.PaidToDate.Add(p.Amount)
		if paid.GreaterThan(l.Allocated) {
			return e.invariant("paid-within-allocated", "settling %s would take %s/%s paid to %s, allocated %s",
				p.ID, p.ClaimNumber, p.Line, paid, l.Allocated)
		}
		now := e.now()
		l.PaidToDate = paid
		l.UpdatedAt = now
		p.Status = domain.PaymentSettled
		p.RailReference = conf.Reference
		p.SettledAt = &now
		if err := e.Repo.UpsertReserveLine(ctx, tx, l); err != nil {
			return err
		}
		if err := e.Repo.UpdatePaymentState(ctx, tx, p); err != nil {
			return err
		}
		return e.appendAudit(ctx, tx, audit.Entry{
			Actor: actor, EntityType: domain.EntityPayment, EntityID: p.ID, Operation: domain.OpUpdate,
			Reason: "settle", Before: before, After: e.paymentAudit(p, &l),
			Refs: []audit.Ref{reserveRef(p.ClaimNumber, p.Line)},
		})
	})
	if err != nil {
		if conf.Reference != "" {
			e.logf("WARNING: engine: payment %s disbursed as %s but not recorded: %v", id, conf.Reference, err)
		}
		return domain.Payment{}, err
	}
	return e.presentPayment(p), nil
}

// markDisbursing records that a rail call for the payment is about to start.
func (e Engine) markDisbursing(ctx context.Context, id string) (domain.Payment, error) {
	var p domain.Payment
	err := e.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		p, err = e.Repo.GetPaymentTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if p.Status != domain.PaymentPending {
			return conflict(ErrInvalidPaymentState, map[string]any{"payment_id": p.ID, "status": p.Status}, "payment changed while settling")
		}
		now := e.now()
		p.DisbursingSince = &now
		return e.Repo.UpdatePaymentState(ctx, tx, p)
	})
	return p, err
}

// clearDisbursing drops the marker after the rail answered that nothing moved.
func (e Engine) clearDisbursing(ctx context.Context, id string) {
	ctx, cancel := e.detached(ctx)
	defer cancel()
	err := e.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		p, err := e.Repo.GetPaymentTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if p.Status != domain.PaymentPending || p.DisbursingSince == nil {
			return nil
		}
		p.DisbursingSince = nil
		return e.Repo.UpdatePaymentState(ctx, tx, p)
	})
	if err != nil {
		e.logf("WARNING: engine: payment %s still marked as disbursing: %v", id, err)
	}
}

// disburse sends the payment to its rail through the rail's breaker. The
// payment id is the idempotency key, so a retried settle is not paid twice.
// sent is false when the rail was never called.
func (e Engine) disburse(ctx context.Context, p domain.Payment) (conf rail.Confirmation, sent bool, err error) {
	if e.Rails == nil {
		return conf, false, nil
	}
	rl, err := e.Rails.For(p.Method)
	if err != nil {
		return conf, false, err
	}
	payee, err := e.Gateway.Open(payeeField, p.Payee)
	if err != nil {
		return conf, false, err
	}
	in := rail.Instruction{
		IdempotencyKey: p.ID,
		ClaimNumber:    p.ClaimNumber,
		Method:         p.Method,
		Amount:         p.Amount,
		Payee:          payee,
		Memo:           p.Memo,
	}
	resource := rail.BreakerName(p.Method)
	err = e.execute(ctx, resource, func(ctx context.Context) error {
		sent = true
		var err error
		conf, err = rl.Disburse(ctx, in)
		return err
	})
	metrics.RailDisbursementsTotal.WithLabelValues(string(p.Method), Kind(err)).Inc()
	if err != nil {
		var rej *rail.RejectedError
		if errors.As(err, &rej) {
			return conf, sent, conflict(ErrPaymentRejected, map[string]any{"payment_id": p.ID, "method": p.Method, "code": rej.Code},
				"%s", rej.Message)
		}
		return conf, sent, e.degraded(resource, err)
	}
	return conf, sent, nil
}

// Void cancels a PENDING or SETTLED payment inside its void window. Voiding a
// SETTLED payment returns its amount to the line and records reason REVERSAL.
func (e Engine) Void(ctx context.Context, id, reason string, actor domain.Actor) (domain.Payment, error) {
	return e.void(ctx, id, reason, actor, false)
}

// Reverse voids a SETTLED payment. Any other status is refused.
func (e Engine) Reverse(ctx context.Context, id, reason string, actor domain.Actor) (domain.Payment, error) {
	return e.void(ctx, id, reason, actor, true)
}

func (e Engine) void(ctx context.Context, id, reason string, actor domain.Actor, settledOnly bool) (p domain.Payment, err error) {
	op := "payment.void"
	if settledOnly {
		op = "payment.reverse"
	}
	defer e.observe(op, time.Now(), &err)
	if err := requireActor(actor); err != nil {
		return p, err
	}
	current, err := e.loadPayment(ctx, id)
	if err != nil {
		return p, err
	}
	unlock, err := e.lockClaim(ctx, current.ClaimNumber)
	if err != nil {
		return p, err
	}
	defer unlock()
	err = e.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		p, err = e.Repo.GetPaymentTx(ctx, tx, id)
		if err != nil {
			return fmt.Errorf("payment %s: %w", id, err)
		}
		if _, err := e.loadClaimTx(ctx, tx, p.ClaimNumber, true); err != nil {
			return err
		}
		wasSettled := p.Status == domain.PaymentSettled
		switch {
		case settledOnly && !wasSettled:
			return conflict(ErrInvalidPaymentState, map[string]any{"payment_id": p.ID, "status": p.Status},
				"only SETTLED payments can be reversed, payment is %s", p.Status)
		case p.Status != domain.PaymentPending && !wasSettled:
			return conflict(ErrInvalidPaymentState, map[string]any{"payment_id": p.ID, "status": p.Status},
				"cannot void a %s payment", p.Status)
		case p.DisbursingSince != nil:
			return conflict(ErrDisbursementInFlight, map[string]any{
				"payment_id": p.ID, "status": p.Status, "disbursing_since": p.DisbursingSince,
			}, "the rail may have paid %s; settle it again to record the outcome", p.ID)
		}
		now := e.now()
		if now.After(p.VoidEligibleTil) {
			return conflict(ErrVoidWindowExpired, map[string]any{
				"payment_id": p.ID, "void_eligible_until": p.VoidEligibleTil, "now": now,
			}, "void window closed at %s", p.VoidEligibleTil.Format(time.RFC3339))
		}
		l, err := e.Repo.ReserveLineOrZeroTx(ctx, tx, p.ClaimNumber, p.Line, p.Amount.Currency())
		if err != nil {
			return err
		}
		before := e.paymentAudit(p, &l)
		p.Status = domain.PaymentVoided
		p.Reason = domain.ReasonVoid
		p.VoidedAt = &now
		if wasSettled {
			p.Reason = domain.ReasonReversal
			paid := l.PaidToDate.Sub(p.Amount)
			if paid.IsNegative() {
				return e.invariant("paid-non-negative", "reversing %s would take %s/%s paid to %s", p.ID, p.ClaimNumber, p.Line, paid)
			}
			l.PaidToDate = paid
			l.UpdatedAt = now
			if err := e.Repo.UpsertReserveLine(ctx, tx, l); err != nil {
				return err
			}
		}
		if err := e.Repo.UpdatePaymentState(ctx, tx, p); err != nil {
			return err
		}
		return e.appendAudit(ctx, tx, audit.Entry{
			Actor: actor, EntityType: domain.EntityPayment, EntityID: p.ID, Operation: domain.OpVoid,
			Reason: reason, Before: before, After: e.paymentAudit(p, &l),
			Refs: []audit.Ref{reserveRef(p.ClaimNumber, p.Line)},
		})
	})
	if err != nil {
		return domain.Payment{}, err
	}
	return e.presentPayment(p), nil
}

// Payment returns one payment with the payee masked.
func (e Engine) Payment(ctx context.Context, id string) (domain.Payment, error) {
	p, err := e.loadPayment(ctx, id)
	if err != nil {
		return p, err
	}
	return e.presentPayment(p), nil
}

// Payments lists a claim's payments in creation order.
func (e Engine) Payments(ctx context.Context, claimNumber string) ([]domain.Payment, error) {
	var out []domain.Payment
	err := e.read(ctx, func(ctx context.Context) error {
		var err error
		out, err = e.Repo.ListPayments(ctx, repo.PaymentFilters{ClaimNumber: claimNumber})
		return err
	})
	for i := range out {
		out[i] = e.presentPayment(out[i])
	}
	return out, err
}

func (e Engine) loadPayment(ctx context.Context, id string) (domain.Payment, error) {
	var p domain.Payment
	err := e.read(ctx, func(ctx context.Context) error {
		var err error
		p, err = e.Repo.GetPayment(ctx, id)
		return err
	})
	if err != nil {
		return p, fmt.Errorf("payment %s: %w", id, err)
	}
	return p, nil
}

func (e Engine) presentPayment(p domain.Payment) domain.Payment {
	p.Payee = e.maskValue(payeeField, p.Payee)
	return p
}

// paymentAudit is the masked payment snapshot, with its line when known.
func (e Engine) paymentAudit(p domain.Payment, l *domain.ReserveLine) map[string]any {
	out := map[string]any{
		"id":                  p.ID,
		"claim_number":        p.ClaimNumber,
		"line_type":           p.Line,
		"amount":              p.Amount.String(),
		"currency":            p.Amount.Currency(),
		"method":              p.Method,
		"status":              p.Status,
		"payee":               e.maskValue(payeeField, p.Payee),
		"void_eligible_until": p.VoidEligibleTil,
	}
	if p.Reason != "" {
		out["reason"] = p.Reason
	}
	if p.RailReference != "" {
		out["rail_reference"] = p.RailReference
	}
	if l != nil {
		out["line"] = lineAudit(*l)
	}
	return out
}
