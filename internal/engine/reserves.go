package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"claimledger/internal/audit"
	"claimledger/internal/domain"
	"claimledger/internal/money"
)

// ReallocationResult holds both lines after a move.
type ReallocationResult struct {
	From domain.ReserveLine `json:"from"`
	To   domain.ReserveLine `json:"to"`
}

// Allocate adds amount to a claim's reserve line, creating the line on first use.
func (e Engine) Allocate(ctx context.Context, claimNumber string, line domain.LineType, amount money.Amount, actor domain.Actor) (l domain.ReserveLine, err error) {
	defer e.observe("reserve.allocate", time.Now(), &err)
	if err := requireActor(actor); err != nil {
		return l, err
	}
	if !line.Valid() {
		return l, invalid(ErrInvalidLineType, "%q", line)
	}
	unlock, err := e.lockClaim(ctx, claimNumber)
	if err != nil {
		return l, err
	}
	defer unlock()
	err = e.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		c, err := e.loadClaimTx(ctx, tx, claimNumber, true)
		if err != nil {
			return err
		}
		if err := checkAmount(amount, c.Currency, false); err != nil {
			return err
		}
		lines, err := e.Repo.ListReserveLinesTx(ctx, tx, c.Number)
		if err != nil {
			return err
		}
		total := allocatedTotal(lines, c.Currency)
		if c.ReserveCeiling != nil && total.Add(amount).GreaterThan(*c.ReserveCeiling) {
			return conflict(ErrReserveCeilingExceeded, map[string]any{
				"claim_number":    c.Number,
				"reserve_ceiling": c.ReserveCeiling.String(),
				"allocated_total": total.String(),
				"requested":       amount.String(),
			}, "allocating %s would bring the claim to %s, above %s", amount, total.Add(amount), c.ReserveCeiling)
		}
		l, err = e.Repo.ReserveLineOrZeroTx(ctx, tx, c.Number, line, c.Currency)
		if err != nil {
			return err
		}
		if err := checkLineCeiling(c, l, amount); err != nil {
			return err
		}
		before := lineAudit(l)
		l.Allocated = l.Allocated.Add(amount)
		l.UpdatedAt = e.now()
		if err := e.Repo.UpsertReserveLine(ctx, tx, l); err != nil {
			return err
		}
		after := lineAudit(l)
		return e.appendAudit(ctx, tx, audit.Entry{
			Actor: actor, EntityType: domain.EntityReserve, EntityID: c.Number, Operation: domain.OpAllocate,
			Before: map[string]any{"allocated_total": total.String(), "lines": []map[string]string{before}},
			After:  map[string]any{"allocated_total": total.Add(amount).String(), "lines": []map[string]string{after}},
			Refs:   []audit.Ref{reserveRef(c.Number, line)},
		})
	})
	if err != nil {
		return domain.ReserveLine{}, err
	}
	return l, nil
}

// Reallocate moves amount between two lines of one claim. The claim total is
// unchanged; only unpaid, uncommitted reserve can leave the source line.
func (e Engine) Reallocate(ctx context.Context, claimNumber string, from, to domain.LineType, amount money.Amount, actor domain.Actor) (res ReallocationResult, err error) {
	defer e.observe("reserve.reallocate", time.Now(), &err)
	if err := requireActor(actor); err != nil {
		return res, err
	}
	if !from.Valid() || !to.Valid() {
		return res, invalid(ErrInvalidLineType, "%q -> %q", from, to)
	}
	if from == to {
		return res, invalid(ErrInvalidLineType, "source and target are both %s", from)
	}
	unlock, err := e.lockClaim(ctx, claimNumber)
	if err != nil {
		return res, err
	}
	defer unlock()
	err = e.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		c, err := e.loadClaimTx(ctx, tx, claimNumber, true)
		if err != nil {
			return err
		}
		if err := checkAmount(amount, c.Currency, false); err != nil {
			return err
		}
		src, err := e.Repo.ReserveLineOrZeroTx(ctx, tx, c.Number, from, c.Currency)
		if err != nil {
			return err
		}
		pending, err := e.Repo.PendingTotalTx(ctx, tx, c.Number, from, c.Currency)
		if err != nil {
			return err
		}
		available := src.Unpaid().Sub(pending)
		if available.LessThan(amount) {
			return conflict(ErrInsufficientUnpaidReserve, map[string]any{
				"claim_number": c.Number,
				"line_type":    from,
				"allocated":    src.Allocated.String(),
				"paid_to_date": src.PaidToDate.String(),
				"pending":      pending.String(),
				"available":    available.String(),
				"requested":    amount.String(),
			}, "%s has %s available, %s requested", from, available, amount)
		}
		dst, err := e.Repo.ReserveLineOrZeroTx(ctx, tx, c.Number, to, c.Currency)
		if err != nil {
			return err
		}
		if err := checkLineCeiling(c, dst, amount); err != nil {
			return err
		}
		before := []map[string]string{lineAudit(src), lineAudit(dst)}
		now := e.now()
		src.Allocated = src.Allocated.Sub(amount)
		src.UpdatedAt = now
		dst.Allocated = dst.Allocated.Add(amount)
		dst.UpdatedAt = now
		if src.Allocated.LessThan(src.PaidToDate) {
			return e.invariant("paid-within-allocated", "%s on %s would have allocated %s below paid %s", c.Number, from, src.Allocated, src.PaidToDate)
		}
		if err := e.Repo.UpsertReserveLine(ctx, tx, src); err != nil {
			return err
		}
		if err := e.Repo.UpsertReserveLine(ctx, tx, dst); err != nil {
			return err
		}
		res = ReallocationResult{From: src, To: dst}
		return e.appendAudit(ctx, tx, audit.Entry{
			Actor: actor, EntityType: domain.EntityReserve, EntityID: c.Number, Operation: domain.OpAllocate,
			Reason: fmt.Sprintf("reallocate %s from %s to %s", amount, from, to),
			Before: map[string]any{"lines": before},
			After:  map[string]any{"lines": []map[string]string{lineAudit(src), lineAudit(dst)}},
			Refs:   []audit.Ref{reserveRef(c.Number, from), reserveRef(c.Number, to)},
		})
	})
	if err != nil {
		return ReallocationResult{}, err
	}
	return res, nil
}

// SetReserveCeiling replaces the claim ceiling and line sub-ceilings. Nil
// removes a ceiling. A ceiling below what is already allocated is refused.
func (e Engine) SetReserveCeiling(ctx context.Context, claimNumber string, ceiling *money.Amount, lineCeilings map[domain.LineType]money.Amount, actor domain.Actor) (c domain.Claim, err error) {
	defer e.observe("reserve.ceiling", time.Now(), &err)
	if err := requireActor(actor); err != nil {
		return c, err
	}
	unlock, err := e.lockClaim(ctx, claimNumber)
	if err != nil {
		return c, err
	}
	defer unlock()
	err = e.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		c, err = e.loadClaimTx(ctx, tx, claimNumber, true)
		if err != nil {
			return err
		}
		if ceiling != nil {
			if err := checkAmount(*ceiling, c.Currency, true); err != nil {
				return err
			}
		}
		for line, amt := range lineCeilings {
			if !line.Valid() {
				return invalid(ErrInvalidLineType, "%q", line)
			}
			if err := checkAmount(amt, c.Currency, true); err != nil {
				return err
			}
		}
		lines, err := e.Repo.ListReserveLinesTx(ctx, tx, c.Number)
		if err != nil {
			return err
		}
		total := allocatedTotal(lines, c.Currency)
		if ceiling != nil && total.GreaterThan(*ceiling) {
			return conflict(ErrReserveCeilingExceeded, map[string]any{
				"claim_number": c.Number, "allocated_total": total.String(), "reserve_ceiling": ceiling.String(),
			}, "%s already allocated", total)
		}
		for _, l := range lines {
			if lc, ok := lineCeilings[l.Type]; ok && l.Allocated.GreaterThan(lc) {
				return conflict(ErrReserveCeilingExceeded, map[string]any{
					"claim_number": c.Number, "line_type": l.Type, "allocated": l.Allocated.String(), "line_ceiling": lc.String(),
				}, "%s already has %s allocated", l.Type, l.Allocated)
			}
		}
		before := e.claimAudit(c)
		c.ReserveCeiling = ceiling
		c.LineCeilings = lineCeilings
		c.UpdatedAt = e.now()
		if err := e.Repo.UpdateClaim(ctx, tx, c); err != nil {
			return err
		}
		return e.appendAudit(ctx, tx, audit.Entry{
			Actor: actor, EntityType: domain.EntityClaim, EntityID: c.Number, Operation: domain.OpUpdate,
			Reason: "reserve ceiling", Before: before, After: e.claimAudit(c),
		})
	})
	if err != nil {
		return domain.Claim{}, err
	}
	return e.presentClaim(c), nil
}

// ReserveLines returns the claim's reserve lines.
func (e Engine) ReserveLines(ctx context.Context, claimNumber string) ([]domain.ReserveLine, error) {
	var out []domain.ReserveLine
	err := e.read(ctx, func(ctx context.Context) error {
		if _, err := e.Repo.GetClaim(ctx, claimNumber); err != nil {
			return fmt.Errorf("claim %s: %w", claimNumber, err)
		}
		var err error
		out, err = e.Repo.ListReserveLines(ctx, claimNumber)
		return err
	})
	return out, err
}

func checkLineCeiling(c domain.Claim, l domain.ReserveLine, amount money.Amount) error {
	lc, ok := c.LineCeilings[l.Type]
	if !ok {
		return nil
	}
	if l.Allocated.Add(amount).GreaterThan(lc) {
		return conflict(ErrReserveCeilingExceeded, map[string]any{
			"claim_number": c.Number,
			"line_type":    l.Type,
			"allocated":    l.Allocated.String(),
			"line_ceiling": lc.String(),
			"requested":    amount.String(),
		}, "%s would reach %s, above its ceiling %s", l.Type, l.Allocated.Add(amount), lc)
	}
	return nil
}

// reserveRef indexes an audit entry under one reserve line.
func reserveRef(claimNumber string, line domain.LineType) audit.Ref {
	return audit.Ref{EntityType: domain.EntityReserve, EntityID: domain.ReserveLineID(claimNumber, line)}
}

func allocatedTotal(lines []domain.ReserveLine, currency string) money.Amount {
	total := money.Zero(currency)
	for _, l := range lines {
		total = total.Add(l.Allocated)
	}
	return total
}

func lineAudit(l domain.ReserveLine) map[string]string {
	return map[string]string{
		"line_type":    string(l.Type),
		"allocated":    l.Allocated.String(),
		"paid_to_date": l.PaidToDate.String(),
		"currency":     l.Allocated.Currency(),
	}
}
