package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"claimledger/internal/audit"
	"claimledger/internal/config"
	"claimledger/internal/crypt"
	"claimledger/internal/domain"
	"claimledger/internal/money"
	"claimledger/internal/repo"
)

// OpenClaimOptions are parameters for opening a claim against a policy.
type OpenClaimOptions struct {
	PolicyNumber string
	LossType     string
	LossDate     time.Time
	Description  string
	// ReserveCeiling and LineCeilings override the loss type's configured ceilings.
	ReserveCeiling *money.Amount
	LineCeilings   map[domain.LineType]money.Amount
}

// NewClaimNumber returns a sortable claim number for t.
func NewClaimNumber(t time.Time) string {
	return "CLM-" + ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}

func (e Engine) getPolicy(ctx context.Context, number string) (domain.Policy, error) {
	if e.Policies == nil {
		return domain.Policy{}, fmt.Errorf("policy source not configured")
	}
	var p domain.Policy
	err := e.execute(ctx, PolicyResource, func(ctx context.Context) error {
		var err error
		p, err = e.Policies.GetPolicy(ctx, number)
		return err
	})
	if err != nil {
		return p, fmt.Errorf("policy %s: %w", number, e.degraded(PolicyResource, err))
	}
	return p, nil
}

// OpenClaim opens a claim with a frozen snapshot of the current policy.
func (e Engine) OpenClaim(ctx context.Context, opts OpenClaimOptions, actor domain.Actor) (c domain.Claim, err error) {
	defer e.observe("claim.open", time.Now(), &err)
	if err := requireActor(actor); err != nil {
		return c, err
	}
	if strings.TrimSpace(opts.PolicyNumber) == "" {
		return c, invalid(ErrRequiredField, "policy number")
	}
	policy, err := e.getPolicy(ctx, opts.PolicyNumber)
	if err != nil {
		return c, err
	}
	if policy.Status != domain.PolicyActive {
		return c, conflict(ErrPolicyNotActive, map[string]any{"policy_number": policy.Number, "status": policy.Status},
			"policy %s is %s", policy.Number, policy.Status)
	}
	cfg := e.config()
	lossType := strings.ToLower(strings.TrimSpace(opts.LossType))
	if lossType == "" {
		lossType = config.DefaultLossType
	}
	lt := cfg.LossType(lossType)
	currency := policy.Currency
	if currency == "" {
		currency = cfg.Ledger.Currency
	}
	now := e.now()
	c = domain.Claim{
		Number:        NewClaimNumber(now),
		PolicyNumber:  policy.Number,
		PolicyVersion: policy.Version,
		PolicyStatus:  policy.Status,
		LossType:      lossType,
		LossDate:      opts.LossDate.UTC(),
		Description:   opts.Description,
		Status:        domain.ClaimOpen,
		Currency:      currency,
		Overrides:     map[string]domain.Override{},
		OpenedAt:      now,
		UpdatedAt:     now,
	}
	if c.LossDate.IsZero() {
		c.LossDate = now
	}
	for _, m := range lt.Methods {
		c.AllowedMethods = append(c.AllowedMethods, domain.PaymentMethod(m))
	}
	if c.ReserveCeiling, c.LineCeilings, err = resolveCeilings(lt, currency, opts.ReserveCeiling, opts.LineCeilings); err != nil {
		return c, err
	}
	if c.Policy, err = crypt.SealPolicy(e.Gateway, policy); err != nil {
		return c, err
	}
	err = e.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := e.Repo.InsertClaim(ctx, tx, c); err != nil {
			return fmt.Errorf("insert claim: %w", err)
		}
		return e.appendAudit(ctx, tx, audit.Entry{
			Actor:      actor,
			EntityType: domain.EntityClaim,
			EntityID:   c.Number,
			Operation:  domain.OpCreate,
			After:      e.claimAudit(c),
		})
	})
	if err != nil {
		return domain.Claim{}, err
	}
	return e.presentClaim(c), nil
}

func resolveCeilings(lt config.LossType, currency string, ceiling *money.Amount, lines map[domain.LineType]money.Amount) (*money.Amount, map[domain.LineType]money.Amount, error) {
	if ceiling == nil && lt.Ceiling != "" {
		amt, err := money.Parse(lt.Ceiling, currency)
		if err != nil {
			return nil, nil, invalid(ErrInvalidAmount, "configured ceiling: %v", err)
		}
		ceiling = &amt
	}
	if ceiling != nil {
		if err := checkAmount(*ceiling, currency, true); err != nil {
			return nil, nil, err
		}
	}
	if lines == nil && len(lt.LineCeilings) > 0 {
		lines = map[domain.LineType]money.Amount{}
		for line, v := range lt.LineCeilings {
			amt, err := money.Parse(v, currency)
			if err != nil {
				return nil, nil, invalid(ErrInvalidAmount, "configured %s ceiling: %v", line, err)
			}
			lines[domain.LineType(line)] = amt
		}
	}
	for line, amt := range lines {
		if !line.Valid() {
			return nil, nil, invalid(ErrInvalidLineType, "%s", line)
		}
		if err := checkAmount(amt, currency, true); err != nil {
			return nil, nil, err
		}
	}
	return ceiling, lines, nil
}

// checkAmount validates currency, sign and minor-unit precision.
func checkAmount(a money.Amount, currency string, allowZero bool) error {
	if a.Currency() != "" && a.Currency() != strings.ToUpper(currency) {
		return invalid(ErrCurrencyMismatch, "%s amount on a %s claim", a.Currency(), currency)
	}
	if a.IsNegative() || (!allowZero && a.IsZero()) {
		return invalid(ErrInvalidAmount, "amount must be positive, got %s", a)
	}
	if !a.Round().Decimal().Equal(a.Decimal()) {
		return invalid(ErrInvalidAmount, "amount %s has more digits than %s allows", a.Decimal(), currency)
	}
	return nil
}

// GetClaim returns a claim with designated values masked.
func (e Engine) GetClaim(ctx context.Context, number string) (domain.Claim, error) {
	var c domain.Claim
	err := e.read(ctx, func(ctx context.Context) error {
		var err error
		c, err = e.Repo.GetClaim(ctx, number)
		return err
	})
	if err != nil {
		return c, fmt.Errorf("claim %s: %w", number, err)
	}
	return e.presentClaim(c), nil
}

func (e Engine) ListClaims(ctx context.Context, f repo.ClaimFilters) ([]domain.Claim, error) {
	var out []domain.Claim
	err := e.read(ctx, func(ctx context.Context) error {
		var err error
		out, err = e.Repo.ListClaims(ctx, f)
		return err
	})
	for i := range out {
		out[i] = e.presentClaim(out[i])
	}
	return out, err
}

// loadClaimTx reads a claim inside tx and rejects terminal claims when mutable is set.
func (e Engine) loadClaimTx(ctx context.Context, tx *sql.Tx, number string, mutable bool) (domain.Claim, error) {
	c, err := e.Repo.GetClaimTx(ctx, tx, number)
	if err != nil {
		return c, fmt.Errorf("claim %s: %w", number, err)
	}
	if mutable && c.Status.Terminal() {
		return c, conflict(ErrClaimTerminalState, map[string]any{"claim_number": c.Number, "status": c.Status},
			"claim %s is %s", c.Number, c.Status)
	}
	return c, nil
}

var claimTransitions = map[domain.ClaimStatus][]domain.ClaimStatus{
	domain.ClaimOpen:    {domain.ClaimPayable, domain.ClaimClosed, domain.ClaimDenied},
	domain.ClaimPayable: {domain.ClaimClosed, domain.ClaimDenied},
}

// SetClaimStatus moves a claim along OPEN -> PAYABLE -> CLOSED, or to DENIED.
// A claim with pending payments cannot be closed or denied.
func (e Engine) SetClaimStatus(ctx context.Context, number string, status domain.ClaimStatus, reason string, actor domain.Actor) (c domain.Claim, err error) {
	defer e.observe("claim.status", time.Now(), &err)
	if err := requireActor(actor); err != nil {
		return c, err
	}
	if _, ok := map[domain.ClaimStatus]bool{domain.ClaimOpen: true, domain.ClaimPayable: true, domain.ClaimClosed: true, domain.ClaimDenied: true}[status]; !ok {
		return c, invalid(ErrInvalidStatus, "%q", status)
	}
	unlock, err := e.lockClaim(ctx, number)
	if err != nil {
		return c, err
	}
	defer unlock()
	err = e.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		c, err = e.loadClaimTx(ctx, tx, number, true)
		if err != nil {
			return err
		}
		allowed := false
		for _, next := range claimTransitions[c.Status] {
			if next == status {
				allowed = true
			}
		}
		if !allowed {
			return conflict(ErrInvalidStatusTransition, map[string]any{"claim_number": c.Number, "status": c.Status, "requested": status},
				"%s -> %s", c.Status, status)
		}
		if status.Terminal() {
			pending, err := e.Repo.CountPendingTx(ctx, tx, c.Number)
			if err != nil {
				return err
			}
			if pending > 0 {
				return conflict(ErrPendingPaymentsExist, map[string]any{"claim_number": c.Number, "pending_payments": pending},
					"%d pending payments must be settled or voided first", pending)
			}
		}
		before := e.claimAudit(c)
		now := e.now()
		c.Status = status
		c.UpdatedAt = now
		if status.Terminal() {
			c.ClosedAt = &now
		}
		if err := e.Repo.UpdateClaim(ctx, tx, c); err != nil {
			return err
		}
		return e.appendAudit(ctx, tx, audit.Entry{
			Actor: actor, EntityType: domain.EntityClaim, EntityID: c.Number, Operation: domain.OpUpdate,
			Reason: reason, Before: before, After: e.claimAudit(c),
		})
	})
	if err != nil {
		return domain.Claim{}, err
	}
	return e.presentClaim(c), nil
}

// ResyncPolicy refreshes the claim's policy snapshot from the policy source.
// Overrides are kept and continue to take precedence.
func (e Engine) ResyncPolicy(ctx context.Context, number string, actor domain.Actor) (c domain.Claim, err error) {
	defer e.observe("claim.resync", time.Now(), &err)
	if err := requireActor(actor); err != nil {
		return c, err
	}
	unlock, err := e.lockClaim(ctx, number)
	if err != nil {
		return c, err
	}
	defer unlock()
	var current domain.Claim
	err = e.read(ctx, func(ctx context.Context) error {
		var err error
		current, err = e.Repo.GetClaim(ctx, number)
		return err
	})
	if err != nil {
		return c, fmt.Errorf("claim %s: %w", number, err)
	}
	policy, err := e.getPolicy(ctx, current.PolicyNumber)
	if err != nil {
		return c, err
	}
	sealed, err := crypt.SealPolicy(e.Gateway, policy)
	if err != nil {
		return c, err
	}
	err = e.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		c, err = e.loadClaimTx(ctx, tx, number, true)
		if err != nil {
			return err
		}
		before := e.claimAudit(c)
		c.Policy = sealed
		c.PolicyVersion = policy.Version
		c.PolicyStatus = policy.Status
		c.UpdatedAt = e.now()
		if err := e.Repo.UpdateClaim(ctx, tx, c); err != nil {
			return err
		}
		return e.appendAudit(ctx, tx, audit.Entry{
			Actor: actor, EntityType: domain.EntityClaim, EntityID: c.Number, Operation: domain.OpUpdate,
			Reason: "policy resync", Before: before, After: e.claimAudit(c),
		})
	})
	if err != nil {
		return domain.Claim{}, err
	}
	return e.presentClaim(c), nil
}

// presentClaim masks designated override values for callers.
func (e Engine) presentClaim(c domain.Claim) domain.Claim {
	out := c
	out.Overrides = make(map[string]domain.Override, len(c.Overrides))
	for field, ov := range c.Overrides {
		out.Overrides[field] = e.maskOverride(field, ov)
	}
	out.Policy = crypt.MaskPolicy(e.Gateway, e.openOrKeep(c.Policy))
	return out
}

func (e Engine) openOrKeep(p domain.Policy) domain.Policy {
	opened, err := crypt.OpenPolicy(e.Gateway, p)
	if err != nil {
		return p
	}
	return opened
}

func (e Engine) maskValue(field, stored string) string {
	v, err := e.Gateway.Open(field, stored)
	if err != nil {
		return crypt.MaskTail(stored, 4)
	}
	return e.Gateway.Mask(field, v)
}

func (e Engine) maskOverride(field string, ov domain.Override) domain.Override {
	ov.Value = e.maskValue(field, ov.Value)
	ov.Previous = e.maskValue(field, ov.Previous)
	return ov
}

// claimAudit is the masked claim snapshot written to the audit ledger.
func (e Engine) claimAudit(c domain.Claim) map[string]any {
	overrides := map[string]string{}
	for field, ov := range c.Overrides {
		overrides[field] = e.maskValue(field, ov.Value)
	}
	out := map[string]any{
		"claim_number":   c.Number,
		"policy_number":  c.PolicyNumber,
		"policy_version": c.PolicyVersion,
		"policy_status":  c.PolicyStatus,
		"loss_type":      c.LossType,
		"status":         c.Status,
		"currency":       c.Currency,
		"overrides":      overrides,
		"methods":        c.AllowedMethods,
	}
	if c.ReserveCeiling != nil {
		out["reserve_ceiling"] = c.ReserveCeiling.String()
	}
	if len(c.LineCeilings) > 0 {
		lc := map[string]string{}
		for line, amt := range c.LineCeilings {
			lc[string(line)] = amt.String()
		}
		out["line_ceilings"] = lc
	}
	return out
}
