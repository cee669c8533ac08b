package engine

import (
	"context"
	"database/sql"
	"time"

	"claimledger/internal/audit"
	"claimledger/internal/crypt"
	"claimledger/internal/domain"
)

// EffectivePolicyView is the policy as seen through a claim: the frozen
// snapshot with the claim's overrides applied. Designated fields are masked.
type EffectivePolicyView struct {
	ClaimNumber   string                     `json:"claim_number"`
	PolicyNumber  string                     `json:"policy_number"`
	PolicyVersion int                        `json:"policy_version"`
	Policy        domain.Policy              `json:"policy"`
	Overrides     map[string]domain.Override `json:"overrides"`
	// Sources maps every overridable field to "override" or "policy".
	Sources map[string]string `json:"sources"`
}

func (e Engine) overridable(field string) bool {
	if !domain.WritablePolicyField(field) {
		return false
	}
	for _, f := range e.config().Overrides.Fields {
		if f == field {
			return true
		}
	}
	return false
}

// ApplyOverride replaces one policy field for this claim only. The policy and
// the claim's snapshot are untouched.
func (e Engine) ApplyOverride(ctx context.Context, claimNumber, field, value string, actor domain.Actor) (v EffectivePolicyView, err error) {
	defer e.observe("override.apply", time.Now(), &err)
	if err := requireActor(actor); err != nil {
		return v, err
	}
	if !e.overridable(field) {
		return v, invalid(ErrInvalidOverrideField, "%q", field)
	}
	unlock, err := e.lockClaim(ctx, claimNumber)
	if err != nil {
		return v, err
	}
	defer unlock()
	var c domain.Claim
	err = e.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		c, err = e.loadClaimTx(ctx, tx, claimNumber, true)
		if err != nil {
			return err
		}
		previous, _ := c.Policy.Field(field)
		if ov, ok := c.Overrides[field]; ok {
			previous = ov.Value
		}
		sealed, err := e.Gateway.Seal(field, value)
		if err != nil {
			return err
		}
		now := e.now()
		c.Overrides[field] = domain.Override{Value: sealed, Previous: previous, ActorID: actor.ID, At: now}
		c.UpdatedAt = now
		if err := e.Repo.UpdateClaim(ctx, tx, c); err != nil {
			return err
		}
		return e.appendAudit(ctx, tx, audit.Entry{
			Actor: actor, EntityType: domain.EntityClaim, EntityID: c.Number, Operation: domain.OpOverride,
			Before: map[string]string{field: e.maskValue(field, previous)},
			After:  map[string]string{field: e.maskValue(field, sealed)},
		})
	})
	if err != nil {
		return EffectivePolicyView{}, err
	}
	return e.view(c)
}

// RevertOverride removes a claim override so the snapshot value shows through again.
func (e Engine) RevertOverride(ctx context.Context, claimNumber, field string, actor domain.Actor) (v EffectivePolicyView, err error) {
	defer e.observe("override.revert", time.Now(), &err)
	if err := requireActor(actor); err != nil {
		return v, err
	}
	unlock, err := e.lockClaim(ctx, claimNumber)
	if err != nil {
		return v, err
	}
	defer unlock()
	var c domain.Claim
	err = e.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		c, err = e.loadClaimTx(ctx, tx, claimNumber, true)
		if err != nil {
			return err
		}
		ov, ok := c.Overrides[field]
		if !ok {
			return conflict(ErrOverrideNotFound, map[string]any{"claim_number": c.Number, "field": field}, "%s", field)
		}
		delete(c.Overrides, field)
		c.UpdatedAt = e.now()
		if err := e.Repo.UpdateClaim(ctx, tx, c); err != nil {
			return err
		}
		restored, _ := c.Policy.Field(field)
		return e.appendAudit(ctx, tx, audit.Entry{
			Actor: actor, EntityType: domain.EntityClaim, EntityID: c.Number, Operation: domain.OpOverride, Reason: "revert",
			Before: map[string]string{field: e.maskValue(field, ov.Value)},
			After:  map[string]string{field: e.maskValue(field, restored)},
		})
	})
	if err != nil {
		return EffectivePolicyView{}, err
	}
	return e.view(c)
}

// EffectivePolicy returns the effective view of a claim's policy.
func (e Engine) EffectivePolicy(ctx context.Context, claimNumber string) (EffectivePolicyView, error) {
	var c domain.Claim
	err := e.read(ctx, func(ctx context.Context) error {
		var err error
		c, err = e.Repo.GetClaim(ctx, claimNumber)
		return err
	})
	if err != nil {
		return EffectivePolicyView{}, err
	}
	return e.view(c)
}

// effectivePolicy applies overrides over the snapshot and opens sealed fields.
func (e Engine) effectivePolicy(c domain.Claim) (domain.Policy, error) {
	p := c.Policy
	for field, ov := range c.Overrides {
		p.SetField(field, ov.Value)
	}
	return crypt.OpenPolicy(e.Gateway, p)
}

func (e Engine) view(c domain.Claim) (EffectivePolicyView, error) {
	p, err := e.effectivePolicy(c)
	if err != nil {
		return EffectivePolicyView{}, err
	}
	v := EffectivePolicyView{
		ClaimNumber:   c.Number,
		PolicyNumber:  c.PolicyNumber,
		PolicyVersion: c.PolicyVersion,
		Policy:        crypt.MaskPolicy(e.Gateway, p),
		Overrides:     map[string]domain.Override{},
		Sources:       map[string]string{},
	}
	for _, field := range domain.TextFields() {
		v.Sources[field] = "policy"
	}
	for field, ov := range c.Overrides {
		v.Overrides[field] = e.maskOverride(field, ov)
		v.Sources[field] = "override"
	}
	return v, nil
}
