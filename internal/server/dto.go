package server

import (
	"time"

	"claimledger/internal/breaker"
	"claimledger/internal/domain"
	"claimledger/internal/settlement"
)

// Request payloads. Amounts are decimal strings in the claim's currency.

type OpenClaimRequest struct {
	PolicyNumber   string            `json:"policy_number"`
	LossType       string            `json:"loss_type,omitempty" example:"property"`
	LossDate       *time.Time        `json:"loss_date,omitempty"`
	Description    string            `json:"description,omitempty"`
	ReserveCeiling *string           `json:"reserve_ceiling,omitempty" example:"250000.00"`
	LineCeilings   map[string]string `json:"line_ceilings,omitempty"`
}

type ClaimStatusRequest struct {
	Status string `json:"status" enum:"OPEN,PAYABLE,CLOSED,DENIED"`
	Reason string `json:"reason,omitempty"`
}

type OverrideRequest struct {
	Value string `json:"value"`
}

type AllocateRequest struct {
	LineType string `json:"line_type" enum:"INDEMNITY,EXPENSE,MEDICAL,SUBROGATION_RECOVERY"`
	Amount   string `json:"amount" example:"1000.00"`
}

type ReallocateRequest struct {
	From   string `json:"from" enum:"INDEMNITY,EXPENSE,MEDICAL,SUBROGATION_RECOVERY"`
	To     string `json:"to" enum:"INDEMNITY,EXPENSE,MEDICAL,SUBROGATION_RECOVERY"`
	Amount string `json:"amount" example:"250.00"`
}

type CeilingRequest struct {
	ReserveCeiling *string           `json:"reserve_ceiling,omitempty"`
	LineCeilings   map[string]string `json:"line_ceilings,omitempty"`
}

type CreatePaymentRequest struct {
	LineType string `json:"line_type" enum:"INDEMNITY,EXPENSE,MEDICAL,SUBROGATION_RECOVERY"`
	Amount   string `json:"amount" example:"400.00"`
	Method   string `json:"method" enum:"CHECK,ACH,WIRE,CARD"`
	Payee    string `json:"payee"`
	Memo     string `json:"memo,omitempty"`
}

type VoidRequest struct {
	Reason string `json:"reason,omitempty"`
}

type SettlementRequest struct {
	Percent      string     `json:"percent" example:"50"`
	InterestRate string     `json:"interest_rate,omitempty" example:"0.05"`
	AsOf         *time.Time `json:"as_of,omitempty"`
}

type PaySettlementRequest struct {
	SettlementRequest
	Method string `json:"method" enum:"CHECK,ACH,WIRE,CARD"`
	Payee  string `json:"payee"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role,omitempty"`
}

// Response payloads

type SettlementPaymentResponse struct {
	Payments   []domain.Payment  `json:"payments,omitempty"`
	Settlement settlement.Result `json:"settlement"`
}

type BreakerResponse struct {
	Name        string     `json:"name"`
	State       string     `json:"state" enum:"CLOSED,OPEN,HALF_OPEN"`
	Failures    int        `json:"recent_failures"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
	OpenedAt    *time.Time `json:"opened_at,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role,omitempty"`
	Source  string `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func breakerResponse(s breaker.Snapshot) BreakerResponse {
	return BreakerResponse{
		Name:        s.Name,
		State:       string(s.State),
		Failures:    s.Failures,
		LastFailure: s.LastFailure,
		OpenedAt:    s.OpenedAt,
	}
}

func mapBreakers(items []breaker.Snapshot) []BreakerResponse {
	out := make([]BreakerResponse, 0, len(items))
	for _, s := range items {
		out = append(out, breakerResponse(s))
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
