// Package rail disburses settled payments to external payment networks.
package rail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"claimledger/internal/domain"
	"claimledger/internal/money"
)

// Instruction asks a rail to move money for one payment. IdempotencyKey is the
// payment id; a rail must return the original confirmation when it sees a key twice.
type Instruction struct {
	IdempotencyKey string               `json:"idempotency_key"`
	ClaimNumber    string               `json:"claim_number"`
	Method         domain.PaymentMethod `json:"method"`
	Amount         money.Amount         `json:"amount"`
	Payee          string               `json:"payee"`
	Memo           string               `json:"memo,omitempty"`
}

type Confirmation struct {
	Reference string    `json:"reference"`
	SettledAt time.Time `json:"settled_at"`
}

type Rail interface {
	Disburse(ctx context.Context, in Instruction) (Confirmation, error)
}

// ErrRejected marks a definitive refusal by the rail (bad account, limits).
// It is an answer, not an outage, and is neither retried nor counted by breakers.
var ErrRejected = errors.New("payment rejected by rail")

type RejectedError struct {
	Method  domain.PaymentMethod
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%s rail rejected payment: %s", e.Method, e.Message)
	}
	return fmt.Sprintf("%s rail rejected payment (%s): %s", e.Method, e.Code, e.Message)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

var ErrNoRail = errors.New("no rail configured for method")

// Router picks the rail for a payment method.
type Router map[domain.PaymentMethod]Rail

func (r Router) For(method domain.PaymentMethod) (Rail, error) {
	rl, ok := r[method]
	if !ok || rl == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoRail, method)
	}
	return rl, nil
}

// BreakerName is the resilience-boundary resource name for a method's rail.
func BreakerName(method domain.PaymentMethod) string {
	return "rail-" + string(method)
}
