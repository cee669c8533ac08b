package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"claimledger/internal/breaker"
	"claimledger/internal/rail"
	"claimledger/internal/repo"
	"claimledger/internal/settlement"
)

// Validation errors: the request itself is malformed. Never retried.
var (
	ErrInvalidOverrideField     = errors.New("field cannot be overridden")
	ErrInvalidSettlementPercent = settlement.ErrInvalidSettlementPercent
	ErrInvalidInterestRate      = settlement.ErrInvalidInterestRate
	ErrInvalidSettlementDate    = settlement.ErrInvalidSettlementDate
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrInvalidLineType          = errors.New("invalid reserve line type")
	ErrInvalidMethod            = errors.New("invalid payment method")
	ErrCurrencyMismatch         = errors.New("currency does not match claim")
	ErrActorRequired            = errors.New("actor is required")
	ErrPayeeRequired            = errors.New("payee is required")
	ErrInvalidStatus            = errors.New("invalid claim status")
	ErrRequiredField            = errors.New("required field missing")
)

// State-conflict errors: the request is well formed but the current state
// refuses it. The caller may retry with different inputs.
var (
	ErrClaimTerminalState        = errors.New("claim is closed or denied")
	ErrVoidWindowExpired         = errors.New("void window expired")
	ErrReserveCeilingExceeded    = errors.New("reserve ceiling exceeded")
	ErrInsufficientUnpaidReserve = errors.New("insufficient unpaid reserve")
	ErrPaymentMethodNotAllowed   = errors.New("payment method not allowed for claim")
	ErrInvalidPaymentState       = errors.New("invalid payment state")
	ErrPolicyNotActive           = errors.New("policy is not active")
	ErrPendingPaymentsExist      = errors.New("claim has pending payments")
	ErrOverrideNotFound          = errors.New("override not found")
	ErrInvalidStatusTransition   = errors.New("invalid claim status transition")
	ErrPaymentRejected           = errors.New("payment rejected by rail")
	ErrDisbursementInFlight      = errors.New("disbursement outcome not recorded")
)

var (
	ErrServiceDegraded    = errors.New("service degraded")
	ErrInvariantViolation = errors.New("ledger invariant violation")
	ErrNoBreakers         = errors.New("engine has no breaker registry")
)

type ValidationError struct {
	Err     error
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ConflictError carries the state that caused the rejection.
type ConflictError struct {
	Err     error
	Message string
	State   map[string]any
}

func (e *ConflictError) Error() string {
	if e.Message == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err, e.Message)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// DegradedError reports that a protected resource is failing or its breaker is open.
type DegradedError struct {
	Resource   string
	RetryAfter time.Duration
	Err        error
}

func (e *DegradedError) Error() string {
	return fmt.Sprintf("%s degraded: %v", e.Resource, e.Err)
}

func (e *DegradedError) Unwrap() []error { return []error{ErrServiceDegraded, e.Err} }

// InvariantError aborts the transaction it was raised in. It indicates a bug.
type InvariantError struct {
	Invariant string
	Detail    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant %s violated: %s", e.Invariant, e.Detail)
}

func (e *InvariantError) Unwrap() error { return ErrInvariantViolation }

func invalid(sentinel error, format string, args ...any) error {
	return &ValidationError{Err: sentinel, Message: fmt.Sprintf(format, args...)}
}

func conflict(sentinel error, state map[string]any, format string, args ...any) error {
	return &ConflictError{Err: sentinel, Message: fmt.Sprintf(format, args...), State: state}
}

// IsResourceFailure reports whether err should count against a breaker.
// Domain rejections, missing rows and caller cancellation do not.
func IsResourceFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var ve *ValidationError
	var ce *ConflictError
	var ie *InvariantError
	switch {
	case errors.As(err, &ve), errors.As(err, &ce), errors.As(err, &ie):
		return false
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, rail.ErrRejected), errors.Is(err, rail.ErrNoRail), errors.Is(err, ErrNoBreakers):
		return false
	case errors.Is(err, settlement.ErrInvalidSettlementPercent), errors.Is(err, settlement.ErrInvalidInterestRate), errors.Is(err, settlement.ErrInvalidSettlementDate):
		return false
	}
	return true
}

// Kind classifies err for metrics and transport mapping.
func Kind(err error) string {
	var ve *ValidationError
	var ce *ConflictError
	var de *DegradedError
	var ie *InvariantError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &ce):
		return "conflict"
	case errors.As(err, &ie):
		return "invariant"
	case errors.As(err, &de), errors.Is(err, breaker.ErrCircuitOpen):
		return "degraded"
	case errors.Is(err, repo.ErrNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "error"
}
