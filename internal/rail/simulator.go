package rail

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"claimledger/internal/domain"
)

// Simulator confirms every instruction locally. Failures can be injected to
// exercise the breaker.
type Simulator struct {
	Method domain.PaymentMethod
	Now    func() time.Time

	mu        sync.Mutex
	confirmed map[string]Confirmation
	calls     int
	failNext  int
	failErr   error
	reject    map[string]string
}

func NewSimulator(method domain.PaymentMethod) *Simulator {
	return &Simulator{Method: method, Now: time.Now, confirmed: make(map[string]Confirmation)}
}

func (s *Simulator) Disburse(ctx context.Context, in Instruction) (Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return Confirmation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failNext > 0 {
		s.failNext--
		return Confirmation{}, s.failErr
	}
	if c, ok := s.confirmed[in.IdempotencyKey]; ok {
		return c, nil
	}
	if reason, ok := s.reject[in.Payee]; ok {
		return Confirmation{}, &RejectedError{Method: s.Method, Code: "payee_rejected", Message: reason}
	}
	key := strings.ReplaceAll(in.IdempotencyKey, "-", "")
	if len(key) > 12 {
		key = key[:12]
	}
	c := Confirmation{
		Reference: fmt.Sprintf("SIM-%s-%s", s.Method, strings.ToUpper(key)),
		SettledAt: s.Now().UTC(),
	}
	s.confirmed[in.IdempotencyKey] = c
	return c, nil
}

// FailNext makes the next n calls return err.
func (s *Simulator) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
	s.failErr = err
}

// RejectPayee makes every disbursement to payee a definitive rejection.
func (s *Simulator) RejectPayee(payee, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject == nil {
		s.reject = make(map[string]string)
	}
	s.reject[payee] = reason
}

// Calls reports how many disbursements were attempted.
func (s *Simulator) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
