package rail

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"claimledger/internal/domain"
	"claimledger/internal/money"
)

func instruction(id string) Instruction {
	return Instruction{
		IdempotencyKey: id,
		ClaimNumber:    "CLM-1",
		Method:         domain.MethodACH,
		Amount:         money.MustParse("125.50", "USD"),
		Payee:          "Jordan Doe",
	}
}

func TestSimulatorIsIdempotent(t *testing.T) {
	sim := NewSimulator(domain.MethodACH)
	first, err := sim.Disburse(context.Background(), instruction("3f1e-44aa-9b2c-0011"))
	if err != nil {
		t.Fatalf("disburse: %v", err)
	}
	again, err := sim.Disburse(context.Background(), instruction("3f1e-44aa-9b2c-0011"))
	if err != nil {
		t.Fatalf("disburse again: %v", err)
	}
	if first != again || first.Reference != "SIM-ACH-3F1E44AA9B2C" {
		t.Fatalf("expected same confirmation, got %+v and %+v", first, again)
	}
}

func TestSimulatorInjection(t *testing.T) {
	sim := NewSimulator(domain.MethodWire)
	outage := errors.New("network unreachable")
	sim.FailNext(2, outage)
	for i := 0; i < 2; i++ {
		if _, err := sim.Disburse(context.Background(), instruction("p1")); !errors.Is(err, outage) {
			t.Fatalf("call %d: expected injected failure, got %v", i, err)
		}
	}
	if _, err := sim.Disburse(context.Background(), instruction("p1")); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	sim.RejectPayee("Jordan Doe", "account closed")
	_, err := sim.Disburse(context.Background(), instruction("p2"))
	var rej *RejectedError
	if !errors.As(err, &rej) || !errors.Is(err, ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if _, err := sim.Disburse(context.Background(), instruction("p1")); err != nil {
		t.Fatalf("a confirmed key keeps its confirmation, got %v", err)
	}
	if sim.Calls() != 5 {
		t.Fatalf("expected 5 calls, got %d", sim.Calls())
	}
}

func TestHTTPRailSignsAndConfirms(t *testing.T) {
	const secret = "shh"
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !VerifySignature(secret, r.Header.Get(HeaderTimestamp), body, r.Header.Get(HeaderSignature)) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		gotKey = r.Header.Get(HeaderIdempotency)
		var in Instruction
		if err := json.Unmarshal(body, &in); err != nil || in.Amount.String() != "125.50" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"reference": "ACH-778", "settled_at": "2024-05-01T10:00:00Z"})
	}))
	defer srv.Close()

	h := NewHTTP(domain.MethodACH, srv.URL, secret, time.Second)
	conf, err := h.Disburse(context.Background(), instruction("pay-1"))
	if err != nil {
		t.Fatalf("disburse: %v", err)
	}
	if conf.Reference != "ACH-778" || gotKey != "pay-1" {
		t.Fatalf("unexpected confirmation %+v key %q", conf, gotKey)
	}
}

func TestHTTPRailClassifiesResponses(t *testing.T) {
	status := http.StatusUnprocessableEntity
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "R03", "message": "no account"})
	}))
	defer srv.Close()
	h := NewHTTP(domain.MethodACH, srv.URL, "", time.Second)

	_, err := h.Disburse(context.Background(), instruction("pay-2"))
	var rej *RejectedError
	if !errors.As(err, &rej) || rej.Code != "R03" {
		t.Fatalf("expected rejection R03, got %v", err)
	}

	status = http.StatusBadGateway
	_, err = h.Disburse(context.Background(), instruction("pay-2"))
	if err == nil || errors.Is(err, ErrRejected) {
		t.Fatalf("expected an outage error, got %v", err)
	}
}

func TestRouter(t *testing.T) {
	r := Router{domain.MethodCheck: NewSimulator(domain.MethodCheck)}
	if _, err := r.For(domain.MethodCheck); err != nil {
		t.Fatalf("check rail: %v", err)
	}
	if _, err := r.For(domain.MethodCard); !errors.Is(err, ErrNoRail) {
		t.Fatalf("expected missing rail, got %v", err)
	}
	if BreakerName(domain.MethodCard) != "rail-CARD" {
		t.Fatalf("unexpected breaker name")
	}
}
