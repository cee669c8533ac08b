package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"claimledger/internal/config"
	"claimledger/internal/crypt"
	"claimledger/internal/db"
	"claimledger/internal/domain"
	"claimledger/internal/engine"
	"claimledger/internal/migrate"
	"claimledger/internal/money"
	"claimledger/internal/rail"
	"claimledger/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	gw, err := crypt.New([]byte("0123456789abcdef0123456789abcdef"), cfg.Encryption.Fields)
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	store := repo.PolicyStore{DB: conn, Gateway: gw}
	e := engine.New(conn, cfg)
	e.Gateway = gw
	e.Policies = store
	e.Logger = log.New(io.Discard, "", 0)
	if _, err := store.UpsertPolicy(context.Background(), domain.Policy{
		Number:         "POL-1",
		Status:         domain.PolicyActive,
		ProductLine:    "homeowners",
		InsuredName:    "Pat Doe",
		ContactPhone:   "555-867-5309",
		Currency:       "USD",
		CoverageLimit:  money.MustParse("250000.00", "USD"),
		Deductible:     money.MustParse("1000.00", "USD"),
		EffectiveDate:  time.Now().AddDate(-1, 0, 0),
		ExpirationDate: time.Now().AddDate(1, 0, 0),
	}); err != nil {
		t.Fatalf("seed policy: %v", err)
	}
	handler, err := New(Config{
		Engine: e,
		Auth:   AuthConfig{JWTSecret: testSecret, Logger: e.Logger},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func bearer(t *testing.T, id, role string) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, domain.Actor{ID: id, Role: role}, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, string(data))
	}
	return env
}

func decode(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode: %v (%s)", err, string(data))
	}
}

func openClaimHTTP(t *testing.T, srv *testServer, headers map[string]string) domain.Claim {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/claims", map[string]any{
		"policy_number": "POL-1",
		"loss_type":     "property",
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("open claim status %d: %s", res.StatusCode, string(data))
	}
	var c domain.Claim
	decode(t, data, &c)
	return c
}

func allocateHTTP(t *testing.T, srv *testServer, claim, amount string, headers map[string]string) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/claims/"+claim+"/reserves", map[string]any{
		"line_type": "INDEMNITY",
		"amount":    amount,
	}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("allocate status %d: %s", res.StatusCode, string(data))
	}
}

func createPaymentHTTP(t *testing.T, srv *testServer, claim, amount string, headers map[string]string) domain.Payment {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/claims/"+claim+"/payments", map[string]any{
		"line_type": "INDEMNITY",
		"amount":    amount,
		"method":    "ACH",
		"payee":     "Pat Doe",
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create payment status %d: %s", res.StatusCode, string(data))
	}
	var p domain.Payment
	decode(t, data, &p)
	return p
}

func TestRequiresAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/claims", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "unauthorized" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/claims", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", res.StatusCode)
	}

	// the actor header is ignored unless enabled
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/claims", nil, map[string]string{"X-Actor-Id": "adjuster-1"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for header actor, got %d", res.StatusCode)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics should be served, got %d", res.StatusCode)
	}
}

func TestClaimToSettledPaymentFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	auth := bearer(t, "adjuster-1", "adjuster")

	c := openClaimHTTP(t, srv, auth)
	if c.Status != domain.ClaimOpen || c.PolicyNumber != "POL-1" {
		t.Fatalf("unexpected claim: %+v", c)
	}
	allocateHTTP(t, srv, c.Number, "1000.00", auth)
	p := createPaymentHTTP(t, srv, c.Number, "400.00", auth)
	if p.Status != domain.PaymentPending || p.Payee == "Pat Doe" {
		t.Fatalf("payment should be pending with a masked payee: %+v", p)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/payments/"+p.ID+"/settle", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("settle status %d: %s", res.StatusCode, string(data))
	}
	var settled domain.Payment
	decode(t, data, &settled)
	if settled.Status != domain.PaymentSettled || settled.RailReference == "" {
		t.Fatalf("unexpected settled payment: %+v", settled)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/claims/"+c.Number+"/reserves", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reserves status %d: %s", res.StatusCode, string(data))
	}
	var lines []domain.ReserveLine
	decode(t, data, &lines)
	if len(lines) != 1 || lines[0].PaidToDate.String() != "400.00" || lines[0].Allocated.String() != "1000.00" {
		t.Fatalf("unexpected reserve lines: %+v", lines)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/audit?entity_type=PAYMENT&entity_id="+p.ID, nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit status %d: %s", res.StatusCode, string(data))
	}
	var entries []domain.AuditEntry
	decode(t, data, &entries)
	if len(entries) != 2 || entries[0].Operation != domain.OpPay || entries[1].Operation != domain.OpUpdate {
		t.Fatalf("unexpected payment audit trail: %+v", entries)
	}
	if entries[0].ActorID != "adjuster-1" {
		t.Fatalf("audit actor = %q", entries[0].ActorID)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/audit?entity_type=PAYMENT&limit=1&entity_id="+p.ID, nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit page status %d: %s", res.StatusCode, string(data))
	}
	var page []domain.AuditEntry
	decode(t, data, &page)
	if len(page) != 1 || res.Header.Get("X-Total-Count") != "2" {
		t.Fatalf("audit page = %d entries, total %q", len(page), res.Header.Get("X-Total-Count"))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/audit/verify", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify status %d: %s", res.StatusCode, string(data))
	}
	var report struct {
		Entries int  `json:"entries"`
		Valid   bool `json:"valid"`
	}
	decode(t, data, &report)
	if !report.Valid || report.Entries < 4 {
		t.Fatalf("unexpected verify report: %+v", report)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/payments/"+p.ID+"/reverse", map[string]any{"reason": "duplicate"}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reverse status %d: %s", res.StatusCode, string(data))
	}
	var reversed domain.Payment
	decode(t, data, &reversed)
	if reversed.Status != domain.PaymentVoided || reversed.Reason != domain.ReasonReversal {
		t.Fatalf("unexpected reversed payment: %+v", reversed)
	}
}

func TestConflictCarriesState(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	auth := bearer(t, "adjuster-1", "adjuster")

	c := openClaimHTTP(t, srv, auth)
	allocateHTTP(t, srv, c.Number, "100.00", auth)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/claims/"+c.Number+"/payments", map[string]any{
		"line_type": "INDEMNITY",
		"amount":    "150.00",
		"method":    "ACH",
		"payee":     "Pat Doe",
	}, auth)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "insufficient_unpaid_reserve" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
	if len(env.Error.Details) == 0 {
		t.Fatalf("conflict should carry the offending state")
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/claims/"+c.Number+"/payments", map[string]any{
		"line_type": "INDEMNITY",
		"amount":    "50.00",
		"method":    "CARD",
		"payee":     "Pat Doe",
	}, auth)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for a disallowed method, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "payment_method_not_allowed" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
}

func TestValidationErrors(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	auth := bearer(t, "adjuster-1", "adjuster")
	c := openClaimHTTP(t, srv, auth)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		code   string
	}{
		{"bad amount", http.MethodPost, "/reserves", map[string]any{"line_type": "INDEMNITY", "amount": "lots"}, "invalid_amount"},
		{"too precise", http.MethodPost, "/reserves", map[string]any{"line_type": "INDEMNITY", "amount": "1.005"}, "invalid_amount"},
		{"identifier override", http.MethodPut, "/overrides/policy_number", map[string]any{"value": "POL-9"}, "invalid_override_field"},
		{"percent out of range", http.MethodPost, "/settlement/quote", map[string]any{"percent": "150", "interest_rate": "0"}, "invalid_settlement_percent"},
		{"negative rate", http.MethodPost, "/settlement/quote", map[string]any{"percent": "50", "interest_rate": "-0.1"}, "invalid_interest_rate"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, data := doJSON(t, srv.Client(), tc.method, srv.URL+"/v1/claims/"+c.Number+tc.path, tc.body, auth)
			if res.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
			}
			if env := decodeError(t, data); env.Error.Code != tc.code {
				t.Fatalf("expected code %q, got %q", tc.code, env.Error.Code)
			}
		})
	}
}

func TestNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	auth := bearer(t, "adjuster-1", "adjuster")

	for _, path := range []string{"/v1/claims/CLM-MISSING", "/v1/payments/missing"} {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+path, nil, auth)
		if res.StatusCode != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d: %s", path, res.StatusCode, string(data))
		}
		if env := decodeError(t, data); env.Error.Code != "not_found" {
			t.Fatalf("%s: unexpected code %q", path, env.Error.Code)
		}
	}
}

func TestDegradedRailReturnsRetryAfter(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	auth := bearer(t, "adjuster-1", "adjuster")
	srv.Engine.Config.Breakers.Resources = map[string]config.Breaker{"rail-ACH": {Threshold: 1, Recovery: time.Minute}}
	sim := rail.NewSimulator(domain.MethodACH)
	srv.Engine.Rails[domain.MethodACH] = sim

	c := openClaimHTTP(t, srv, auth)
	allocateHTTP(t, srv, c.Number, "1000.00", auth)
	p := createPaymentHTTP(t, srv, c.Number, "100.00", auth)

	sim.FailNext(100, errors.New("connection reset by peer"))
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/payments/"+p.ID+"/settle", nil, auth)
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", res.StatusCode, string(data))
	}

	calls := sim.Calls()
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/payments/"+p.ID+"/settle", nil, auth)
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while open, got %d: %s", res.StatusCode, string(data))
	}
	retry, err := strconv.Atoi(res.Header.Get("Retry-After"))
	if err != nil || retry < 1 || retry > 60 {
		t.Fatalf("unexpected Retry-After %q", res.Header.Get("Retry-After"))
	}
	env := decodeError(t, data)
	if env.Error.Code != "service_degraded" || env.Error.Details["resource"] != "rail-ACH" {
		t.Fatalf("unexpected envelope: %+v", env.Error)
	}
	if sim.Calls() != calls {
		t.Fatalf("rail called while the breaker is open")
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/breakers", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("breakers status %d: %s", res.StatusCode, string(data))
	}
	var breakers []BreakerResponse
	decode(t, data, &breakers)
	found := false
	for _, b := range breakers {
		if b.Name == "rail-ACH" {
			found = true
			if b.State != "OPEN" {
				t.Fatalf("rail-ACH state = %s", b.State)
			}
		}
	}
	if !found {
		t.Fatalf("rail-ACH missing from %+v", breakers)
	}

	// other work is unaffected
	allocateHTTP(t, srv, c.Number, "10.00", auth)
}

func TestBreakerResetRequiresOperator(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	adjuster := bearer(t, "adjuster-1", "adjuster")
	supervisor := bearer(t, "sup-1", "supervisor")

	// touch storage so its breaker exists
	openClaimHTTP(t, srv, adjuster)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/breakers/storage/reset", nil, adjuster)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/breakers/storage/reset", nil, supervisor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.StatusCode, string(data))
	}
	var b BreakerResponse
	decode(t, data, &b)
	if b.State != "CLOSED" {
		t.Fatalf("unexpected state after reset: %s", b.State)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/breakers/nope/reset", nil, supervisor)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown breaker, got %d", res.StatusCode)
	}
}

type hookRecorder struct {
	mu       sync.Mutex
	fail     bool
	requests []*http.Request
	bodies   [][]byte
}

func (h *hookRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		http.Error(w, "down", http.StatusInternalServerError)
		return
	}
	h.requests = append(h.requests, r)
	h.bodies = append(h.bodies, body)
}

func (h *hookRecorder) setFail(v bool) {
	h.mu.Lock()
	h.fail = v
	h.mu.Unlock()
}

func (h *hookRecorder) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.bodies)
}

func TestAuditFeedDeliversSignedEntries(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	e := srv.Engine
	actor := domain.Actor{ID: "adjuster-1", Role: "adjuster"}

	// entries written before the feed starts are not replayed
	c, err := e.OpenClaim(ctx, engine.OpenClaimOptions{PolicyNumber: "POL-1", LossType: "property"}, actor)
	if err != nil {
		t.Fatalf("open claim: %v", err)
	}

	rec := &hookRecorder{}
	hook := httptest.NewServer(rec)
	defer hook.Close()
	feed := &AuditFeed{
		Engine:   e,
		Webhooks: []config.Webhook{{URL: hook.URL, SecretEnv: "HOOK_SECRET", Entities: []string{"PAYMENT"}}},
		Getenv: func(k string) string {
			if k == "HOOK_SECRET" {
				return "hook-secret"
			}
			return ""
		},
		Logger: e.Logger,
	}
	feed.DispatchAll(ctx)
	if rec.count() != 0 {
		t.Fatalf("feed replayed %d existing entries", rec.count())
	}

	if _, err := e.Allocate(ctx, c.Number, domain.LineIndemnity, money.MustParse("500.00", "USD"), actor); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	pay := func() domain.Payment {
		p, err := e.CreatePayment(ctx, engine.CreatePaymentOptions{
			ClaimNumber: c.Number,
			Line:        domain.LineIndemnity,
			Amount:      money.MustParse("100.00", "USD"),
			Method:      domain.MethodACH,
			Payee:       "Pat Doe",
		}, actor)
		if err != nil {
			t.Fatalf("create payment: %v", err)
		}
		return p
	}
	p := pay()
	feed.DispatchAll(ctx)
	if rec.count() != 1 {
		t.Fatalf("expected one delivery, got %d", rec.count())
	}
	rec.mu.Lock()
	req, body := rec.requests[0], rec.bodies[0]
	rec.mu.Unlock()
	if !rail.VerifySignature("hook-secret", req.Header.Get("X-Claimledger-Timestamp"), body, req.Header.Get("X-Claimledger-Signature")) {
		t.Fatalf("signature does not verify")
	}
	var delivered struct {
		EntityType string          `json:"entity_type"`
		EntityID   string          `json:"entity_id"`
		Operation  string          `json:"operation"`
		After      json.RawMessage `json:"after"`
	}
	decode(t, body, &delivered)
	if delivered.EntityType != "PAYMENT" || delivered.EntityID != p.ID || delivered.Operation != "PAY" {
		t.Fatalf("unexpected delivery: %+v", delivered)
	}
	if bytes.Contains(delivered.After, []byte("Pat Doe")) {
		t.Fatalf("payee leaked into the feed: %s", delivered.After)
	}

	rec.setFail(true)
	pay()
	feed.DispatchAll(ctx)
	rec.setFail(false)
	feed.DispatchAll(ctx)
	if rec.count() != 2 {
		t.Fatalf("failed delivery should be retried, got %d deliveries", rec.count())
	}
}
