package claimledgersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal claims ledger HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v1",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Amount is a decimal string in a currency.
type Amount struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// Claim represents the API claim model (partial).
type Claim struct {
	Number         string    `json:"claim_number"`
	PolicyNumber   string    `json:"policy_number"`
	PolicyVersion  int       `json:"policy_version"`
	LossType       string    `json:"loss_type"`
	Status         string    `json:"status"`
	Currency       string    `json:"currency"`
	AllowedMethods []string  `json:"allowed_methods"`
	OpenedAt       time.Time `json:"opened_at"`
}

// ReserveLine is one reserve bucket of a claim.
type ReserveLine struct {
	ClaimNumber string `json:"claim_number"`
	Type        string `json:"line_type"`
	Allocated   Amount `json:"allocated"`
	PaidToDate  Amount `json:"paid_to_date"`
}

// Payment represents a disbursement against a reserve line.
type Payment struct {
	ID                string     `json:"id"`
	ClaimNumber       string     `json:"claim_number"`
	Line              string     `json:"line_type"`
	Amount            Amount     `json:"amount"`
	Method            string     `json:"method"`
	Status            string     `json:"status"`
	Reason            string     `json:"reason,omitempty"`
	Payee             string     `json:"payee,omitempty"`
	RailReference     string     `json:"rail_reference,omitempty"`
	VoidEligibleUntil time.Time  `json:"void_eligible_until"`
	SettledAt         *time.Time `json:"settled_at,omitempty"`
	DisbursingSince   *time.Time `json:"disbursing_since,omitempty"`
}

// Settlement is a computed settlement.
type Settlement struct {
	Currency  string `json:"currency"`
	Base      Amount `json:"indemnity_reserve"`
	Percent   string `json:"percent"`
	Rate      string `json:"interest_rate"`
	Days      int    `json:"days"`
	Principal Amount `json:"principal"`
	Interest  Amount `json:"interest"`
	Total     Amount `json:"total"`
}

// AuditEntry is one hash-chained ledger entry.
type AuditEntry struct {
	Seq        int64     `json:"seq"`
	ActorID    string    `json:"actor_id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Operation  string    `json:"operation"`
	Reason     string    `json:"reason,omitempty"`
	Refs       []string  `json:"refs,omitempty"`
	TS         time.Time `json:"ts"`
	Hash       string    `json:"hash"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	// RetryAfter is set on 503 responses from a degraded resource.
	RetryAfter time.Duration
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// OpenClaim opens a claim against a policy.
func (c *Client) OpenClaim(ctx context.Context, policyNumber, lossType string) (Claim, error) {
	body := map[string]any{
		"policy_number": policyNumber,
		"loss_type":     lossType,
	}
	var resp Claim
	err := c.do(ctx, http.MethodPost, "claims", body, &resp)
	return resp, err
}

// Claim fetches a claim.
func (c *Client) Claim(ctx context.Context, number string) (Claim, error) {
	var resp Claim
	err := c.do(ctx, http.MethodGet, "claims/"+url.PathEscape(number), nil, &resp)
	return resp, err
}

// SetClaimStatus moves a claim to another status.
func (c *Client) SetClaimStatus(ctx context.Context, number, status, reason string) (Claim, error) {
	body := map[string]any{"status": status, "reason": reason}
	var resp Claim
	err := c.do(ctx, http.MethodPost, "claims/"+url.PathEscape(number)+"/status", body, &resp)
	return resp, err
}

// Override replaces a policy field for one claim.
func (c *Client) Override(ctx context.Context, number, field, value string) error {
	endpoint := fmt.Sprintf("claims/%s/overrides/%s", url.PathEscape(number), url.PathEscape(field))
	return c.do(ctx, http.MethodPut, endpoint, map[string]any{"value": value}, nil)
}

// Allocate adds amount to a reserve line.
func (c *Client) Allocate(ctx context.Context, number, line, amount string) (ReserveLine, error) {
	body := map[string]any{"line_type": line, "amount": amount}
	var resp ReserveLine
	err := c.do(ctx, http.MethodPost, "claims/"+url.PathEscape(number)+"/reserves", body, &resp)
	return resp, err
}

// Reserves lists the reserve lines of a claim.
func (c *Client) Reserves(ctx context.Context, number string) ([]ReserveLine, error) {
	var resp []ReserveLine
	err := c.do(ctx, http.MethodGet, "claims/"+url.PathEscape(number)+"/reserves", nil, &resp)
	return resp, err
}

// CreatePayment creates a pending payment.
func (c *Client) CreatePayment(ctx context.Context, number, line, amount, method, payee string) (Payment, error) {
	body := map[string]any{
		"line_type": line,
		"amount":    amount,
		"method":    method,
		"payee":     payee,
	}
	var resp Payment
	err := c.do(ctx, http.MethodPost, "claims/"+url.PathEscape(number)+"/payments", body, &resp)
	return resp, err
}

// Settle disburses a pending payment.
func (c *Client) Settle(ctx context.Context, paymentID string) (Payment, error) {
	var resp Payment
	err := c.do(ctx, http.MethodPost, "payments/"+url.PathEscape(paymentID)+"/settle", nil, &resp)
	return resp, err
}

// Void voids a payment inside its void window.
func (c *Client) Void(ctx context.Context, paymentID, reason string) (Payment, error) {
	var resp Payment
	err := c.do(ctx, http.MethodPost, "payments/"+url.PathEscape(paymentID)+"/void", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Reverse reverses a settled payment.
func (c *Client) Reverse(ctx context.Context, paymentID, reason string) (Payment, error) {
	var resp Payment
	err := c.do(ctx, http.MethodPost, "payments/"+url.PathEscape(paymentID)+"/reverse", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// QuoteSettlement computes a settlement without recording it.
func (c *Client) QuoteSettlement(ctx context.Context, number, percent, rate string) (Settlement, error) {
	body := map[string]any{"percent": percent, "interest_rate": rate}
	var resp struct {
		Settlement Settlement `json:"settlement"`
	}
	err := c.do(ctx, http.MethodPost, "claims/"+url.PathEscape(number)+"/settlement/quote", body, &resp)
	return resp.Settlement, err
}

// Audit returns audit entries for an entity after a sequence.
func (c *Client) Audit(ctx context.Context, entityType, entityID string, afterSeq int64, limit int) ([]AuditEntry, error) {
	q := url.Values{}
	if entityType != "" {
		q.Set("entity_type", entityType)
	}
	if entityID != "" {
		q.Set("entity_id", entityID)
	}
	if afterSeq > 0 {
		q.Set("after_seq", strconv.FormatInt(afterSeq, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := "audit"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []AuditEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return newAPIError(resp, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func newAPIError(resp *http.Response, body []byte) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}
	return apiErr
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
