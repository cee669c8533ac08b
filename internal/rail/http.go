package rail

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"claimledger/internal/domain"
)

const defaultHTTPTimeout = 5 * time.Second

const (
	HeaderSignature   = "X-Claimledger-Signature"
	HeaderTimestamp   = "X-Claimledger-Timestamp"
	HeaderIdempotency = "Idempotency-Key"
)

// HTTP posts instructions as JSON to a processor endpoint, signing the body
// with HMAC-SHA256 over "<timestamp>.<body>".
type HTTP struct {
	Method domain.PaymentMethod
	URL    string
	Secret string
	Client *http.Client
	Logger *log.Logger
	Now    func() time.Time
}

func NewHTTP(method domain.PaymentMethod, url, secret string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTP{Method: method, URL: url, Secret: secret, Client: &http.Client{Timeout: timeout}, Now: time.Now}
}

type httpResponse struct {
	Reference string    `json:"reference"`
	SettledAt time.Time `json:"settled_at"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
}

func (h *HTTP) Disburse(ctx context.Context, in Instruction) (Confirmation, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return Confirmation{}, err
	}
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	ts := strconv.FormatInt(now().Unix(), 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(data))
	if err != nil {
		return Confirmation{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderIdempotency, in.IdempotencyKey)
	req.Header.Set(HeaderTimestamp, ts)
	if strings.TrimSpace(h.Secret) != "" {
		req.Header.Set(HeaderSignature, "sha256="+Sign(h.Secret, ts, data))
	}
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return Confirmation{}, err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 64*1024))
	var out httpResponse
	_ = json.Unmarshal(body, &out)
	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		if out.Reference == "" {
			return Confirmation{}, fmt.Errorf("%s rail: confirmation without reference", h.Method)
		}
		if out.SettledAt.IsZero() {
			out.SettledAt = now().UTC()
		}
		return Confirmation{Reference: out.Reference, SettledAt: out.SettledAt}, nil
	case res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusRequestTimeout && res.StatusCode != http.StatusTooManyRequests:
		msg := out.Message
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		if h.Logger != nil {
			h.Logger.Printf("rail: %s rejected payment %s: %s", h.Method, in.IdempotencyKey, msg)
		}
		return Confirmation{}, &RejectedError{Method: h.Method, Code: out.Code, Message: msg}
	default:
		return Confirmation{}, fmt.Errorf("%s rail: status %d: %s", h.Method, res.StatusCode, strings.TrimSpace(string(body)))
	}
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<body>".
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature header produced by Sign.
func VerifySignature(secret, timestamp string, body []byte, header string) bool {
	want := "sha256=" + Sign(secret, timestamp, body)
	return hmac.Equal([]byte(want), []byte(header))
}
