package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"claimledger/internal/audit"
	"claimledger/internal/config"
	"claimledger/internal/domain"
	"claimledger/internal/engine"
	"claimledger/internal/rail"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// AuditFeed delivers audit entries to the configured webhooks.
type AuditFeed struct {
	Engine   engine.Engine
	Webhooks []config.Webhook
	Getenv   func(string) string
	Logger   *log.Logger
	Interval time.Duration

	client  *http.Client
	mu      sync.Mutex
	cursors map[int]int64
}

// StartAuditFeed runs the feed until ctx is done. It returns nil when no
// webhook is enabled.
func StartAuditFeed(ctx context.Context, e engine.Engine, hooks []config.Webhook, getenv func(string) string, logger *log.Logger) *AuditFeed {
	enabled := false
	for _, h := range hooks {
		if h.Enabled == nil || *h.Enabled {
			enabled = true
		}
	}
	if !enabled {
		return nil
	}
	f := &AuditFeed{Engine: e, Webhooks: hooks, Getenv: getenv, Logger: logger}
	f.init(ctx)
	go f.run(ctx)
	return f
}

func (f *AuditFeed) init(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cursors != nil {
		return
	}
	f.client = &http.Client{Timeout: defaultWebhookTimeout}
	f.cursors = make(map[int]int64)
	head, err := f.head(ctx)
	if err != nil {
		f.logf("webhook: init cursor failed: %v", err)
	}
	for i := range f.Webhooks {
		f.cursors[i] = head
	}
}

// head is the sequence of the latest audit entry.
func (f *AuditFeed) head(ctx context.Context) (int64, error) {
	var seq int64
	err := f.Engine.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM audit_entries`).Scan(&seq)
	return seq, err
}

func (f *AuditFeed) run(ctx context.Context) {
	interval := f.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		f.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll delivers pending entries to every enabled webhook once.
func (f *AuditFeed) DispatchAll(ctx context.Context) {
	f.init(ctx)
	for i, hook := range f.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		f.dispatchWebhook(ctx, i, hook)
	}
}

// dispatchWebhook stops at the first failed delivery so the entry is retried
// on the next tick.
func (f *AuditFeed) dispatchWebhook(ctx context.Context, idx int, hook config.Webhook) {
	cursor := f.cursor(idx)
	entries, err := f.Engine.AuditLog(ctx, audit.Filter{AfterSeq: cursor, Limit: defaultWebhookBatch})
	if err != nil {
		f.logf("webhook: fetch audit entries failed: %v", err)
		return
	}
	filter := newEntityFilter(hook.Entities)
	for _, entry := range entries {
		if !filter.match(entry.EntityType) {
			f.setCursor(idx, entry.Seq)
			continue
		}
		if err := f.post(ctx, hook, entry); err != nil {
			f.logf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		f.setCursor(idx, entry.Seq)
	}
}

func (f *AuditFeed) cursor(idx int) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursors[idx]
}

func (f *AuditFeed) setCursor(idx int, seq int64) {
	f.mu.Lock()
	f.cursors[idx] = seq
	f.mu.Unlock()
}

type webhookEntry struct {
	Seq        int64           `json:"seq"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Operation  string          `json:"operation"`
	ActorID    string          `json:"actor_id"`
	ActorRole  string          `json:"actor_role,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Before     json.RawMessage `json:"before"`
	After      json.RawMessage `json:"after"`
	TS         time.Time       `json:"ts"`
	Hash       string          `json:"hash"`
}

func rawJSON(s string) json.RawMessage {
	if s == "" || !json.Valid([]byte(s)) {
		return json.RawMessage("null")
	}
	return json.RawMessage(s)
}

func (f *AuditFeed) post(ctx context.Context, hook config.Webhook, entry domain.AuditEntry) error {
	data, err := json.Marshal(webhookEntry{
		Seq:        entry.Seq,
		EntityType: string(entry.EntityType),
		EntityID:   entry.EntityID,
		Operation:  string(entry.Operation),
		ActorID:    entry.ActorID,
		ActorRole:  entry.ActorRole,
		Reason:     entry.Reason,
		Before:     rawJSON(entry.Before),
		After:      rawJSON(entry.After),
		TS:         entry.TS,
		Hash:       entry.Hash,
	})
	if err != nil {
		return err
	}
	client := f.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Claimledger-Entity", string(entry.EntityType))
	req.Header.Set("X-Claimledger-Delivery", strconv.FormatInt(entry.Seq, 10))
	if secret := f.secret(hook); secret != "" {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set("X-Claimledger-Timestamp", ts)
		req.Header.Set("X-Claimledger-Signature", rail.Sign(secret, ts, data))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

func (f *AuditFeed) secret(hook config.Webhook) string {
	if hook.SecretEnv == "" || f.Getenv == nil {
		return ""
	}
	return f.Getenv(hook.SecretEnv)
}

func (f *AuditFeed) logf(format string, args ...any) {
	if f.Logger != nil {
		f.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

type entityFilter struct {
	all bool
	set map[domain.EntityType]struct{}
}

func newEntityFilter(entities []string) entityFilter {
	if len(entities) == 0 {
		return entityFilter{all: true}
	}
	set := make(map[domain.EntityType]struct{}, len(entities))
	for _, ent := range entities {
		key := strings.TrimSpace(ent)
		if key == "" {
			continue
		}
		set[domain.EntityType(key)] = struct{}{}
	}
	if len(set) == 0 {
		return entityFilter{all: true}
	}
	return entityFilter{set: set}
}

func (f entityFilter) match(t domain.EntityType) bool {
	if f.all {
		return true
	}
	_, ok := f.set[t]
	return ok
}
