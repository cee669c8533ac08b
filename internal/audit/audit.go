// Package audit appends hash-chained ledger entries inside the caller's
// transaction and verifies the chain afterwards.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"claimledger/internal/domain"
)

// GenesisHash is the previous hash of the first entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// tsLayout is fixed width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Queryer is satisfied by *sql.DB and *sql.Tx.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Writer struct {
	Now       func() time.Time
	Retention time.Duration
}

// Entry is one mutation to record. Before and After are marshalled to JSON
// as given; callers mask sensitive fields first.
type Entry struct {
	Actor      domain.Actor
	EntityType domain.EntityType
	EntityID   string
	Operation  domain.Operation
	Reason     string
	Before     any
	After      any
	// Refs index the entry under further entities, such as the reserve
	// lines a claim-level allocation moved.
	Refs []Ref
}

// Ref names one entity an entry touched besides its own.
type Ref struct {
	EntityType domain.EntityType
	EntityID   string
}

func (r Ref) String() string { return string(r.EntityType) + ":" + r.EntityID }

func parseRef(s string) (Ref, bool) {
	typ, id, ok := strings.Cut(s, ":")
	return Ref{EntityType: domain.EntityType(typ), EntityID: id}, ok
}

// refStrings renders refs sorted and without duplicates or self references.
func refStrings(e Entry) []string {
	self := Ref{EntityType: e.EntityType, EntityID: e.EntityID}
	seen := map[string]bool{self.String(): true}
	var out []string
	for _, r := range e.Refs {
		s := r.String()
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Append writes e in tx, chained to the latest entry visible to tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) (domain.AuditEntry, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if strings.TrimSpace(e.Actor.ID) == "" {
		return domain.AuditEntry{}, errors.New("audit entry requires an actor")
	}
	before, err := snapshot(e.Before)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("marshal audit before: %w", err)
	}
	after, err := snapshot(e.After)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("marshal audit after: %w", err)
	}
	prev := GenesisHash
	err = tx.QueryRowContext(ctx, `SELECT hash FROM audit_entries ORDER BY seq DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return domain.AuditEntry{}, fmt.Errorf("read audit chain head: %w", err)
	}
	ts := w.Now().UTC()
	entry := domain.AuditEntry{
		ActorID:     e.Actor.ID,
		ActorRole:   e.Actor.Role,
		EntityType:  e.EntityType,
		EntityID:    e.EntityID,
		Operation:   e.Operation,
		Reason:      e.Reason,
		Before:      before,
		After:       after,
		TS:          ts,
		RetainUntil: ts.Add(w.Retention),
		Refs:        refStrings(e),
		PrevHash:    prev,
	}
	entry.Hash = Hash(entry)
	res, err := tx.ExecContext(ctx, `INSERT INTO audit_entries(actor_id,actor_role,entity_type,entity_id,operation,reason,before_json,after_json,ts,retain_until,prev_hash,hash) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		entry.ActorID, nullable(entry.ActorRole), string(entry.EntityType), entry.EntityID, string(entry.Operation), nullable(entry.Reason),
		entry.Before, entry.After, entry.TS.Format(tsLayout), entry.RetainUntil.Format(tsLayout), entry.PrevHash, entry.Hash)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("insert audit entry: %w", err)
	}
	if entry.Seq, err = res.LastInsertId(); err != nil {
		return domain.AuditEntry{}, err
	}
	for _, ref := range entry.Refs {
		r, _ := parseRef(ref)
		if _, err := tx.ExecContext(ctx, `INSERT INTO audit_entry_refs(seq,entity_type,entity_id) VALUES (?,?,?)`,
			entry.Seq, string(r.EntityType), r.EntityID); err != nil {
			return domain.AuditEntry{}, fmt.Errorf("insert audit ref: %w", err)
		}
	}
	return entry, nil
}

func snapshot(v any) (string, error) {
	switch s := v.(type) {
	case nil:
		return "null", nil
	case json.RawMessage:
		return string(s), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Hash is the SHA-256 of the entry's content chained to its previous hash.
// Seq is excluded; order is carried by PrevHash.
func Hash(e domain.AuditEntry) string {
	h := sha256.New()
	for _, part := range []string{
		e.PrevHash,
		e.ActorID,
		e.ActorRole,
		string(e.EntityType),
		e.EntityID,
		string(e.Operation),
		e.Reason,
		e.Before,
		e.After,
		e.TS.UTC().Format(tsLayout),
		e.RetainUntil.UTC().Format(tsLayout),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	for _, ref := range e.Refs {
		h.Write([]byte(ref))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Filter selects entries; zero fields match everything. EntityID also
// matches entries that reference the entity.
type Filter struct {
	EntityType domain.EntityType
	EntityID   string
	Operation  domain.Operation
	// AfterSeq returns only entries with a greater sequence.
	AfterSeq int64
	Limit    int
}

const selectColumns = `seq,actor_id,actor_role,entity_type,entity_id,operation,reason,before_json,after_json,ts,retain_until,prev_hash,hash`

// List returns matching entries in ascending sequence order.
func List(ctx context.Context, q Queryer, f Filter) ([]domain.AuditEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.EntityID != "" {
		clause, entityArgs := entityClause(f.EntityType, f.EntityID)
		clauses = append(clauses, clause)
		args = append(args, entityArgs...)
	} else if f.EntityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, string(f.EntityType))
	}
	if f.Operation != "" {
		clauses = append(clauses, "operation=?")
		args = append(args, string(f.Operation))
	}
	if f.AfterSeq > 0 {
		clauses = append(clauses, "seq>?")
		args = append(args, f.AfterSeq)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	query := fmt.Sprintf(`SELECT %s FROM audit_entries WHERE %s ORDER BY seq ASC LIMIT ?`, selectColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	res, err := queryEntries(ctx, q, query, args...)
	if err != nil || len(res) == 0 {
		return res, err
	}
	refs, err := loadRefs(ctx, q, res[0].Seq, res[len(res)-1].Seq)
	if err != nil {
		return nil, err
	}
	for i := range res {
		res[i].Refs = refs[res[i].Seq]
	}
	return res, nil
}

// entityClause matches entries about the entity or referencing it.
func entityClause(entityType domain.EntityType, entityID string) (string, []any) {
	if entityType == "" {
		return "(entity_id=? OR seq IN (SELECT seq FROM audit_entry_refs WHERE entity_id=?))", []any{entityID, entityID}
	}
	return "((entity_type=? AND entity_id=?) OR seq IN (SELECT seq FROM audit_entry_refs WHERE entity_type=? AND entity_id=?))",
		[]any{string(entityType), entityID, string(entityType), entityID}
}

func queryEntries(ctx context.Context, q Queryer, query string, args ...any) ([]domain.AuditEntry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// loadRefs returns the sorted refs of every entry with from <= seq <= to.
func loadRefs(ctx context.Context, q Queryer, from, to int64) (map[int64][]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT seq, entity_type, entity_id FROM audit_entry_refs WHERE seq BETWEEN ? AND ?`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int64][]string{}
	for rows.Next() {
		var seq int64
		var r Ref
		var typ string
		if err := rows.Scan(&seq, &typ, &r.EntityID); err != nil {
			return nil, err
		}
		r.EntityType = domain.EntityType(typ)
		out[seq] = append(out[seq], r.String())
	}
	for _, refs := range out {
		sort.Strings(refs)
	}
	return out, rows.Err()
}

func scanEntry(rows *sql.Rows) (domain.AuditEntry, error) {
	var e domain.AuditEntry
	var role, reason sql.NullString
	var entityType, op, ts, retain string
	if err := rows.Scan(&e.Seq, &e.ActorID, &role, &entityType, &e.EntityID, &op, &reason, &e.Before, &e.After, &ts, &retain, &e.PrevHash, &e.Hash); err != nil {
		return e, err
	}
	e.ActorRole = role.String
	e.Reason = reason.String
	e.EntityType = domain.EntityType(entityType)
	e.Operation = domain.Operation(op)
	var err error
	if e.TS, err = time.Parse(tsLayout, ts); err != nil {
		return e, fmt.Errorf("audit entry %d ts: %w", e.Seq, err)
	}
	if e.RetainUntil, err = time.Parse(tsLayout, retain); err != nil {
		return e, fmt.Errorf("audit entry %d retain_until: %w", e.Seq, err)
	}
	return e, nil
}

// Count returns the number of entries about or referencing an entity.
func Count(ctx context.Context, q Queryer, entityType domain.EntityType, entityID string) (int, error) {
	clause, args := entityClause(entityType, entityID)
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries WHERE `+clause, args...).Scan(&n)
	return n, err
}

// VerifyReport describes the outcome of walking the chain.
type VerifyReport struct {
	Entries   int    `json:"entries"`
	Valid     bool   `json:"valid"`
	Head      string `json:"head"`
	BrokenAt  int64  `json:"broken_at,omitempty"`
	Reason    string `json:"reason,omitempty"`
	CheckedAt string `json:"checked_at"`
}

// Verify recomputes every hash in sequence order and reports the first break.
func Verify(ctx context.Context, q Queryer) (VerifyReport, error) {
	report := VerifyReport{Valid: true, Head: GenesisHash, CheckedAt: time.Now().UTC().Format(time.RFC3339)}
	refs, err := loadRefs(ctx, q, 0, math.MaxInt64)
	if err != nil {
		return report, err
	}
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM audit_entries ORDER BY seq ASC`, selectColumns))
	if err != nil {
		return report, err
	}
	defer rows.Close()
	prev := GenesisHash
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return report, err
		}
		e.Refs = refs[e.Seq]
		report.Entries++
		if !report.Valid {
			continue
		}
		switch {
		case e.PrevHash != prev:
			report.Valid = false
			report.BrokenAt = e.Seq
			report.Reason = "previous hash does not match the preceding entry"
		case Hash(e) != e.Hash:
			report.Valid = false
			report.BrokenAt = e.Seq
			report.Reason = "entry content does not match its hash"
		}
		prev = e.Hash
		report.Head = e.Hash
	}
	return report, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
