package audit

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"claimledger/internal/db"
	"claimledger/internal/domain"
	"claimledger/internal/migrate"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.OpenPath(filepath.Join(t.TempDir(), "audit.db"), 0)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func appendEntry(t *testing.T, conn *sql.DB, w Writer, e Entry) domain.AuditEntry {
	t.Helper()
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	got, err := w.Append(ctx, tx, e)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return got
}

func TestAppendChainsAndVerifies(t *testing.T) {
	conn := newTestDB(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	w := Writer{Now: func() time.Time { return now }, Retention: 7 * 365 * 24 * time.Hour}
	actor := domain.Actor{ID: "adjuster-1", Role: "adjuster"}

	first := appendEntry(t, conn, w, Entry{Actor: actor, EntityType: domain.EntityClaim, EntityID: "CLM-1", Operation: domain.OpCreate,
		After: map[string]any{"status": "OPEN"}})
	second := appendEntry(t, conn, w, Entry{Actor: actor, EntityType: domain.EntityClaim, EntityID: "CLM-1", Operation: domain.OpOverride,
		Before: map[string]any{"contact_name": "A"}, After: map[string]any{"contact_name": "B"}})
	appendEntry(t, conn, w, Entry{Actor: actor, EntityType: domain.EntityReserve, EntityID: "CLM-2", Operation: domain.OpAllocate})

	if first.PrevHash != GenesisHash || second.PrevHash != first.Hash {
		t.Fatalf("entries are not chained: %s -> %s", first.Hash, second.PrevHash)
	}
	if first.Before != "null" {
		t.Fatalf("expected null before snapshot on create, got %s", first.Before)
	}
	if !first.RetainUntil.Equal(now.Add(w.Retention)) {
		t.Fatalf("unexpected retain-until %s", first.RetainUntil)
	}

	entries, err := List(context.Background(), conn, Filter{EntityType: domain.EntityClaim, EntityID: "CLM-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 || entries[1].Operation != domain.OpOverride || entries[1].After != `{"contact_name":"B"}` {
		t.Fatalf("unexpected entries %+v", entries)
	}
	n, err := Count(context.Background(), conn, domain.EntityReserve, "CLM-2")
	if err != nil || n != 1 {
		t.Fatalf("count: %d %v", n, err)
	}

	report, err := Verify(context.Background(), conn)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.Valid || report.Entries != 3 {
		t.Fatalf("expected valid chain of 3, got %+v", report)
	}
}

func TestEntriesAreAppendOnly(t *testing.T) {
	conn := newTestDB(t)
	w := Writer{Retention: time.Hour}
	e := appendEntry(t, conn, w, Entry{Actor: domain.Actor{ID: "a"}, EntityType: domain.EntityPayment, EntityID: "p1", Operation: domain.OpPay})
	if _, err := conn.Exec(`UPDATE audit_entries SET reason='x' WHERE seq=?`, e.Seq); err == nil {
		t.Fatalf("expected update to be rejected")
	}
	if _, err := conn.Exec(`DELETE FROM audit_entries WHERE seq=?`, e.Seq); err == nil {
		t.Fatalf("expected delete to be rejected")
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	conn := newTestDB(t)
	w := Writer{Retention: time.Hour}
	for i := 0; i < 3; i++ {
		appendEntry(t, conn, w, Entry{Actor: domain.Actor{ID: "a"}, EntityType: domain.EntityPayment, EntityID: "p1", Operation: domain.OpPay,
			After: map[string]any{"n": i}})
	}
	if _, err := conn.Exec(`DROP TRIGGER audit_entries_no_update`); err != nil {
		t.Fatalf("drop trigger: %v", err)
	}
	if _, err := conn.Exec(`UPDATE audit_entries SET after_json='{"n":99}' WHERE seq=2`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	report, err := Verify(context.Background(), conn)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Valid || report.BrokenAt != 2 || report.Entries != 3 {
		t.Fatalf("expected break at 2, got %+v", report)
	}
}

func TestAppendRequiresActor(t *testing.T) {
	conn := newTestDB(t)
	tx, err := conn.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if _, err := (Writer{}).Append(context.Background(), tx, Entry{EntityType: domain.EntityClaim, EntityID: "x", Operation: domain.OpCreate}); err == nil {
		t.Fatalf("expected missing actor to fail")
	}
}

func TestRefsIndexAndChainEntries(t *testing.T) {
	conn := newTestDB(t)
	w := Writer{Retention: time.Hour}
	actor := domain.Actor{ID: "adjuster-1"}
	line := Ref{EntityType: domain.EntityReserve, EntityID: "CLM-1/INDEMNITY"}
	appendEntry(t, conn, w, Entry{Actor: actor, EntityType: domain.EntityReserve, EntityID: "CLM-1", Operation: domain.OpAllocate,
		Refs: []Ref{line, line, {EntityType: domain.EntityReserve, EntityID: "CLM-1"}}})
	pay := appendEntry(t, conn, w, Entry{Actor: actor, EntityType: domain.EntityPayment, EntityID: "p1", Operation: domain.OpPay,
		Refs: []Ref{line}})
	appendEntry(t, conn, w, Entry{Actor: actor, EntityType: domain.EntityReserve, EntityID: "CLM-1", Operation: domain.OpAllocate,
		Refs: []Ref{{EntityType: domain.EntityReserve, EntityID: "CLM-1/EXPENSE"}}})

	if len(pay.Refs) != 1 || pay.Refs[0] != line.String() {
		t.Fatalf("unexpected refs %v", pay.Refs)
	}
	entries, err := List(context.Background(), conn, Filter{EntityType: domain.EntityReserve, EntityID: line.EntityID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 || entries[1].Seq != pay.Seq || len(entries[0].Refs) != 1 {
		t.Fatalf("expected the allocation and the payment, got %+v", entries)
	}
	if n, err := Count(context.Background(), conn, domain.EntityReserve, "CLM-1"); err != nil || n != 2 {
		t.Fatalf("count: %d %v", n, err)
	}

	if report, err := Verify(context.Background(), conn); err != nil || !report.Valid {
		t.Fatalf("verify: %+v %v", report, err)
	}
	if _, err := conn.Exec(`INSERT INTO audit_entry_refs(seq,entity_type,entity_id) VALUES (?,?,?)`, pay.Seq, "RESERVE", "CLM-1/MEDICAL"); err != nil {
		t.Fatalf("insert ref: %v", err)
	}
	report, err := Verify(context.Background(), conn)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Valid || report.BrokenAt != pay.Seq {
		t.Fatalf("expected break at %d, got %+v", pay.Seq, report)
	}
}
