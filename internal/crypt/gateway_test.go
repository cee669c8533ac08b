package crypt

import (
	"bytes"
	"strings"
	"testing"

	"claimledger/internal/domain"
)

func testGateway(t *testing.T) *Gateway {
	t.Helper()
	g, err := New(bytes.Repeat([]byte{7}, 32), []string{"contact_phone", "payee"})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return g
}

func TestSealOpenRoundTrip(t *testing.T) {
	g := testGateway(t)
	sealed, err := g.Seal("contact_phone", "555-0100")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !IsSealed(sealed) || strings.Contains(sealed, "555") {
		t.Fatalf("expected sealed value, got %q", sealed)
	}
	plain, err := g.Open("contact_phone", sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if plain != "555-0100" {
		t.Fatalf("expected 555-0100, got %q", plain)
	}
}

func TestSealIsFieldBound(t *testing.T) {
	g := testGateway(t)
	sealed, err := g.Seal("contact_phone", "555-0100")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.Open("payee", sealed); err == nil {
		t.Fatalf("expected ciphertext moved to another field to fail")
	}
}

func TestUndesignatedPassesThrough(t *testing.T) {
	g := testGateway(t)
	v, err := g.Seal("description", "hail damage")
	if err != nil || v != "hail damage" {
		t.Fatalf("expected pass-through, got %q %v", v, err)
	}
	if g.Mask("description", "hail damage") != "hail damage" {
		t.Fatalf("undesignated field should not be masked")
	}
}

func TestMask(t *testing.T) {
	g := testGateway(t)
	if got := g.Mask("contact_phone", "555-0100"); got != "***-0100" {
		t.Fatalf("unexpected mask %q", got)
	}
	if got := MaskTail("ab", 4); got != "ab" {
		t.Fatalf("short values stay visible, got %q", got)
	}
}

func TestKeyFromHex(t *testing.T) {
	if _, err := KeyFromHex("abcd"); err == nil {
		t.Fatalf("expected short key error")
	}
	key, err := KeyFromHex(strings.Repeat("0f", 32))
	if err != nil || len(key) != 32 {
		t.Fatalf("expected 32 byte key: %v", err)
	}
}

func TestPolicySealOpenMask(t *testing.T) {
	g, err := New(bytes.Repeat([]byte{7}, 32), []string{"insured_tax_id", "contact_phone"})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	p := domain.Policy{Number: "POL-1", InsuredTaxID: "123-45-6789", ContactPhone: "555-0100", ContactName: "Sam"}
	sealed, err := SealPolicy(g, p)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !IsSealed(sealed.InsuredTaxID) || !IsSealed(sealed.ContactPhone) || sealed.ContactName != "Sam" {
		t.Fatalf("unexpected sealed policy %+v", sealed)
	}
	opened, err := OpenPolicy(g, sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if opened != p {
		t.Fatalf("round trip mismatch: %+v", opened)
	}
	masked := MaskPolicy(g, p)
	if masked.InsuredTaxID != "***-**-6789" || masked.ContactName != "Sam" {
		t.Fatalf("unexpected mask %+v", masked)
	}
}
