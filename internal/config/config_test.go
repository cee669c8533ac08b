package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.VoidWindow() != 90*24*time.Hour {
		t.Fatalf("unexpected void window %s", cfg.VoidWindow())
	}
	b := cfg.Breaker("storage")
	if b.Threshold != 5 || b.Window != time.Minute || b.Recovery != 30*time.Second {
		t.Fatalf("unexpected breaker defaults %+v", b)
	}
	if got := cfg.LossType("unknown-kind"); len(got.Methods) == 0 {
		t.Fatalf("expected fallback to default loss type")
	}
}

func TestBreakerOverride(t *testing.T) {
	cfg := Default()
	cfg.Breakers.Resources = map[string]Breaker{"rail-ACH": {Threshold: 2}}
	b := cfg.Breaker("rail-ACH")
	if b.Threshold != 2 || b.Recovery != 30*time.Second {
		t.Fatalf("override should merge over defaults: %+v", b)
	}
}

func TestRejectsNonOverridableField(t *testing.T) {
	yml := strings.Replace(GenerateDefault(), "fields: [contact_name,", "fields: [policy_number, contact_name,", 1)
	if _, err := FromYAML([]byte(yml)); err == nil {
		t.Fatalf("expected policy_number to be rejected as an override field")
	}
}

func TestRejectsBadCeiling(t *testing.T) {
	yml := strings.Replace(GenerateDefault(), "  workers_comp:\n    methods: [CHECK, ACH]",
		"  workers_comp:\n    methods: [CHECK, ACH]\n    ceiling: \"10.001\"", 1)
	if _, err := FromYAML([]byte(yml)); err == nil {
		t.Fatalf("expected sub-cent ceiling to be rejected")
	}
}
