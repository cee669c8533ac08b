package app

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"claimledger/internal/config"
	"claimledger/internal/domain"
	"claimledger/internal/rail"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestOpenWiresEngine(t *testing.T) {
	dir := t.TempDir()
	rt, err := Open(context.Background(), Options{
		Workspace: dir,
		Logger:    log.New(io.Discard, "", 0),
		Getenv:    env(map[string]string{"CLAIMLEDGER_ENCRYPTION_KEY": testKey}),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	if rt.Engine.Gateway == nil || !rt.Engine.Gateway.Designated("payee") {
		t.Fatalf("expected gateway with payee designated")
	}
	if _, err := os.Stat(filepath.Join(dir, ".claimledger", "claimledger.db")); err != nil {
		t.Fatalf("database not created: %v", err)
	}
	if _, err := rt.Engine.Rails.For(domain.MethodACH); err != nil {
		t.Fatalf("expected ACH rail: %v", err)
	}
}

func TestOpenRefusesNewerSchema(t *testing.T) {
	dir := t.TempDir()
	opts := Options{
		Workspace: dir,
		Logger:    log.New(io.Discard, "", 0),
		Getenv:    env(map[string]string{"CLAIMLEDGER_ENCRYPTION_KEY": testKey}),
	}
	rt, err := Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := rt.DB.Exec(`UPDATE schema_version SET version=999`); err != nil {
		t.Fatalf("bump schema version: %v", err)
	}
	rt.Close()
	if _, err := Open(context.Background(), opts); err == nil || !strings.Contains(err.Error(), "newer than this build") {
		t.Fatalf("expected newer schema error, got %v", err)
	}
}

func TestOpenRequiresKey(t *testing.T) {
	_, err := Open(context.Background(), Options{Workspace: t.TempDir(), Getenv: env(nil)})
	if err == nil || !strings.Contains(err.Error(), "CLAIMLEDGER_ENCRYPTION_KEY") {
		t.Fatalf("expected missing key error, got %v", err)
	}
}

func TestRailsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Rails["WIRE"] = config.Rail{Kind: "http", URL: "http://127.0.0.1:9/disburse", SecretEnv: "WIRE_SECRET"}
	if _, err := Rails(cfg, env(nil), nil); err == nil {
		t.Fatalf("expected missing secret error")
	}
	router, err := Rails(cfg, env(map[string]string{"WIRE_SECRET": "s3cret"}), nil)
	if err != nil {
		t.Fatalf("rails: %v", err)
	}
	r, _ := router.For(domain.MethodWire)
	h, ok := r.(*rail.HTTP)
	if !ok || h.Secret != "s3cret" {
		t.Fatalf("expected http rail, got %T", r)
	}
	if _, ok := router[domain.MethodCheck].(*rail.Simulator); !ok {
		t.Fatalf("expected simulator for CHECK")
	}
}
