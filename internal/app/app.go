// Package app wires a ledger engine from a workspace: config, database,
// encryption key, breakers, metrics and payment rails.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	"claimledger/internal/breaker"
	"claimledger/internal/config"
	"claimledger/internal/crypt"
	"claimledger/internal/db"
	"claimledger/internal/domain"
	"claimledger/internal/engine"
	"claimledger/internal/metrics"
	"claimledger/internal/migrate"
	"claimledger/internal/rail"
	"claimledger/internal/repo"
)

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/claimledger.yml.
	ConfigPath string
	Logger     *log.Logger
	// Getenv resolves the key and secret variables named in config. Defaults to os.Getenv.
	Getenv func(string) string
}

// Runtime is a wired engine and the resources it owns.
type Runtime struct {
	Engine   engine.Engine
	Config   *config.Config
	Policies repo.PolicyStore
	DB       *sql.DB
}

func (r *Runtime) Close() error {
	if r == nil || r.DB == nil {
		return nil
	}
	return r.DB.Close()
}

// Open loads config, opens and migrates the database and builds the engine.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	gw, err := Gateway(cfg, getenv)
	if err != nil {
		return nil, err
	}
	rails, err := Rails(cfg, getenv, logger)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	version, err := migrate.MigrateContext(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	latest, err := migrate.Latest()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if version > latest {
		conn.Close()
		return nil, fmt.Errorf("ledger schema version %d is newer than this build supports (%d)", version, latest)
	}
	metrics.Register()

	e := engine.New(conn, cfg)
	store := repo.PolicyStore{DB: conn, Gateway: gw}
	e.Policies = store
	e.Gateway = gw
	e.Rails = rails
	e.Logger = logger
	e.Breakers = breaker.NewRegistry(engine.BreakerSettings(cfg, logger))
	return &Runtime{Engine: e, Config: cfg, Policies: store, DB: conn}, nil
}

func loadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	return config.LoadOptional(opts.Workspace)
}

// Gateway builds the encryption gateway from the key variable named in config.
// With no designated fields the gateway is nil and nothing is sealed.
func Gateway(cfg *config.Config, getenv func(string) string) (*crypt.Gateway, error) {
	if len(cfg.Encryption.Fields) == 0 {
		return nil, nil
	}
	name := cfg.Encryption.KeyEnv
	raw := strings.TrimSpace(getenv(name))
	if raw == "" {
		return nil, fmt.Errorf("encryption key not set: export %s as 64 hex characters", name)
	}
	key, err := crypt.KeyFromHex(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return crypt.New(key, cfg.Encryption.Fields)
}

// Rails builds one adapter per configured payment method. Methods without an
// entry use the simulator.
func Rails(cfg *config.Config, getenv func(string) string, logger *log.Logger) (rail.Router, error) {
	router := engine.SimulatorRails()
	for method, rc := range cfg.Rails {
		m := domain.PaymentMethod(method)
		switch rc.Kind {
		case "http":
			secret := ""
			if rc.SecretEnv != "" {
				secret = getenv(rc.SecretEnv)
				if secret == "" {
					return nil, fmt.Errorf("rail %s: %s is not set", method, rc.SecretEnv)
				}
			}
			h := rail.NewHTTP(m, rc.URL, secret, rc.Timeout)
			h.Logger = logger
			router[m] = h
		default:
			router[m] = rail.NewSimulator(m)
		}
	}
	return router, nil
}
