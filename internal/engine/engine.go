// Package engine implements the claims and payments ledger: claim-scoped policy
// overrides, reserve allocation, settlement payments and the payment lifecycle.
// Every mutation runs under a per-claim lock, in one storage transaction guarded
// by the storage breaker, and writes exactly one audit entry in that transaction.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"claimledger/internal/audit"
	"claimledger/internal/breaker"
	"claimledger/internal/config"
	"claimledger/internal/crypt"
	"claimledger/internal/domain"
	"claimledger/internal/metrics"
	"claimledger/internal/rail"
	"claimledger/internal/repo"
)

// StorageResource is the breaker name guarding the ledger database.
const StorageResource = "storage"

// PolicyResource is the breaker name guarding the policy source.
const PolicyResource = "policy"

// PolicySource is the policy administration collaborator. The engine never writes policies.
type PolicySource interface {
	GetPolicy(ctx context.Context, number string) (domain.Policy, error)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Audit    audit.Writer
	Config   *config.Config
	Policies PolicySource
	Gateway  *crypt.Gateway
	Breakers *breaker.Registry
	Rails    rail.Router
	Locks    *KeyedLock
	Logger   *log.Logger
	Now      func() time.Time
}

// New wires an engine over db with simulator rails and an unsealed gateway.
// Callers replace Gateway, Rails or Policies as needed.
func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	logger := log.New(os.Stderr, "", log.LstdFlags)
	e := Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Audit:    audit.Writer{Retention: cfg.AuditRetention()},
		Config:   cfg,
		Policies: repo.PolicyStore{DB: db},
		Locks:    NewKeyedLock(),
		Logger:   logger,
		Now:      time.Now,
	}
	e.Breakers = breaker.NewRegistry(BreakerSettings(cfg, logger))
	e.Rails = SimulatorRails()
	return e
}

// SimulatorRails returns a router with a local simulator for every method.
func SimulatorRails() rail.Router {
	r := rail.Router{}
	for _, m := range domain.PaymentMethods {
		r[m] = rail.NewSimulator(m)
	}
	return r
}

// BreakerSettings builds per-resource breaker settings from config. State
// changes are logged and exported as metrics.
func BreakerSettings(cfg *config.Config, logger *log.Logger) func(name string) breaker.Settings {
	return func(name string) breaker.Settings {
		b := cfg.Breaker(name)
		return breaker.Settings{
			Threshold:   b.Threshold,
			Window:      b.Window,
			Recovery:    b.Recovery,
			CallTimeout: b.CallTimeout,
			IsFailure:   IsResourceFailure,
			OnStateChange: func(name string, from, to breaker.State) {
				metrics.BreakerState.WithLabelValues(name).Set(metrics.StateValue(string(to)))
				metrics.BreakerTransitionsTotal.WithLabelValues(name, string(from), string(to)).Inc()
				if logger == nil {
					return
				}
				if to == breaker.Open {
					logger.Printf("WARNING: breaker: %s %s -> %s", name, from, to)
				} else {
					logger.Printf("breaker: %s %s -> %s", name, from, to)
				}
			},
		}
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// execute runs fn through the named breaker. An engine without a registry
// refuses every guarded call rather than running unprotected.
func (e Engine) execute(ctx context.Context, resource string, fn func(ctx context.Context) error) error {
	if e.Breakers == nil {
		return ErrNoBreakers
	}
	return e.Breakers.Execute(ctx, resource, fn)
}

// detached keeps ctx's values but drops its cancellation, bounded by one
// storage call and its retry.
func (e Engine) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := 2 * e.config().Breaker(StorageResource).CallTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

func (e Engine) config() *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

// lockClaim serializes mutations of one claim.
func (e Engine) lockClaim(ctx context.Context, claimNumber string) (func(), error) {
	if e.Locks == nil {
		return func() {}, nil
	}
	return e.Locks.Lock(ctx, claimNumber)
}

// withTx runs fn in one transaction through the storage breaker. fn may be
// invoked twice when the first attempt fails on a resource error; each
// attempt starts from a fresh transaction.
func (e Engine) withTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	err := e.execute(ctx, StorageResource, func(ctx context.Context) error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return tx.Commit()
	})
	return e.degraded(StorageResource, err)
}

// read runs a non-transactional query through the storage breaker.
func (e Engine) read(ctx context.Context, fn func(ctx context.Context) error) error {
	return e.degraded(StorageResource, e.execute(ctx, StorageResource, fn))
}

// degraded turns resource failures into DegradedError and leaves domain errors alone.
func (e Engine) degraded(resource string, err error) error {
	if err == nil {
		return nil
	}
	var open *breaker.OpenError
	if errors.As(err, &open) {
		return &DegradedError{Resource: open.Resource, RetryAfter: open.RetryAfter, Err: err}
	}
	var ie *InvariantError
	if errors.As(err, &ie) {
		return err
	}
	if !IsResourceFailure(err) {
		return err
	}
	e.logf("WARNING: %s: %v", resource, err)
	return &DegradedError{Resource: resource, Err: err}
}

// observe records the outcome of a ledger operation.
func (e Engine) observe(op string, start time.Time, errp *error) {
	var err error
	if errp != nil {
		err = *errp
	}
	metrics.LedgerOperationsTotal.WithLabelValues(op, Kind(err)).Inc()
	metrics.LedgerOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// invariant logs and counts a violation and returns the error that aborts the tx.
func (e Engine) invariant(name, format string, args ...any) error {
	err := &InvariantError{Invariant: name, Detail: fmt.Sprintf(format, args...)}
	metrics.InvariantViolationsTotal.Inc()
	e.logf("CRITICAL: engine: %v", err)
	return err
}

func (e Engine) appendAudit(ctx context.Context, tx *sql.Tx, entry audit.Entry) error {
	w := e.Audit
	w.Now = e.now
	if w.Retention <= 0 {
		w.Retention = e.config().AuditRetention()
	}
	_, err := w.Append(ctx, tx, entry)
	return err
}

func requireActor(actor domain.Actor) error {
	if actor.ID == "" {
		return &ValidationError{Err: ErrActorRequired}
	}
	return nil
}

// AuditLog returns audit entries matching f.
func (e Engine) AuditLog(ctx context.Context, f audit.Filter) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	err := e.read(ctx, func(ctx context.Context) error {
		var err error
		out, err = audit.List(ctx, e.DB, f)
		return err
	})
	return out, err
}

// AuditCount returns how many entries concern the entity, directly or by reference.
func (e Engine) AuditCount(ctx context.Context, entityType domain.EntityType, entityID string) (int, error) {
	var n int
	err := e.read(ctx, func(ctx context.Context) error {
		var err error
		n, err = audit.Count(ctx, e.DB, entityType, entityID)
		return err
	})
	return n, err
}

// VerifyAudit walks the audit hash chain.
func (e Engine) VerifyAudit(ctx context.Context) (audit.VerifyReport, error) {
	var out audit.VerifyReport
	err := e.read(ctx, func(ctx context.Context) error {
		var err error
		out, err = audit.Verify(ctx, e.DB)
		return err
	})
	return out, err
}
