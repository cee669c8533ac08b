// Package breaker guards calls to storage and payment rails with a per-resource
// circuit breaker: CLOSED passes calls, OPEN fails fast, HALF_OPEN admits a
// single trial.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

type Event int

const (
	EventSuccess Event = iota
	EventFailure
	EventTrip
	EventRecoveryElapsed
	EventReset
)

// Next is the breaker's transition function. EventFailure is a failure that
// did not reach the threshold; EventTrip is one that did.
func Next(s State, ev Event) State {
	if ev == EventReset {
		return Closed
	}
	switch s {
	case Closed:
		if ev == EventTrip {
			return Open
		}
		return Closed
	case Open:
		if ev == EventRecoveryElapsed {
			return HalfOpen
		}
		return Open
	case HalfOpen:
		switch ev {
		case EventSuccess:
			return Closed
		case EventFailure, EventTrip:
			return Open
		}
		return HalfOpen
	}
	return s
}

// ErrCircuitOpen is returned without invoking the protected call.
var ErrCircuitOpen = errors.New("circuit open")

// OpenError carries the resource and the time left before a trial is allowed.
type OpenError struct {
	Resource   string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s: circuit open (retry after %s)", e.Resource, e.RetryAfter.Round(time.Second))
}

func (e *OpenError) Unwrap() error { return ErrCircuitOpen }

type Settings struct {
	Threshold   int
	Window      time.Duration
	Recovery    time.Duration
	CallTimeout time.Duration
	// IsFailure decides whether an error counts against the breaker and is
	// retried. Nil counts every error except caller cancellation.
	IsFailure func(error) bool
	// OnStateChange runs outside the breaker lock.
	OnStateChange func(name string, from, to State)
}

const (
	DefaultThreshold   = 5
	DefaultWindow      = 60 * time.Second
	DefaultRecovery    = 30 * time.Second
	DefaultCallTimeout = 5 * time.Second
)

func (s Settings) withDefaults() Settings {
	if s.Threshold <= 0 {
		s.Threshold = DefaultThreshold
	}
	if s.Window <= 0 {
		s.Window = DefaultWindow
	}
	if s.Recovery <= 0 {
		s.Recovery = DefaultRecovery
	}
	if s.CallTimeout <= 0 {
		s.CallTimeout = DefaultCallTimeout
	}
	if s.IsFailure == nil {
		s.IsFailure = defaultIsFailure
	}
	return s
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name        string     `json:"name"`
	State       State      `json:"state" enum:"CLOSED,OPEN,HALF_OPEN"`
	Failures    int        `json:"failures"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
	OpenedAt    *time.Time `json:"opened_at,omitempty"`
}

type Breaker struct {
	name     string
	settings Settings
	Now      func() time.Time

	mu          sync.Mutex
	state       State
	generation  uint64
	failures    []time.Time
	lastFailure time.Time
	openedAt    time.Time
	trial       bool
}

func New(name string, s Settings) *Breaker {
	return &Breaker{
		name:     name,
		settings: s.withDefaults(),
		Now:      time.Now,
		state:    Closed,
	}
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// Execute runs fn under the breaker. A counted failure while CLOSED or
// HALF_OPEN is retried once immediately before it is recorded.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	gen, trial, err := b.admit()
	if err != nil {
		return err
	}
	err = b.call(ctx, fn)
	if b.settings.IsFailure(err) && ctx.Err() == nil {
		err = b.call(ctx, fn)
	}
	b.record(gen, trial, err)
	return err
}

func (b *Breaker) call(ctx context.Context, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, b.settings.CallTimeout)
	defer cancel()
	return fn(cctx)
}

func (b *Breaker) admit() (uint64, bool, error) {
	b.mu.Lock()
	var changes []change
	now := b.now()
	if b.state == Open {
		if now.Sub(b.openedAt) >= b.settings.Recovery {
			changes = append(changes, b.apply(EventRecoveryElapsed, now))
		} else {
			retry := b.settings.Recovery - now.Sub(b.openedAt)
			b.mu.Unlock()
			return 0, false, &OpenError{Resource: b.name, RetryAfter: retry}
		}
	}
	trial := false
	if b.state == HalfOpen {
		if b.trial {
			b.mu.Unlock()
			b.notify(changes)
			return 0, false, &OpenError{Resource: b.name}
		}
		b.trial = true
		trial = true
	}
	gen := b.generation
	b.mu.Unlock()
	b.notify(changes)
	return gen, trial, nil
}

func (b *Breaker) record(gen uint64, trial bool, err error) {
	b.mu.Lock()
	if gen != b.generation {
		// The breaker changed state while this call ran; its outcome belongs
		// to a previous generation.
		b.mu.Unlock()
		return
	}
	if trial {
		b.trial = false
	}
	now := b.now()
	var changes []change
	switch {
	case b.settings.IsFailure(err):
		b.lastFailure = now
		b.failures = append(pruned(b.failures, now.Add(-b.settings.Window)), now)
		ev := EventFailure
		if len(b.failures) >= b.settings.Threshold {
			ev = EventTrip
		}
		changes = append(changes, b.apply(ev, now))
	case errors.Is(err, context.Canceled):
		// the caller gave up; no verdict on the resource
	default:
		// nil or a rejection the resource itself produced
		b.failures = b.failures[:0]
		changes = append(changes, b.apply(EventSuccess, now))
	}
	b.mu.Unlock()
	b.notify(changes)
}

type change struct{ from, to State }

// apply runs the transition and resets per-state bookkeeping. Callers hold mu.
func (b *Breaker) apply(ev Event, now time.Time) change {
	from := b.state
	to := Next(from, ev)
	if from == to {
		return change{from, to}
	}
	b.state = to
	b.generation++
	b.trial = false
	switch to {
	case Open:
		b.openedAt = now
		b.failures = b.failures[:0]
	case Closed:
		b.failures = b.failures[:0]
		b.openedAt = time.Time{}
	}
	return change{from, to}
}

func (b *Breaker) notify(changes []change) {
	if b.settings.OnStateChange == nil {
		return
	}
	for _, c := range changes {
		if c.from != c.to {
			b.settings.OnStateChange(b.name, c.from, c.to)
		}
	}
}

func pruned(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for _, t := range ts {
		if t.After(cutoff) {
			ts[i] = t
			i++
		}
	}
	return ts[:i]
}

// Reset forces the breaker CLOSED regardless of counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	c := b.apply(EventReset, b.now())
	b.failures = b.failures[:0]
	b.mu.Unlock()
	b.notify([]change{c})
}

// State reports the current state, resolving an elapsed recovery timeout to
// HALF_OPEN without admitting a call.
func (b *Breaker) State() State {
	return b.Snapshot().State
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{Name: b.name, State: b.state, Failures: len(b.failures)}
	if b.state == Open && b.now().Sub(b.openedAt) >= b.settings.Recovery {
		s.State = HalfOpen
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		s.LastFailure = &t
	}
	if !b.openedAt.IsZero() {
		t := b.openedAt
		s.OpenedAt = &t
	}
	return s
}
