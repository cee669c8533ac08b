package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int) (*Breaker, *fakeClock, *[]State) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	var transitions []State
	b := New("storage", Settings{
		Threshold: threshold,
		Window:    time.Minute,
		Recovery:  30 * time.Second,
		OnStateChange: func(_ string, _, to State) {
			transitions = append(transitions, to)
		},
	})
	b.Now = clock.Now
	return b, clock, &transitions
}

var errBoom = errors.New("boom")

func TestNextTransitions(t *testing.T) {
	cases := []struct {
		from State
		ev   Event
		want State
	}{
		{Closed, EventFailure, Closed},
		{Closed, EventTrip, Open},
		{Closed, EventSuccess, Closed},
		{Open, EventFailure, Open},
		{Open, EventRecoveryElapsed, HalfOpen},
		{HalfOpen, EventSuccess, Closed},
		{HalfOpen, EventFailure, Open},
		{Open, EventReset, Closed},
		{HalfOpen, EventReset, Closed},
	}
	for _, c := range cases {
		if got := Next(c.from, c.ev); got != c.want {
			t.Errorf("Next(%s, %d) = %s, want %s", c.from, c.ev, got, c.want)
		}
	}
}

func TestOpensAfterThresholdAndFailsFast(t *testing.T) {
	b, _, _ := newTestBreaker(3)
	var calls int32
	failing := func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errBoom
	}
	for i := 0; i < 3; i++ {
		if err := b.Execute(context.Background(), failing); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: expected boom, got %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 6 {
		t.Fatalf("expected one immediate retry per call (6 invocations), got %d", got)
	}
	if b.State() != Open {
		t.Fatalf("expected OPEN, got %s", b.State())
	}
	err := b.Execute(context.Background(), failing)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	var oe *OpenError
	if !errors.As(err, &oe) || oe.Resource != "storage" || oe.RetryAfter <= 0 {
		t.Fatalf("expected OpenError with retry hint, got %#v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 6 {
		t.Fatalf("underlying call must not run while OPEN, got %d invocations", got)
	}
}

func TestHalfOpenTrialClosesOnSuccess(t *testing.T) {
	b, clock, transitions := newTestBreaker(2)
	for i := 0; i < 2; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error { return errBoom })
	}
	clock.Advance(31 * time.Second)
	if b.State() != HalfOpen {
		t.Fatalf("expected HALF_OPEN after recovery, got %s", b.State())
	}
	ran := false
	if err := b.Execute(context.Background(), func(context.Context) error { ran = true; return nil }); err != nil {
		t.Fatalf("trial: %v", err)
	}
	if !ran || b.State() != Closed {
		t.Fatalf("expected trial to run and close the breaker, state %s", b.State())
	}
	want := []State{Open, HalfOpen, Closed}
	if len(*transitions) != len(want) {
		t.Fatalf("transitions %v, want %v", *transitions, want)
	}
	for i := range want {
		if (*transitions)[i] != want[i] {
			t.Fatalf("transitions %v, want %v", *transitions, want)
		}
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, clock, _ := newTestBreaker(1)
	_ = b.Execute(context.Background(), func(context.Context) error { return errBoom })
	firstOpen := *b.Snapshot().OpenedAt
	clock.Advance(30 * time.Second)
	_ = b.Execute(context.Background(), func(context.Context) error { return errBoom })
	snap := b.Snapshot()
	if snap.State != Open {
		t.Fatalf("expected OPEN after failed trial, got %s", snap.State)
	}
	if !snap.OpenedAt.After(firstOpen) {
		t.Fatalf("expected opened-at to reset, got %s (was %s)", snap.OpenedAt, firstOpen)
	}
}

func TestHalfOpenAdmitsSingleTrial(t *testing.T) {
	b, clock, _ := newTestBreaker(1)
	_ = b.Execute(context.Background(), func(context.Context) error { return errBoom })
	clock.Advance(time.Minute)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- b.Execute(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	if err := b.Execute(context.Background(), func(context.Context) error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second caller during trial should fail fast, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("trial: %v", err)
	}
	if b.State() != Closed {
		t.Fatalf("expected CLOSED after trial, got %s", b.State())
	}
}

func TestFailuresOutsideWindowDoNotTrip(t *testing.T) {
	b, clock, _ := newTestBreaker(2)
	_ = b.Execute(context.Background(), func(context.Context) error { return errBoom })
	clock.Advance(2 * time.Minute)
	_ = b.Execute(context.Background(), func(context.Context) error { return errBoom })
	if b.State() != Closed {
		t.Fatalf("failures spread beyond the window must not trip, got %s", b.State())
	}
}

func TestRetrySucceedsWithoutCounting(t *testing.T) {
	b, _, _ := newTestBreaker(1)
	var n int
	err := b.Execute(context.Background(), func(context.Context) error {
		n++
		if n == 1 {
			return errBoom
		}
		return nil
	})
	if err != nil || n != 2 {
		t.Fatalf("expected success on retry, err=%v n=%d", err, n)
	}
	if b.State() != Closed {
		t.Fatalf("a recovered retry must not open the breaker")
	}
}

func TestIgnoredErrorsDoNotCount(t *testing.T) {
	rejected := errors.New("rejected")
	b := New("storage", Settings{Threshold: 1, IsFailure: func(err error) bool {
		return err != nil && !errors.Is(err, rejected)
	}})
	var n int
	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error { n++; return rejected })
	}
	if n != 3 || b.State() != Closed {
		t.Fatalf("rejections are neither retried nor counted: n=%d state=%s", n, b.State())
	}
}

func TestResetForcesClosed(t *testing.T) {
	b, _, _ := newTestBreaker(1)
	_ = b.Execute(context.Background(), func(context.Context) error { return errBoom })
	if b.State() != Open {
		t.Fatalf("expected OPEN")
	}
	b.Reset()
	if b.State() != Closed {
		t.Fatalf("expected CLOSED after reset")
	}
	if err := b.Execute(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("call after reset: %v", err)
	}
}

func TestConcurrentTripHasSingleWinner(t *testing.T) {
	var opened int32
	b := New("rail-ACH", Settings{
		Threshold: 5,
		OnStateChange: func(_ string, _, to State) {
			if to == Open {
				atomic.AddInt32(&opened, 1)
			}
		},
	})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Execute(context.Background(), func(context.Context) error { return errBoom })
		}()
	}
	wg.Wait()
	if got := atomic.LoadInt32(&opened); got != 1 {
		t.Fatalf("expected exactly one CLOSED->OPEN transition, got %d", got)
	}
}

func TestCallTimeout(t *testing.T) {
	b := New("rail-WIRE", Settings{Threshold: 10, CallTimeout: 10 * time.Millisecond})
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(func(name string) Settings {
		if name == "storage" {
			return Settings{Threshold: 1}
		}
		return Settings{}
	})
	_ = r.Execute(context.Background(), "storage", func(context.Context) error { return errBoom })
	_ = r.Execute(context.Background(), "rail-ACH", func(context.Context) error { return nil })
	list := r.List()
	if len(list) != 2 || list[0].Name != "rail-ACH" || list[1].State != Open {
		t.Fatalf("unexpected listing %+v", list)
	}
	snap, err := r.Reset("storage")
	if err != nil || snap.State != Closed {
		t.Fatalf("reset: %+v %v", snap, err)
	}
	if _, err := r.Reset("nope"); !errors.Is(err, ErrUnknownBreaker) {
		t.Fatalf("expected unknown breaker, got %v", err)
	}
}
