package breaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var ErrUnknownBreaker = errors.New("unknown breaker")

// Registry holds one breaker per protected resource for the life of the process.
type Registry struct {
	settings func(name string) Settings
	now      func() time.Time

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry builds breakers lazily using settings(name).
func NewRegistry(settings func(name string) Settings) *Registry {
	if settings == nil {
		settings = func(string) Settings { return Settings{} }
	}
	return &Registry{settings: settings, breakers: make(map[string]*Breaker)}
}

// SetClock makes every breaker, existing and future, read time from now.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
	for _, b := range r.breakers {
		b.mu.Lock()
		b.Now = now
		b.mu.Unlock()
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.settings(name))
		if r.now != nil {
			b.Now = r.now
		}
		r.breakers[name] = b
	}
	return b
}

// Execute runs fn through the named breaker.
func (r *Registry) Execute(ctx context.Context, name string, fn func(context.Context) error) error {
	return r.Get(name).Execute(ctx, fn)
}

// List returns snapshots sorted by name.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	items := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		items = append(items, b)
	}
	r.mu.Unlock()
	out := make([]Snapshot, 0, len(items))
	for _, b := range items {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset forces the named breaker CLOSED.
func (r *Registry) Reset(name string) (Snapshot, error) {
	r.mu.Lock()
	b, ok := r.breakers[name]
	r.mu.Unlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownBreaker, name)
	}
	b.Reset()
	return b.Snapshot(), nil
}
