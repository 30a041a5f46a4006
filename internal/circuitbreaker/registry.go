package circuitbreaker

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Registry owns one Breaker per route name. Breakers are created lazily on
// first use and live for the life of the process.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	logger   *slog.Logger
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		logger:   logger,
		now:      time.Now,
	}
}

// GetOrCreate returns the breaker for name, creating it with policy p if it
// does not exist yet. The policy of an existing breaker is left unchanged.
func (r *Registry) GetOrCreate(name string, p Policy) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = newBreaker(name, p, r.logger, r.now)
	r.breakers[name] = b
	return b
}

// Get returns the breaker for name if it has been created.
func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Permit asks the named breaker for permission to call, creating the
// breaker if needed.
func (r *Registry) Permit(name string, p Policy) (Ticket, error) {
	return r.GetOrCreate(name, p).Permit()
}

// Record reports a call outcome against the ticket's breaker.
func (r *Registry) Record(t Ticket, failed bool, d time.Duration) {
	if t.breaker == nil {
		return
	}
	t.breaker.Record(t, failed, d)
}

// Release hands a ticket back without recording an outcome.
func (r *Registry) Release(t Ticket) {
	if t.breaker == nil {
		return
	}
	t.breaker.Release(t)
}

// Reset forces the named breaker to CLOSED and clears its window.
func (r *Registry) Reset(name string) error {
	b, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBreaker, name)
	}
	b.Reset()
	r.logger.Info("circuit breaker reset", "route", name)
	return nil
}

// Snapshot returns the named breaker's snapshot.
func (r *Registry) Snapshot(name string) (Snapshot, error) {
	b, ok := r.Get(name)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownBreaker, name)
	}
	return b.Snapshot(), nil
}

// Names returns the names of all created breakers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// States returns the current state of every breaker keyed by name.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}

// Snapshots returns a snapshot of every breaker, sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	names := r.Names()
	out := make([]Snapshot, 0, len(names))
	for _, name := range names {
		if b, ok := r.Get(name); ok {
			out = append(out, b.Snapshot())
		}
	}
	return out
}
