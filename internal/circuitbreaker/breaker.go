// Package circuitbreaker implements the per-route circuit breaker state
// machine and the registry that owns one breaker per route.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oarthurfc/delivery-app/internal/config"
	"github.com/oarthurfc/delivery-app/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; calls pass through.
	StateOpen                  // Failing; calls are rejected immediately.
	StateHalfOpen              // Probing; a fixed number of trial calls allowed.
)

// String returns the state name used on the status endpoint.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state as its name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrNotPermitted is wrapped by every rejection returned from Permit.
var ErrNotPermitted = errors.New("call not permitted")

var (
	ErrOpen           = fmt.Errorf("%w: circuit breaker is open", ErrNotPermitted)
	ErrHalfOpenFull   = fmt.Errorf("%w: half-open trial quota exhausted", ErrNotPermitted)
	ErrBulkheadFull   = fmt.Errorf("%w: concurrency limit reached", ErrNotPermitted)
	ErrUnknownBreaker = errors.New("circuit breaker not found")
)

// Policy holds the thresholds of one breaker. Rates are percentages.
type Policy struct {
	FailureRateThreshold          float64
	SlowCallRateThreshold         float64
	SlowCallDuration              time.Duration
	MinimumNumberOfCalls          int
	SlidingWindowSize             int
	WaitDurationInOpenState       time.Duration
	PermittedCallsInHalfOpenState int
	MaxConcurrentCalls            int // 0 disables the bulkhead
}

// PolicyFromConfig converts a validated breaker config into a Policy.
func PolicyFromConfig(c config.CircuitBreakerConfig) Policy {
	p := Policy{
		FailureRateThreshold:          c.FailureRateThreshold,
		SlowCallRateThreshold:         c.SlowCallRateThreshold,
		SlowCallDuration:              c.SlowCallDuration,
		MinimumNumberOfCalls:          c.MinimumNumberOfCalls,
		SlidingWindowSize:             c.SlidingWindowSize,
		WaitDurationInOpenState:       c.WaitDurationInOpenState,
		PermittedCallsInHalfOpenState: c.PermittedCallsInHalfOpenState,
		MaxConcurrentCalls:            c.MaxConcurrentCalls,
	}
	if p.SlidingWindowSize < p.MinimumNumberOfCalls {
		p.SlidingWindowSize = p.MinimumNumberOfCalls
	}
	return p
}

// Ticket is handed out by Permit and must be passed back to Record exactly
// once when the call completes.
type Ticket struct {
	breaker    *Breaker
	generation uint64
	bulkhead   bool
}

// Name returns the breaker the ticket belongs to.
func (t Ticket) Name() string {
	if t.breaker == nil {
		return ""
	}
	return t.breaker.name
}

// Snapshot is a point-in-time view of a breaker. Rates are -1 until the
// window holds at least MinimumNumberOfCalls outcomes.
type Snapshot struct {
	Name                        string  `json:"name"`
	State                       State   `json:"state"`
	FailureRate                 float64 `json:"failureRate"`
	SlowCallRate                float64 `json:"slowCallRate"`
	NumberOfBufferedCalls       int     `json:"numberOfBufferedCalls"`
	NumberOfSuccessfulCalls     int     `json:"numberOfSuccessfulCalls"`
	NumberOfFailedCalls         int     `json:"numberOfFailedCalls"`
	NumberOfSlowCalls           int     `json:"numberOfSlowCalls"`
	NumberOfSlowSuccessfulCalls int     `json:"numberOfSlowSuccessfulCalls"`
	NumberOfSlowFailedCalls     int     `json:"numberOfSlowFailedCalls"`
	NumberOfNotPermittedCalls   int64   `json:"numberOfNotPermittedCalls"`
}

// halfOpenTrials counts trial calls during one HALF_OPEN period.
type halfOpenTrials struct {
	permitted int
	completed int
	succeeded int
	slow      int
}

// Breaker is the state machine for a single route. All fields are guarded
// by mu; the bulkhead semaphore is not.
type Breaker struct {
	mu sync.Mutex

	name   string
	policy Policy
	logger *slog.Logger
	now    func() time.Time

	state          State
	generation     uint64 // bumped on every transition
	lastTransition time.Time
	window         *window
	trials         halfOpenTrials
	notPermitted   int64

	bulkhead *bulkhead
}

func newBreaker(name string, p Policy, logger *slog.Logger, now func() time.Time) *Breaker {
	b := &Breaker{
		name:           name,
		policy:         p,
		logger:         logger,
		now:            now,
		state:          StateClosed,
		lastTransition: now(),
		window:         newWindow(p.SlidingWindowSize),
		bulkhead:       newBulkhead(name, p.MaxConcurrentCalls),
	}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// Name returns the route name the breaker protects.
func (b *Breaker) Name() string { return b.name }

// Policy returns the breaker's thresholds.
func (b *Breaker) Policy() Policy { return b.policy }

// State returns the current state. An OPEN breaker whose wait has elapsed
// moves to HALF_OPEN here, without waiting for traffic.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	return b.state
}

// refresh applies the time-driven OPEN to HALF_OPEN transition. Must be
// called with b.mu held.
func (b *Breaker) refresh() {
	if b.state == StateOpen && b.now().Sub(b.lastTransition) >= b.policy.WaitDurationInOpenState {
		b.transitionTo(StateHalfOpen)
	}
}

// Permit asks for permission to make one upstream call.
func (b *Breaker) Permit() (Ticket, error) {
	acquired := false
	if b.bulkhead != nil {
		if !b.bulkhead.tryAcquire() {
			b.reject("bulkhead_full")
			return Ticket{}, ErrBulkheadFull
		}
		acquired = true
	}

	b.mu.Lock()
	err := b.admit()
	t := Ticket{breaker: b, generation: b.generation, bulkhead: acquired}
	b.mu.Unlock()

	if err != nil {
		if acquired {
			b.bulkhead.release()
		}
		return Ticket{}, err
	}
	return t, nil
}

// admit applies the state rules for a new call. Must be called with b.mu held.
func (b *Breaker) admit() error {
	b.refresh()
	if b.state == StateOpen {
		b.notPermitted++
		b.reject("open")
		return ErrOpen
	}
	if b.state == StateHalfOpen {
		if b.trials.permitted >= b.policy.PermittedCallsInHalfOpenState {
			b.notPermitted++
			b.reject("half_open_full")
			return ErrHalfOpenFull
		}
		b.trials.permitted++
	}
	return nil
}

func (b *Breaker) reject(reason string) {
	metrics.CircuitBreakerRejections.WithLabelValues(b.name, reason).Inc()
}

// Record reports the outcome of a permitted call. A call is slow when it
// took longer than SlowCallDuration, whether it failed or not. Outcomes for
// tickets issued before the last state transition are discarded.
func (b *Breaker) Record(t Ticket, failed bool, d time.Duration) {
	if t.bulkhead {
		b.bulkhead.release()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if t.generation != b.generation {
		return
	}

	o := classify(failed, d, b.policy.SlowCallDuration)
	b.window.add(o)

	switch b.state {
	case StateClosed:
		if b.window.count < b.policy.MinimumNumberOfCalls {
			return
		}
		if b.window.failureRate() >= b.policy.FailureRateThreshold ||
			b.window.slowRate() >= b.policy.SlowCallRateThreshold {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		b.trials.completed++
		if o.failed() {
			b.transitionTo(StateOpen)
			return
		}
		if o.slow() {
			b.trials.slow++
			quota := float64(b.policy.PermittedCallsInHalfOpenState)
			if float64(b.trials.slow)*100/quota >= b.policy.SlowCallRateThreshold {
				b.transitionTo(StateOpen)
				return
			}
		} else {
			b.trials.succeeded++
		}
		if b.trials.completed >= b.policy.PermittedCallsInHalfOpenState {
			b.transitionTo(StateClosed)
		}
	}
}

// Release returns a ticket without recording an outcome, for calls that
// ended for reasons unrelated to the upstream such as a client disconnect.
// A half-open trial permit is handed back to the quota.
func (b *Breaker) Release(t Ticket) {
	if t.bulkhead {
		b.bulkhead.release()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t.generation == b.generation && b.state == StateHalfOpen && b.trials.permitted > b.trials.completed {
		b.trials.permitted--
	}
}

// Reset forces the breaker to CLOSED with an empty window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateClosed {
		b.generation++
		b.window.reset()
		b.trials = halfOpenTrials{}
		return
	}
	b.transitionTo(StateClosed)
}

// Snapshot returns the breaker's current state and window statistics.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()

	w := b.window
	s := Snapshot{
		Name:                        b.name,
		State:                       b.state,
		FailureRate:                 -1,
		SlowCallRate:                -1,
		NumberOfBufferedCalls:       w.count,
		NumberOfSuccessfulCalls:     w.count - w.failures,
		NumberOfFailedCalls:         w.failures,
		NumberOfSlowCalls:           w.slow,
		NumberOfSlowSuccessfulCalls: w.slow - w.slowFailures,
		NumberOfSlowFailedCalls:     w.slowFailures,
		NumberOfNotPermittedCalls:   b.notPermitted,
	}
	if w.count >= b.policy.MinimumNumberOfCalls {
		s.FailureRate = w.failureRate()
		s.SlowCallRate = w.slowRate()
	}
	return s
}

// transitionTo changes the state, emitting metrics and a log line.
// Must be called with b.mu held.
func (b *Breaker) transitionTo(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.generation++
	b.lastTransition = b.now()
	b.trials = halfOpenTrials{}

	switch to {
	case StateClosed, StateHalfOpen:
		b.window.reset()
	}

	metrics.CircuitBreakerStateChanges.WithLabelValues(b.name, from.String(), to.String()).Inc()
	metrics.CircuitBreakerState.WithLabelValues(b.name).Set(float64(to))

	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	b.logger.Log(context.Background(), level, "circuit breaker state change",
		"route", b.name,
		"from", from.String(),
		"to", to.String(),
	)
}
