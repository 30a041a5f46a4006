// Package retry re-runs a proxied attempt under a bounded policy with
// jittered exponential backoff between attempts.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/oarthurfc/delivery-app/internal/config"
)

// ErrExhausted is returned by Do when every allowed attempt asked to be
// retried.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy bounds the attempts made for one logical request.
type Policy struct {
	MaxAttempts       int // total, including the first attempt
	RetryableStatuses map[int]bool
	Methods           map[string]bool // request methods that may be re-sent
	Backoff           Backoff
}

// Backoff configures the delay before each re-attempt. A zero Initial means
// immediate re-attempt.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64 // fraction of the computed delay added at random
}

// PolicyFromConfig converts a validated retry config into a Policy.
func PolicyFromConfig(c config.RetryConfig) Policy {
	statuses := make(map[int]bool, len(c.RetryableStatuses))
	for _, s := range c.RetryableStatuses {
		statuses[s] = true
	}
	methods := make(map[string]bool, len(c.Methods))
	for _, m := range c.Methods {
		methods[strings.ToUpper(m)] = true
	}
	return Policy{
		MaxAttempts:       c.MaxAttempts,
		RetryableStatuses: statuses,
		Methods:           methods,
		Backoff: Backoff{
			Initial:    c.Backoff.Initial,
			Max:        c.Backoff.Max,
			Multiplier: c.Backoff.Multiplier,
			Jitter:     c.Backoff.Jitter,
		},
	}
}

// RetryableStatus reports whether an upstream status should be re-attempted.
func (p Policy) RetryableStatus(status int) bool {
	return p.RetryableStatuses[status]
}

// RetryableMethod reports whether a request with the given method may be
// sent more than once.
func (p Policy) RetryableMethod(method string) bool {
	return p.Methods[method]
}

// Delay returns the wait before re-attempt number retry (0 for the first
// re-attempt). r supplies a value in [0, 1) for the jitter.
func (b Backoff) Delay(retry int, r float64) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Initial) * math.Pow(mult, float64(retry))
	d += d * b.Jitter * r
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	return time.Duration(d)
}

// Verdict is what an attempt tells the executor to do next.
type Verdict int

const (
	Done  Verdict = iota // stop; the attempt's result is final
	Again                // the attempt hit a transient failure
)

// AttemptFunc performs attempt number n (starting at 1).
type AttemptFunc func(ctx context.Context, n int) Verdict

// Executor drives attempts. Attempts of one logical request run
// sequentially; separate requests use independent loops.
type Executor struct {
	sleep func(ctx context.Context, d time.Duration) error
	rand  func() float64
}

// NewExecutor returns an Executor that sleeps on the wall clock.
func NewExecutor() *Executor {
	return &Executor{sleep: sleepContext, rand: rand.Float64}
}

// Do runs attempt until it returns Done or p.MaxAttempts attempts have
// been made. It returns the number of attempts made and ErrExhausted when
// the last attempt still asked for another, or the context error when the
// context ended before or during a backoff wait.
func (e *Executor) Do(ctx context.Context, p Policy, attempt AttemptFunc) (int, error) {
	limit := p.MaxAttempts
	if limit < 1 {
		limit = 1
	}
	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return n - 1, err
		}
		if attempt(ctx, n) == Done {
			return n, nil
		}
		if n >= limit {
			return n, ErrExhausted
		}
		if d := p.Backoff.Delay(n-1, e.rand()); d > 0 {
			if err := e.sleep(ctx, d); err != nil {
				return n, err
			}
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
