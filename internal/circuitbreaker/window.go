package circuitbreaker

import "time"

// outcome is one call result in the sliding window.
type outcome uint8

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeSlowSuccess
	outcomeSlowFailure
)

func classify(failed bool, d, slowThreshold time.Duration) outcome {
	slow := d > slowThreshold
	switch {
	case failed && slow:
		return outcomeSlowFailure
	case failed:
		return outcomeFailure
	case slow:
		return outcomeSlowSuccess
	default:
		return outcomeSuccess
	}
}

func (o outcome) failed() bool { return o == outcomeFailure || o == outcomeSlowFailure }
func (o outcome) slow() bool   { return o == outcomeSlowSuccess || o == outcomeSlowFailure }

// window is a count-based sliding window over the last size outcomes,
// implemented as a ring buffer with running totals.
type window struct {
	buf          []outcome
	head         int // next write position
	count        int
	failures     int
	slow         int
	slowFailures int
}

func newWindow(size int) *window {
	if size < 1 {
		size = 1
	}
	return &window{buf: make([]outcome, size)}
}

func (w *window) add(o outcome) {
	if w.count == len(w.buf) {
		w.tally(w.buf[w.head], -1)
	} else {
		w.count++
	}
	w.buf[w.head] = o
	w.tally(o, 1)
	w.head = (w.head + 1) % len(w.buf)
}

func (w *window) tally(o outcome, delta int) {
	if o.failed() {
		w.failures += delta
	}
	if o.slow() {
		w.slow += delta
	}
	if o == outcomeSlowFailure {
		w.slowFailures += delta
	}
}

func (w *window) reset() {
	w.head, w.count, w.failures, w.slow, w.slowFailures = 0, 0, 0, 0, 0
}

// failureRate returns the failure percentage of the buffered outcomes.
func (w *window) failureRate() float64 {
	if w.count == 0 {
		return 0
	}
	return float64(w.failures) * 100 / float64(w.count)
}

// slowRate returns the slow-call percentage of the buffered outcomes.
func (w *window) slowRate() float64 {
	if w.count == 0 {
		return 0
	}
	return float64(w.slow) * 100 / float64(w.count)
}
