package circuitbreaker

import "github.com/oarthurfc/delivery-app/internal/metrics"

// bulkhead caps the number of concurrent upstream calls for one route.
// Acquisition never blocks; a full bulkhead rejects the call.
type bulkhead struct {
	sem   chan struct{}
	route string
}

// newBulkhead returns nil when max is not positive.
func newBulkhead(route string, max int) *bulkhead {
	if max <= 0 {
		return nil
	}
	return &bulkhead{sem: make(chan struct{}, max), route: route}
}

func (b *bulkhead) tryAcquire() bool {
	select {
	case b.sem <- struct{}{}:
		metrics.BulkheadInFlight.WithLabelValues(b.route).Set(float64(len(b.sem)))
		return true
	default:
		return false
	}
}

// release frees a slot. Must be called exactly once per successful tryAcquire.
func (b *bulkhead) release() {
	<-b.sem
	metrics.BulkheadInFlight.WithLabelValues(b.route).Set(float64(len(b.sem)))
}

func (b *bulkhead) inFlight() int {
	return len(b.sem)
}
