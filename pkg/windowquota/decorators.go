package windowquota

import (
	"context"
	"errors"
	"time"
)

// CircuitBreakerStore wraps a Store with circuit breaker protection.
type CircuitBreakerStore struct {
	store Store
	cb    CircuitBreaker
}

// NewCircuitBreakerStore creates a new store wrapper with circuit breaker.
func NewCircuitBreakerStore(store Store, cb CircuitBreaker) *CircuitBreakerStore {
	return &CircuitBreakerStore{store: store, cb: cb}
}

// Increment implements Store.
func (s *CircuitBreakerStore) Increment(ctx context.Context, req *IncrementRequest) (int, error) {
	var usage int
	err := s.cb.Execute(ctx, func() error {
		var e error
		usage, e = s.store.Increment(ctx, req)
		return e
	})
	return usage, err
}

// TimeoutStore bounds every call to the wrapped store.
type TimeoutStore struct {
	store   Store
	timeout time.Duration
}

// NewTimeoutStore returns store with each Increment limited to timeout.
func NewTimeoutStore(store Store, timeout time.Duration) *TimeoutStore {
	return &TimeoutStore{store: store, timeout: timeout}
}

// Increment implements Store.
func (s *TimeoutStore) Increment(ctx context.Context, req *IncrementRequest) (int, error) {
	if s.timeout <= 0 {
		return s.store.Increment(ctx, req)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.store.Increment(ctx, req)
}

// FallbackStore serves increments from a secondary store while the primary
// fails. Counters in the two stores are independent, so usage observed during
// an outage starts over on the secondary.
type FallbackStore struct {
	primary   Store
	secondary Store
	logger    Logger
	metrics   Metrics
}

// NewFallbackStore creates a FallbackStore. Logger and metrics may be nil.
func NewFallbackStore(primary, secondary Store, logger Logger, metrics Metrics) *FallbackStore {
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &FallbackStore{primary: primary, secondary: secondary, logger: logger, metrics: metrics}
}

// Increment implements Store.
func (s *FallbackStore) Increment(ctx context.Context, req *IncrementRequest) (int, error) {
	usage, err := s.primary.Increment(ctx, req)
	if err == nil || isRequestError(err) {
		return usage, err
	}
	if _, ok := IsQuotaExceeded(err); ok {
		return usage, err
	}

	reason := "storage_error"
	if errors.Is(err, ErrCircuitOpen) {
		reason = "circuit_open"
	} else if ctx.Err() != nil {
		return 0, err
	}

	s.logger.Warn("primary quota store failed, using fallback",
		String("key", req.Key),
		String("reason", reason),
		Err(err),
	)
	s.metrics.RecordFallback(reason)
	return s.secondary.Increment(ctx, req)
}

// InstrumentedStore records latency and errors of the wrapped store.
type InstrumentedStore struct {
	store   Store
	backend string
	metrics Metrics
}

// NewInstrumentedStore labels calls to store with backend.
func NewInstrumentedStore(store Store, backend string, metrics Metrics) *InstrumentedStore {
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &InstrumentedStore{store: store, backend: backend, metrics: metrics}
}

// Increment implements Store.
func (s *InstrumentedStore) Increment(ctx context.Context, req *IncrementRequest) (int, error) {
	start := time.Now()
	usage, err := s.store.Increment(ctx, req)
	s.metrics.RecordIncrement(s.backend, time.Since(start), err)
	return usage, err
}
