package windowquota

import "time"

// Decision is the outcome of an enforcement check.
type Decision string

const (
	// DecisionAllowed means usage stayed within the limit.
	DecisionAllowed Decision = "allowed"
	// DecisionWarned means the limit was breached in log-only mode.
	DecisionWarned Decision = "warned"
	// DecisionBlocked means the limit was breached and the request was rejected.
	DecisionBlocked Decision = "blocked"
	// DecisionFailedOpen means the store failed and the request proceeded.
	DecisionFailedOpen Decision = "failed_open"
	// DecisionFailedClosed means the store failed and the request was rejected.
	DecisionFailedClosed Decision = "failed_closed"
)

// Metrics defines the interface for tracking quota operations.
type Metrics interface {
	// RecordIncrement records the latency and status of a Store.Increment call.
	RecordIncrement(backend string, duration time.Duration, err error)

	// RecordDecision records an enforcement decision.
	RecordDecision(decision Decision)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)

	// RecordFallback records an increment served by a fallback store.
	RecordFallback(reason string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordIncrement(backend string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordDecision(decision Decision)                                {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                    {}
func (n *NoopMetrics) RecordFallback(reason string)                                    {}
