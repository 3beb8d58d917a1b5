package model

import "time"

// Circuit event type constants, used as the "event" field of notifier logs.
const (
	EventCircuitOpened    = "CIRCUIT_OPENED"
	EventCircuitHalfOpen  = "CIRCUIT_HALF_OPEN"
	EventCircuitRecovered = "CIRCUIT_RECOVERED"
)

// CircuitOpenedEvent is raised when a breaker trips, either from Closed or
// after a failed half-open probe.
type CircuitOpenedEvent struct {
	Model         string
	FailureCount  int
	RetryAfter    time.Duration
	FromHalfOpen  bool
	CircuitOpenAt time.Time
}

// CircuitRecoveredEvent is raised when a half-open probe succeeds.
type CircuitRecoveredEvent struct {
	Model       string
	OpenFor     time.Duration
	RecoveredAt time.Time
}
