package model

import "time"

// CircuitState is the position of a per-model circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

func (s CircuitState) String() string {
	return string(s)
}

// CircuitSnapshot is a point-in-time copy of one breaker, used for the
// Redis snapshot and the /v1/circuits view.
type CircuitSnapshot struct {
	Model          string        `json:"model"`
	State          CircuitState  `json:"state"`
	FailureCount   int           `json:"failure_count"`
	CurrentTimeout time.Duration `json:"current_timeout"`
	LastFailureAt  *time.Time    `json:"last_failure_at,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}
