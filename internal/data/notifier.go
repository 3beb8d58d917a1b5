package data

import (
	"context"

	"MetaCrew/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// LogCircuitNotifier reports breaker trips and recoveries as structured log
// events. It implements the biz CircuitNotifier interface.
type LogCircuitNotifier struct {
	logger *log.Helper
}

// NewLogCircuitNotifier creates a new log based circuit notifier
func NewLogCircuitNotifier(logger log.Logger) *LogCircuitNotifier {
	return &LogCircuitNotifier{
		logger: log.NewHelper(logger),
	}
}

// NotifyCircuitOpened logs a CIRCUIT_OPENED event.
func (s *LogCircuitNotifier) NotifyCircuitOpened(_ context.Context, event *model.CircuitOpenedEvent) error {
	s.logger.Warnw("msg", "circuit opened",
		"event", model.EventCircuitOpened,
		"model", event.Model,
		"failure_count", event.FailureCount,
		"retry_after", event.RetryAfter.String(),
		"from_half_open", event.FromHalfOpen,
		"circuit_open_at", event.CircuitOpenAt)
	return nil
}

// NotifyCircuitRecovered logs a CIRCUIT_RECOVERED event.
func (s *LogCircuitNotifier) NotifyCircuitRecovered(_ context.Context, event *model.CircuitRecoveredEvent) error {
	s.logger.Infow("msg", "circuit recovered",
		"event", model.EventCircuitRecovered,
		"model", event.Model,
		"open_for", event.OpenFor.String(),
		"recovered_at", event.RecoveredAt)
	return nil
}
