package biz

import (
	"context"

	"MetaCrew/internal/model"
)

// The interfaces below are implemented in the data layer. Every one of
// them is optional: a nil value disables the collaborator.

// CircuitNotifier is told about breaker trips and recoveries.
type CircuitNotifier interface {
	NotifyCircuitOpened(ctx context.Context, event *model.CircuitOpenedEvent) error
	NotifyCircuitRecovered(ctx context.Context, event *model.CircuitRecoveredEvent) error
}

// CircuitStateRepo persists breaker snapshots across restarts.
type CircuitStateRepo interface {
	SaveCircuitState(ctx context.Context, snapshot *model.CircuitSnapshot) error
	LoadCircuitStates(ctx context.Context) ([]*model.CircuitSnapshot, error)
}

// AuditLogger receives one record per completion attempt. Implementations
// must not block the caller.
type AuditLogger interface {
	LogCompletion(ctx context.Context, record *model.CompletionRecord)
}

// TranscriptRepo stores finished conversations.
type TranscriptRepo interface {
	SaveTranscript(ctx context.Context, transcript *model.Transcript) error
	GetTranscript(ctx context.Context, id string) (*model.Transcript, error)
	ListTranscripts(ctx context.Context, limit int) ([]string, error)
}

type noopAuditLogger struct{}

func (noopAuditLogger) LogCompletion(context.Context, *model.CompletionRecord) {}
