// Package biz holds the orchestration core: circuit breakers, model
// rotation, rate limiting, the retrying completion adapter and the
// collaborative conversation engine.
package biz

import (
	"MetaCrew/internal/data"
	"MetaCrew/pkg/openrouter"

	"github.com/google/wire"
)

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewCircuitRegistry,
	NewTokenBucketLimiter,
	NewCredentialStore,
	NewCapabilityTable,
	NewCompletionCache,
	NewCompletionUsecase,
	NewConversationUsecase,
	NewUsageUsecase,
	// Import data layer providers
	data.NewCircuitStateRepo,
	data.NewTranscriptRepo,
	data.NewAuditLogger,
	data.NewUsageRepo,
	data.NewLogCircuitNotifier,
	// Bind data layer implementations to biz layer interfaces
	wire.Bind(new(CircuitNotifier), new(*data.LogCircuitNotifier)),
	wire.Bind(new(CircuitStateRepo), new(*data.CircuitStateRepo)),
	wire.Bind(new(TranscriptRepo), new(*data.TranscriptRepo)),
	wire.Bind(new(AuditLogger), new(*data.AuditLogger)),
	wire.Bind(new(UsageRepo), new(*data.UsageRepo)),
	wire.Bind(new(ChatSender), new(*openrouter.Client)),
	wire.Bind(new(ModelCatalog), new(*openrouter.Client)),
	wire.Bind(new(Completer), new(*CompletionUsecase)),
)
