// Package service exposes the orchestration core over HTTP.
package service

import (
	"github.com/google/wire"
)

// ProviderSet is service providers.
var ProviderSet = wire.NewSet(NewConversationService, NewCompletionService, NewUsageService)

// Operation names, set on every request for middleware and logs.
const (
	OperationStartConversation = "/metacrew.v1.Conversation/StartConversation"
	OperationGetConversation   = "/metacrew.v1.Conversation/GetConversation"
	OperationListConversations = "/metacrew.v1.Conversation/ListConversations"
	OperationChatCompletion    = "/metacrew.v1.Completion/ChatCompletion"
	OperationListModels        = "/metacrew.v1.Completion/ListModels"
	OperationListFreeModels    = "/metacrew.v1.Completion/ListFreeModels"
	OperationListCircuits      = "/metacrew.v1.Completion/ListCircuits"
	OperationGetUsage          = "/metacrew.v1.Usage/GetUsage"
)
