package model

import "time"

// Completion audit outcomes.
const (
	AuditOutcomeSuccess     = "success"
	AuditOutcomeRateLimited = "rate_limited"
	AuditOutcomeError       = "error"
)

// CompletionRecord is one outbound completion attempt as handed to the
// audit sinks: (model, role, status, response or error).
type CompletionRecord struct {
	RequestID      string    `json:"request_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Model          string    `json:"model"`
	Role           string    `json:"role,omitempty"`
	Status         int       `json:"status"`
	Outcome        string    `json:"outcome"`
	Attempt        int       `json:"attempt"`
	LatencyMs      int64     `json:"latency_ms"`
	TotalTokens    int       `json:"total_tokens,omitempty"`
	Response       string    `json:"response,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
