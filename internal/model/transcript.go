package model

import "time"

// TurnRecord is one entry of a conversation history. Speaker is the
// participant role for assistant turns.
type TurnRecord struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Speaker string `json:"speaker,omitempty"`
}

// Transcript is a finished conversation as exported to the memory store.
type Transcript struct {
	ID               string            `json:"id"`
	Topic            string            `json:"topic"`
	Result           string            `json:"result"`
	ConsensusReached bool              `json:"consensus_reached"`
	Turns            int               `json:"turns"`
	History          []TurnRecord      `json:"history"`
	Metadata         map[string]string `json:"metadata"`
	CreatedAt        time.Time         `json:"created_at"`
}
