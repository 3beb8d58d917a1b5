package openrouter

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// Message is one chat message. Name is set on assistant turns that belong
// to a named conversation participant.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ChatRequest is the body of POST /chat/completions.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type ChatResponse struct {
	ID      string   `json:"id,omitempty"`
	Model   string   `json:"model,omitempty"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Content returns the first choice's message text.
func (r *ChatResponse) Content() (string, bool) {
	if r == nil || len(r.Choices) == 0 {
		return "", false
	}
	return r.Choices[0].Message.Content, true
}

// Model describes one entry of GET /models.
type Model struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	ContextLength int     `json:"context_length"`
	Pricing       Pricing `json:"pricing"`
}

// Pricing holds per-token prices as decimal strings, e.g. "0.000003".
type Pricing struct {
	Prompt     string `json:"prompt"`
	Completion string `json:"completion"`
}

// IsFree reports whether prompt tokens cost nothing.
func (m Model) IsFree() bool {
	p, err := strconv.ParseFloat(strings.TrimSpace(m.Pricing.Prompt), 64)
	return err == nil && p == 0
}

type modelsResponse struct {
	Data []Model `json:"data"`
}

// ErrorResponse is the JSON error envelope returned on non-200 responses.
type ErrorResponse struct {
	Error struct {
		Message string          `json:"message"`
		Code    json.RawMessage `json:"code,omitempty"`
	} `json:"error"`
}

// RawResponse is one HTTP exchange as seen by the caller. Non-200 bodies are
// opaque error text.
type RawResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode parses a 200 body.
func (r *RawResponse) Decode() (*ChatResponse, error) {
	var out ChatResponse
	if err := json.Unmarshal(r.Body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ErrorMessage extracts error.message from the body, falling back to the
// raw text cut to 500 bytes.
func (r *RawResponse) ErrorMessage() string {
	var er ErrorResponse
	if err := json.Unmarshal(r.Body, &er); err == nil && er.Error.Message != "" {
		return er.Error.Message
	}
	text := strings.TrimSpace(string(r.Body))
	if len(text) > 500 {
		text = text[:500]
	}
	if text == "" {
		text = http.StatusText(r.StatusCode)
	}
	return text
}
