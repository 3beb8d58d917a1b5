package model

// ModelUsage is the traffic one model has seen in the current one-minute
// window.
type ModelUsage struct {
	Model             string `json:"model"`
	RequestsPerMinute int64  `json:"requests_per_minute"`
	TokensPerMinute   int64  `json:"tokens_per_minute"`
	RateLimited       int64  `json:"rate_limited"`
}
