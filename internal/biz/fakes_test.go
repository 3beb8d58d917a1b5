package biz

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"MetaCrew/internal/model"
	"MetaCrew/pkg/openrouter"

	"github.com/stretchr/testify/mock"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// reply builds a RawResponse for fakeSender handlers.
func reply(status int, body string, header http.Header) *openrouter.RawResponse {
	if header == nil {
		header = http.Header{}
	}
	return &openrouter.RawResponse{StatusCode: status, Header: header, Body: []byte(body)}
}

func okReply(content string) *openrouter.RawResponse {
	raw, _ := json.Marshal(openrouter.ChatResponse{
		ID: "gen-1",
		Choices: []openrouter.Choice{
			{Message: openrouter.Message{Role: "assistant", Content: content}},
		},
	})
	return reply(http.StatusOK, string(raw), nil)
}

type sentRequest struct {
	APIKey  string
	Request *openrouter.ChatRequest
	Timeout time.Duration
}

// fakeSender answers through handle, numbering calls from 1.
type fakeSender struct {
	mu     sync.Mutex
	calls  []sentRequest
	handle func(n int, req *openrouter.ChatRequest) (*openrouter.RawResponse, error)
}

func (s *fakeSender) Send(ctx context.Context, apiKey string, req *openrouter.ChatRequest, timeout time.Duration) (*openrouter.RawResponse, error) {
	s.mu.Lock()
	s.calls = append(s.calls, sentRequest{APIKey: apiKey, Request: req, Timeout: timeout})
	n := len(s.calls)
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.handle(n, req)
}

func (s *fakeSender) Calls() []sentRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentRequest(nil), s.calls...)
}

func (s *fakeSender) Models() []string {
	var out []string
	for _, c := range s.Calls() {
		out = append(out, c.Request.Model)
	}
	return out
}

type fakeCatalog struct {
	models []openrouter.Model
	err    error
	keys   []string
}

func (c *fakeCatalog) ListModels(_ context.Context, apiKey string) ([]openrouter.Model, error) {
	c.keys = append(c.keys, apiKey)
	return c.models, c.err
}

// fakeAudit collects every record.
type fakeAudit struct {
	mu      sync.Mutex
	records []model.CompletionRecord
}

func (a *fakeAudit) LogCompletion(_ context.Context, r *model.CompletionRecord) {
	a.mu.Lock()
	a.records = append(a.records, *r)
	a.mu.Unlock()
}

func (a *fakeAudit) Records() []model.CompletionRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.CompletionRecord(nil), a.records...)
}

// sleepRecorder replaces real sleeping in the adapter.
type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.sleeps = append(r.sleeps, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) Sleeps() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.sleeps...)
}

// MockCircuitNotifier is a mock implementation of CircuitNotifier for testing.
type MockCircuitNotifier struct {
	mock.Mock
}

func (m *MockCircuitNotifier) NotifyCircuitOpened(ctx context.Context, event *model.CircuitOpenedEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockCircuitNotifier) NotifyCircuitRecovered(ctx context.Context, event *model.CircuitRecoveredEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// MockCircuitStateRepo is a mock implementation of CircuitStateRepo for testing.
type MockCircuitStateRepo struct {
	mock.Mock
}

func (m *MockCircuitStateRepo) SaveCircuitState(ctx context.Context, snapshot *model.CircuitSnapshot) error {
	args := m.Called(ctx, snapshot)
	return args.Error(0)
}

func (m *MockCircuitStateRepo) LoadCircuitStates(ctx context.Context) ([]*model.CircuitSnapshot, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.CircuitSnapshot), args.Error(1)
}

// MockTranscriptRepo is a mock implementation of TranscriptRepo for testing.
type MockTranscriptRepo struct {
	mock.Mock
}

func (m *MockTranscriptRepo) SaveTranscript(ctx context.Context, transcript *model.Transcript) error {
	args := m.Called(ctx, transcript)
	return args.Error(0)
}

func (m *MockTranscriptRepo) GetTranscript(ctx context.Context, id string) (*model.Transcript, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Transcript), args.Error(1)
}

func (m *MockTranscriptRepo) ListTranscripts(ctx context.Context, limit int) ([]string, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

type MockUsageRepo struct {
	mock.Mock
}

func (m *MockUsageRepo) GetModelUsage(ctx context.Context, modelID string) (*model.ModelUsage, error) {
	args := m.Called(ctx, modelID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ModelUsage), args.Error(1)
}
