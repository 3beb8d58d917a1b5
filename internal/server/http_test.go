package server

import (
	"context"
	nethttp "net/http"
	"net/http/httptest"
	"testing"
	"time"

	"MetaCrew/internal/biz"
	"MetaCrew/internal/conf"
	"MetaCrew/internal/service"
	"MetaCrew/pkg/openrouter"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/durationpb"
)

type noopSender struct{}

func (noopSender) Send(context.Context, string, *openrouter.ChatRequest, time.Duration) (*openrouter.RawResponse, error) {
	return &openrouter.RawResponse{StatusCode: nethttp.StatusOK, Header: nethttp.Header{}, Body: []byte(`{"choices":[]}`)}, nil
}

type noopCatalog struct{}

func (noopCatalog) ListModels(context.Context, string) ([]openrouter.Model, error) {
	return nil, nil
}

func newTestServer(t *testing.T, token string) nethttp.Handler {
	t.Helper()
	logger := log.DefaultLogger

	creds, err := biz.NewCredentialStore(&conf.OpenRouter{DefaultApiKey: "sk-or-test"})
	require.NoError(t, err)
	caps := biz.NewCapabilityTable(nil)
	completion := biz.NewCompletionUsecase(&conf.RateLimit{}, noopSender{}, noopCatalog{},
		biz.NewCircuitRegistry(nil, nil, nil, logger), biz.NewTokenBucketLimiter(nil, logger),
		creds, caps, biz.NewCompletionCache(nil), nil, logger)
	conversation := biz.NewConversationUsecase(nil, completion, caps, nil, logger)

	return NewHTTPServer(&conf.Server{Http: &conf.Server_HTTP{
		Addr:     ":0",
		Timeout:  durationpb.New(time.Second),
		ApiToken: token,
	}}, service.NewConversationService(conversation, logger), service.NewCompletionService(completion, logger),
		service.NewUsageService(biz.NewUsageUsecase(nil, logger), logger), logger)
}

func TestNewHTTPServer_Auth(t *testing.T) {
	srv := newTestServer(t, "s3cret-token")

	tests := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{"no token", nil, nethttp.StatusUnauthorized},
		{"wrong bearer", map[string]string{"Authorization": "Bearer nope"}, nethttp.StatusUnauthorized},
		{"bearer", map[string]string{"Authorization": "Bearer s3cret-token"}, nethttp.StatusOK},
		{"x-api-key", map[string]string{"X-API-Key": "s3cret-token"}, nethttp.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(nethttp.MethodGet, "/v1/circuits", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestNewHTTPServer_OpenWithoutToken(t *testing.T) {
	srv := newTestServer(t, "")

	req := httptest.NewRequest(nethttp.MethodGet, "/v1/conversations", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, nethttp.StatusOK, rec.Code)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
	assert.JSONEq(t, `{"ids":[]}`, rec.Body.String())
}

func TestNewHTTPServer_GeneratesRequestID(t *testing.T) {
	srv := newTestServer(t, "")

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(nethttp.MethodGet, "/v1/circuits", nil))
	assert.Len(t, rec.Header().Get("X-Request-ID"), 10)
}
