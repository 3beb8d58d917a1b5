package service

import (
	"context"

	"MetaCrew/internal/biz"
	"MetaCrew/internal/model"
	"MetaCrew/pkg/openrouter"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// ChatCompletionRequest is the body of POST /v1/chat/completions. Backup
// models are tried in order after the primary fails.
type ChatCompletionRequest struct {
	Model        string               `json:"model"`
	BackupModels []string             `json:"backup_models,omitempty"`
	Messages     []openrouter.Message `json:"messages"`
	Temperature  *float64             `json:"temperature,omitempty"`
	MaxTokens    int                  `json:"max_tokens,omitempty"`
}

type ListModelsRequest struct {
	Free bool
}

type ListModelsResponse struct {
	Data []openrouter.Model `json:"data"`
}

type ListCircuitsResponse struct {
	Circuits []model.CircuitSnapshot `json:"circuits"`
}

// defaultTemperature applies when a chat request omits temperature.
const defaultTemperature = 0.7

// CompletionService exposes the adapter, the model catalogue and breaker
// state.
type CompletionService struct {
	uc     *biz.CompletionUsecase
	logger *log.Helper
}

// NewCompletionService creates a new CompletionService instance.
func NewCompletionService(uc *biz.CompletionUsecase, logger log.Logger) *CompletionService {
	return &CompletionService{
		uc:     uc,
		logger: log.NewHelper(logger),
	}
}

// ChatCompletion runs one completion with fallback across backup models.
func (s *CompletionService) ChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*openrouter.ChatResponse, error) {
	s.logger.Debugw("msg", "ChatCompletion called", "model", req.Model, "backups", len(req.BackupModels))

	temperature := defaultTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	resp, err := s.uc.GenerateCompletionWithFallback(ctx, &biz.CompletionRequest{
		Model:        req.Model,
		BackupModels: req.BackupModels,
		Messages:     req.Messages,
		Temperature:  temperature,
		MaxTokens:    req.MaxTokens,
	})
	if err != nil {
		s.logger.Warnw("msg", "chat completion failed", "model", req.Model, "reason", errors.Reason(err), "error", err)
		return nil, err
	}
	return resp, nil
}

// ListModels returns the upstream catalogue, or only its free models.
func (s *CompletionService) ListModels(ctx context.Context, req *ListModelsRequest) (*ListModelsResponse, error) {
	var (
		models []openrouter.Model
		err    error
	)
	if req.Free {
		models, err = s.uc.FreeModels(ctx)
	} else {
		models, err = s.uc.ListModels(ctx)
	}
	if err != nil {
		s.logger.Errorw("msg", "failed to list models", "free", req.Free, "error", err)
		return nil, err
	}
	return &ListModelsResponse{Data: models}, nil
}

// ListCircuits returns every known breaker snapshot.
func (s *CompletionService) ListCircuits(_ context.Context, _ *struct{}) (*ListCircuitsResponse, error) {
	return &ListCircuitsResponse{Circuits: s.uc.Circuits()}, nil
}

// RegisterCompletionHTTPServer mounts the completion, model and circuit
// routes on srv.
func RegisterCompletionHTTPServer(srv *http.Server, s *CompletionService) {
	r := srv.Route("/")
	r.POST("/v1/chat/completions", chatCompletionHandler(s))
	r.GET("/v1/models", listModelsHandler(s, false, OperationListModels))
	r.GET("/v1/models/free", listModelsHandler(s, true, OperationListFreeModels))
	r.GET("/v1/circuits", listCircuitsHandler(s))
}

func chatCompletionHandler(s *CompletionService) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		var in ChatCompletionRequest
		if err := ctx.Bind(&in); err != nil {
			return err
		}
		http.SetOperation(ctx, OperationChatCompletion)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return s.ChatCompletion(ctx, req.(*ChatCompletionRequest))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	}
}

func listModelsHandler(s *CompletionService, free bool, operation string) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		in := ListModelsRequest{Free: free}
		http.SetOperation(ctx, operation)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return s.ListModels(ctx, req.(*ListModelsRequest))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	}
}

func listCircuitsHandler(s *CompletionService) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		http.SetOperation(ctx, OperationListCircuits)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return s.ListCircuits(ctx, req.(*struct{}))
		})
		out, err := h(ctx, &struct{}{})
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	}
}

func badRequest(msg string) error {
	return errors.BadRequest("INVALID_REQUEST", msg)
}
