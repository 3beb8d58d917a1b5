package service

import (
	"context"
	"strings"

	"MetaCrew/internal/biz"
	"MetaCrew/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// GetUsageRequest names the models to report. The query accepts repeated
// model parameters and comma-separated lists.
type GetUsageRequest struct {
	Models []string
}

type GetUsageResponse struct {
	Usage []*model.ModelUsage `json:"usage"`
}

// UsageService exposes per-model traffic in the current minute.
type UsageService struct {
	uc     *biz.UsageUsecase
	logger *log.Helper
}

func NewUsageService(uc *biz.UsageUsecase, logger log.Logger) *UsageService {
	return &UsageService{
		uc:     uc,
		logger: log.NewHelper(logger),
	}
}

func (s *UsageService) GetUsage(ctx context.Context, req *GetUsageRequest) (*GetUsageResponse, error) {
	usage, err := s.uc.ModelUsage(ctx, req.Models)
	if err != nil {
		return nil, err
	}
	return &GetUsageResponse{Usage: usage}, nil
}

// RegisterUsageHTTPServer mounts GET /v1/usage on srv.
func RegisterUsageHTTPServer(srv *http.Server, s *UsageService) {
	r := srv.Route("/")
	r.GET("/v1/usage", getUsageHandler(s))
}

func getUsageHandler(s *UsageService) func(ctx http.Context) error {
	return func(ctx http.Context) error {
		var in GetUsageRequest
		for _, v := range ctx.Query()["model"] {
			for _, m := range strings.Split(v, ",") {
				if m = strings.TrimSpace(m); m != "" {
					in.Models = append(in.Models, m)
				}
			}
		}
		http.SetOperation(ctx, OperationGetUsage)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return s.GetUsage(ctx, req.(*GetUsageRequest))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	}
}
