package biz

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"MetaCrew/internal/data"
	"MetaCrew/internal/model"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
)

// ReasonUsageUnavailable is returned when no usage counters are configured.
const ReasonUsageUnavailable = "USAGE_UNAVAILABLE"

// maxUsageModels bounds one usage query.
const maxUsageModels = 50

// UsageRepo reads the per-model one-minute counters fed by the audit path.
type UsageRepo interface {
	GetModelUsage(ctx context.Context, modelID string) (*model.ModelUsage, error)
}

// UsageUsecase reports recent per-model traffic.
type UsageUsecase struct {
	repo UsageRepo
	log  *log.Helper
}

// NewUsageUsecase creates a UsageUsecase. repo may be nil.
func NewUsageUsecase(repo UsageRepo, logger log.Logger) *UsageUsecase {
	return &UsageUsecase{repo: repo, log: log.NewHelper(logger)}
}

// ModelUsage returns the current window for each model, in request order.
// Duplicate ids are reported once.
func (uc *UsageUsecase) ModelUsage(ctx context.Context, models []string) ([]*model.ModelUsage, error) {
	if len(models) == 0 {
		return nil, newInvalidRequestError("at least one model is required")
	}
	if len(models) > maxUsageModels {
		return nil, newInvalidRequestError("at most %d models per query, got %d", maxUsageModels, len(models))
	}
	if uc.repo == nil {
		return nil, newUsageUnavailableError()
	}

	seen := make(map[string]struct{}, len(models))
	out := make([]*model.ModelUsage, 0, len(models))
	for _, m := range models {
		if m == "" {
			return nil, newInvalidRequestError("model id must not be empty")
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}

		u, err := uc.repo.GetModelUsage(ctx, m)
		if stderrors.Is(err, data.ErrRedisUnavailable) {
			return nil, newUsageUnavailableError()
		}
		if err != nil {
			uc.log.Errorw("msg", "failed to read model usage", "model", m, "error", err)
			return nil, errors.InternalServer("USAGE_READ_FAILED", fmt.Sprintf("reading usage for %s failed", m)).WithCause(err)
		}
		out = append(out, u)
	}
	return out, nil
}

func newUsageUnavailableError() *errors.Error {
	return errors.New(http.StatusServiceUnavailable, ReasonUsageUnavailable, "usage counters need Redis")
}
