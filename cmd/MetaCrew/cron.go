package main

import (
	"context"
	"time"

	"MetaCrew/internal/biz"
	"MetaCrew/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
)

const (
	defaultSnapshotSpec = "@every 30s"
	// 限流提示每分钟清理一次，与提示的 60 秒有效期一致
	pruneHintsSpec = "@every 1m"
	persistTimeout = 10 * time.Second
)

func snapshotSpec(c *conf.Cron) string {
	if c == nil || c.CircuitSnapshot == "" {
		return defaultSnapshotSpec
	}
	return c.CircuitSnapshot
}

// newScheduler 创建熔断器快照与限流提示清理定时任务
// 调用方负责 Start / Stop
func newScheduler(c *conf.Cron, registry *biz.CircuitRegistry, limiter *biz.TokenBucketLimiter, logger log.Logger) *cron.Cron {
	helper := log.NewHelper(logger)

	s := cron.New(cron.WithSeconds())

	_, err := s.AddFunc(snapshotSpec(c), func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if err := registry.Persist(ctx); err != nil {
			helper.Warnw("msg", "circuit snapshot failed (degraded)", "error", err)
		}
	})
	if err != nil {
		helper.Errorw("msg", "failed to register circuit snapshot cron job", "spec", snapshotSpec(c), "error", err)
	}

	_, err = s.AddFunc(pruneHintsSpec, func() {
		if n := limiter.PruneHints(); n > 0 {
			helper.Debugw("msg", "pruned stale rate limit hints", "count", n)
		}
	})
	if err != nil {
		helper.Errorw("msg", "failed to register hint prune cron job", "error", err)
	}

	return s
}
