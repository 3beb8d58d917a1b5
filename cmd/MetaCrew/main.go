// Package main is the entry point of the MetaCrew service.
// It initializes the Kratos application with the HTTP server.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"MetaCrew/internal/biz"
	"MetaCrew/internal/conf"
	zapLogger "MetaCrew/pkg/log"

	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/tracing"
	"github.com/go-kratos/kratos/v2/transport/http"

	_ "go.uber.org/automaxprocs"
)

// go build -ldflags "-X main.Version=x.y.z"
var (
	// Name is the name of the compiled software.
	Name = "metacrew"
	// Version is the version of the compiled software.
	Version string
	// flagconf is the config flag.
	flagconf string

	id, _ = os.Hostname()
)

// shutdownPersistTimeout bounds the final circuit snapshot on stop.
const shutdownPersistTimeout = 5 * time.Second

func init() {
	flag.StringVar(&flagconf, "conf", "../../configs/config.yaml", "config path, eg: -conf config.yaml")
}

func newApp(logger log.Logger, hs *http.Server, registry *biz.CircuitRegistry, limiter *biz.TokenBucketLimiter, c *conf.Cron) *kratos.App {
	helper := zapLogger.NewLogHelper(logger)
	scheduler := newScheduler(c, registry, limiter, logger)

	return kratos.New(
		kratos.ID(id),
		kratos.Name(Name),
		kratos.Version(Version),
		kratos.Metadata(map[string]string{}),
		kratos.Logger(logger),
		kratos.Server(
			hs,
		),
		kratos.BeforeStart(func(ctx context.Context) error {
			n, err := registry.Restore(ctx)
			if err != nil {
				// Redis down is not fatal: breakers start closed
				helper.Warnw("msg", "failed to restore circuit states (degraded)", "error", err)
				return nil
			}
			helper.Startup("Circuit states restored", "count", n)
			return nil
		}),
		kratos.AfterStart(func(context.Context) error {
			scheduler.Start()
			helper.Scheduler("Circuit snapshot cron started", "spec", snapshotSpec(c))
			return nil
		}),
		kratos.BeforeStop(func(context.Context) error {
			<-scheduler.Stop().Done()
			return nil
		}),
		kratos.AfterStop(func(context.Context) error {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownPersistTimeout)
			defer cancel()
			registry.Wait()
			if err := registry.Persist(ctx); err != nil {
				helper.Warnw("msg", "failed to persist circuit states on shutdown", "error", err)
			}
			return nil
		}),
	)
}

func main() {
	flag.Parse()

	// Load configuration using Viper with environment variable and CLI flag support
	bc, err := conf.NewBootstrap(flagconf)
	if err != nil {
		// Use fallback logger before Zap is initialized
		log.Fatalf("failed to load configuration: %v", err)
	}

	zapLog, err := zapLogger.NewZapLogger(bc.Log)
	if err != nil {
		log.Fatalf("failed to initialize zap logger: %v", err)
	}
	defer zapLog.Sync()

	logger := zapLogger.NewKratosAdapter(zapLog)

	logger = log.With(logger,
		"service.id", id,
		"service.name", Name,
		"service.version", Version,
		"trace.id", tracing.TraceID(),
		"span.id", tracing.SpanID(),
	)

	log.NewHelper(logger).Infow(
		"msg", "MetaCrew service starting",
		"log.level", bc.Log.Level,
		"log.format", bc.Log.Format,
		"http.addr", bc.Server.Http.Addr,
		"participants", len(bc.Conversation.Participants),
	)

	app, cleanup, err := wireApp(bc.Server, bc.Data, bc.OpenRouter, bc.RateLimit, bc.CircuitBreaker,
		bc.Conversation, bc.Cache, bc.Audit, bc.Cron, logger)
	if err != nil {
		panic(err)
	}
	defer cleanup()

	// start and wait for stop signal
	if err := app.Run(); err != nil {
		panic(err)
	}
}
