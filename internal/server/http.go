package server

import (
	"MetaCrew/internal/conf"
	"MetaCrew/internal/server/middleware"
	"MetaCrew/internal/service"
	pkglog "MetaCrew/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/recovery"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// NewHTTPServer new an HTTP server.
func NewHTTPServer(c *conf.Server, conversation *service.ConversationService, completion *service.CompletionService, usage *service.UsageService, logger log.Logger) *http.Server {
	logHelper := pkglog.NewLogHelper(logger)

	var opts = []http.ServerOption{
		http.Middleware(
			recovery.Recovery(),
			middleware.Logging(logHelper),               // 请求日志中间件：记录请求方法、路径、耗时
			middleware.Auth(c.Http.ApiToken, logHelper), // 认证中间件：校验 API Token
		),
	}
	if c.Http.Network != "" {
		opts = append(opts, http.Network(c.Http.Network))
	}
	if c.Http.Addr != "" {
		opts = append(opts, http.Address(c.Http.Addr))
	}
	if c.Http.Timeout != nil {
		opts = append(opts, http.Timeout(c.Http.Timeout.AsDuration()))
	}
	srv := http.NewServer(opts...)

	service.RegisterConversationHTTPServer(srv, conversation)
	service.RegisterCompletionHTTPServer(srv, completion)
	service.RegisterUsageHTTPServer(srv, usage)

	return srv
}
