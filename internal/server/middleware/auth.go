// Package middleware provides HTTP middleware for authentication, logging, and request processing.
package middleware

import (
	"context"
	"crypto/subtle"
	"strings"

	pkglog "MetaCrew/pkg/log"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// ErrUnauthorized is returned for a missing or wrong API token.
var ErrUnauthorized = errors.Unauthorized("UNAUTHORIZED", "missing or invalid API token")

// Auth 返回一个 HTTP 认证中间件
// token 为空时不做校验，所有请求直接放行
//
// 支持两种 header:
//
//	Authorization: Bearer {token}
//	X-API-Key: {token}
func Auth(token string, logger *pkglog.LogHelper) middleware.Middleware {
	expected := []byte(token)
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			if token == "" {
				return handler(ctx, req)
			}

			var (
				apiKey string
				path   string
				ip     string
			)

			// 提取 Authorization header 和 X-API-Key
			if tr, ok := transport.FromServerContext(ctx); ok {
				path = tr.Operation()
				if ht, ok := tr.(http.Transporter); ok {
					httpReq := ht.Request()
					path = httpReq.URL.Path
					ip = extractClientIP(httpReq)

					// 支持 "Bearer {token}" 格式
					if authHeader := httpReq.Header.Get("Authorization"); authHeader != "" {
						apiKey = strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
					}
					if apiKey == "" {
						apiKey = httpReq.Header.Get("X-API-Key")
					}
				}
			}

			if apiKey == "" || subtle.ConstantTimeCompare([]byte(apiKey), expected) != 1 {
				logger.Security("Rejected request with invalid API token",
					"path", path,
					"ip", ip,
					"api_key", pkglog.SanitizeField("api_key", apiKey),
					"request_id", pkglog.GetRequestID(ctx),
				)
				return nil, ErrUnauthorized
			}

			return handler(ctx, req)
		}
	}
}
