package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// newClient dials the configured server.
func (o *Options) newClient(ctx context.Context) (*http.Client, error) {
	timeout, err := time.ParseDuration(o.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid --timeout %q: %w", o.Timeout, err)
	}
	return http.NewClient(ctx,
		http.WithEndpoint(o.Server),
		http.WithTimeout(timeout),
		http.WithMiddleware(bearer(o.Token)),
	)
}

// invoke runs one request against the server and closes the client.
func (o *Options) invoke(method, path string, in, out interface{}) error {
	ctx := context.Background()
	client, err := o.newClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	return client.Invoke(ctx, method, path, in, out)
}

// bearer sets the Authorization header on every outgoing request.
func bearer(token string) middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			if token != "" {
				if tr, ok := transport.FromClientContext(ctx); ok {
					tr.RequestHeader().Set("Authorization", "Bearer "+token)
				}
			}
			return handler(ctx, req)
		}
	}
}
