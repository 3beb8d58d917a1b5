//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package main

import (
	"MetaCrew/internal/biz"
	"MetaCrew/internal/conf"
	"MetaCrew/internal/data"
	"MetaCrew/internal/server"
	"MetaCrew/internal/service"
	"MetaCrew/pkg/openrouter"

	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

// wireApp init kratos application.
func wireApp(*conf.Server, *conf.Data, *conf.OpenRouter, *conf.RateLimit, *conf.CircuitBreaker, *conf.Conversation, *conf.Cache, *conf.Audit, *conf.Cron, log.Logger) (*kratos.App, func(), error) {
	panic(wire.Build(
		data.ProviderSet,
		biz.ProviderSet,
		service.ProviderSet,
		server.ProviderSet,
		openrouter.ProviderSet,
		newApp,
	))
}
