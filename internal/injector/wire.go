//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"context"

	"github.com/google/wire"

	"github.com/zeusync/tasksync/internal/config"
	"github.com/zeusync/tasksync/internal/core/observability/log"
	"github.com/zeusync/tasksync/internal/server"
	"github.com/zeusync/tasksync/sdk/go/client"
)

func InitializeLogger(cfg config.Config) (*log.Logger, func(), error) {
	wire.Build(ProvideLogger)
	return nil, nil, nil
}

func InitializeClient(ctx context.Context, cfg config.Config) (*client.Client, func(), error) {
	wire.Build(ClientSet)
	return nil, nil, nil
}

func InitializeServer(cfg config.Config, logger log.Log) (*server.Server, func(), error) {
	wire.Build(ServerSet)
	return nil, nil, nil
}
