//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"github.com/google/wire"

	"github.com/driftsync/driftsync/internal/server"
)

// BuildServer assembles a daemon from its configuration: logger,
// backend and server, with a cleanup releasing the backend.
func BuildServer(cfg server.Config) (*server.Server, func(), error) {
	wire.Build(provideLogger, provideBackend, provideServer)
	return nil, nil, nil
}
