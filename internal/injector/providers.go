package injector

import (
	"github.com/driftsync/driftsync/internal/server"
	"github.com/driftsync/driftsync/pkg/docstore"
	"github.com/driftsync/driftsync/pkg/log"
)

func provideLogger(cfg server.Config) *log.Logger {
	return log.New(cfg.Level())
}

func provideBackend(cfg server.Config) (docstore.Client, func(), error) {
	backend, err := server.OpenBackend(cfg)
	if err != nil {
		return nil, nil, err
	}
	return backend, func() { _ = backend.Close() }, nil
}

func provideServer(cfg server.Config, backend docstore.Client, logger *log.Logger) *server.Server {
	return server.New(cfg, backend, logger)
}
