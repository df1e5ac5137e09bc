package server

import "errors"

var (
	// ErrBadConfig reports an invalid daemon configuration.
	ErrBadConfig = errors.New("server: invalid config")

	// ErrAlreadyRunning reports a second Start on a running server.
	ErrAlreadyRunning = errors.New("server: already running")

	// ErrNotRunning reports a Stop on a server that never started.
	ErrNotRunning = errors.New("server: not running")
)
