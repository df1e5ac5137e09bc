package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/driftsync/driftsync/internal/injector"
	"github.com/driftsync/driftsync/internal/server"
)

func main() {
	flags := pflag.NewFlagSet("driftsyncd", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "YAML config file")
	listen := flags.String("listen", "", "HTTP/WebSocket listen address")
	quic := flags.String("quic", "", "QUIC listen address (empty disables)")
	backend := flags.String("backend", "", "document store backend: memory or sqlite")
	db := flags.String("db", "", "sqlite database file")
	secret := flags.String("secret", "", "HS256 auth secret (empty disables auth)")
	logLevel := flags.String("log-level", "", "log level: debug, info, warn, error, silent")
	_ = flags.Parse(os.Args[1:])

	cfg := server.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = server.LoadConfig(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	// Flags set on the command line win over the config file.
	if flags.Changed("listen") {
		cfg.ListenAddr = *listen
	}
	if flags.Changed("quic") {
		cfg.QUICAddr = *quic
	}
	if flags.Changed("backend") {
		cfg.Backend = *backend
	}
	if flags.Changed("db") {
		cfg.SQLitePath = *db
	}
	if flags.Changed("secret") {
		cfg.AuthSecret = *secret
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	srv, cleanup, err := injector.BuildServer(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer cleanup()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err = srv.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	<-ctx.Done()
	if err = srv.Stop(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
