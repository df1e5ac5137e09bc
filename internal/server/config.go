package server

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/driftsync/driftsync/pkg/log"
)

// Backend names accepted by Config.Backend.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Config holds daemon configuration.
type Config struct {
	// ListenAddr is the HTTP listener hosting the WebSocket sync
	// endpoint, health checks and debug routes.
	ListenAddr string `yaml:"listen_addr"`

	// QUICAddr enables the QUIC listener when non-empty.
	QUICAddr string `yaml:"quic_addr"`

	// Backend selects the document store: "memory" or "sqlite".
	Backend string `yaml:"backend"`

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string `yaml:"sqlite_path"`

	// AuthSecret enables session authentication when non-empty: every
	// hello frame must then carry an HS256 token signed with it.
	AuthSecret string `yaml:"auth_secret"`

	// LogLevel is one of debug, info, warn, error, silent.
	LogLevel string `yaml:"log_level"`

	// ShutdownTimeout bounds the graceful drain on Stop.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns the development defaults: an in-memory backend
// on localhost with no auth and no QUIC listener.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      "127.0.0.1:8420",
		Backend:         BackendMemory,
		SQLitePath:      "driftsync.db",
		LogLevel:        "info",
		ShutdownTimeout: 10 * time.Second,
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("server: read config %s: %w", path, err)
	}
	if err = yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("server: parse config %s: %w", path, err)
	}
	if err = cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot start with.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("%w: listen_addr is empty", ErrBadConfig)
	}
	switch c.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("%w: sqlite backend needs sqlite_path", ErrBadConfig)
		}
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrBadConfig, c.Backend)
	}
	return nil
}

// Level maps the configured log level string onto the logger's scale.
func (c Config) Level() log.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return log.LevelDebug
	case "warn", "warning":
		return log.LevelWarn
	case "error":
		return log.LevelError
	case "silent":
		return log.LevelSilent
	default:
		return log.LevelInfo
	}
}
