package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/seantiz/sqlbridge/internal/transport"
)

// Config holds application configuration loaded from SQLBRIDGE_*
// environment variables.
type Config struct {
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8080"`
	JournalPath string `env:"JOURNAL_PATH" envDefault:"sqlbridge.db"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Transport selects how the dispatcher reaches the executor: pipe,
	// process, unix, vsock or vsock-uds.
	Transport    string `env:"TRANSPORT" envDefault:"pipe"`
	ExecutorAddr string `env:"EXECUTOR_ADDR"`
	ExecutorPath string `env:"EXECUTOR_PATH"`
	VsockCID     uint32 `env:"VSOCK_CID" envDefault:"3"`
	VsockPort    uint32 `env:"VSOCK_PORT" envDefault:"1024"`

	CallTimeout  time.Duration `env:"CALL_TIMEOUT" envDefault:"30s"`
	ReadyTimeout time.Duration `env:"READY_TIMEOUT" envDefault:"10s"`
}

// Load reads configuration from the environment and validates it.
func Load() (Config, error) {
	cfg, err := Parse()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse reads configuration from the environment without validating the
// dispatcher's transport settings.
func Parse() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "SQLBRIDGE_"}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks that the transport settings are consistent.
func (c Config) Validate() error {
	switch c.Transport {
	case transport.KindPipe, transport.KindVsock:
	case transport.KindProcess:
		if c.ExecutorPath == "" {
			return fmt.Errorf("transport %q requires SQLBRIDGE_EXECUTOR_PATH", c.Transport)
		}
	case transport.KindUnix, transport.KindVsockUDS:
		if c.ExecutorAddr == "" {
			return fmt.Errorf("transport %q requires SQLBRIDGE_EXECUTOR_ADDR", c.Transport)
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("call timeout must be positive, got %s", c.CallTimeout)
	}
	return nil
}

// Level returns the configured log level.
func (c Config) Level() slog.Level {
	return parseLogLevel(c.LogLevel)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
