package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

const (
	StreamModeFanOut    = "fanout"
	StreamModeKeepAlive = "keepalive"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	PublicDir    string        `env:"PUBLIC_DIR" default:"public"`
	VersionPath  string        `env:"VERSION_PATH" default:"/version.txt"`
	UpstreamHost string        `env:"UPSTREAM_HOST"`
	PollInterval time.Duration `env:"POLL_INTERVAL" default:"5s"`
	FetchTimeout time.Duration `env:"FETCH_TIMEOUT" default:"4s"`

	StreamMode        string        `env:"STREAM_MODE" default:"fanout"`
	KeepAliveInterval time.Duration `env:"KEEPALIVE_INTERVAL" default:"10s"`
	MaxWriteFailures  int           `env:"MAX_WRITE_FAILURES" default:"3"`
	SinkBufferSize    int           `env:"SINK_BUFFER_SIZE" default:"16"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT" default:"5s"`

	MaxConnections       int64   `env:"MAX_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP  int     `env:"MAX_CONNECTIONS_PER_IP" default:"20"`
	ConnectionsPerSecond float64 `env:"CONNECTIONS_PER_SECOND" default:"10"`
	ConnectionBurst      int     `env:"CONNECTION_BURST" default:"20"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Scheme is the protocol used to reach the upstream version file: plain HTTP
// in development, HTTPS everywhere else.
func (c *Config) Scheme() string {
	if c.AppEnv == "development" {
		return "http"
	}
	return "https"
}

func validate(cfg *Config) error {
	if cfg.StreamMode != StreamModeFanOut && cfg.StreamMode != StreamModeKeepAlive {
		return fmt.Errorf("STREAM_MODE must be %q or %q, got %q", StreamModeFanOut, StreamModeKeepAlive, cfg.StreamMode)
	}

	if !strings.HasPrefix(cfg.VersionPath, "/") {
		return errors.New("VERSION_PATH must start with /")
	}

	durations := map[string]time.Duration{
		"POLL_INTERVAL":      cfg.PollInterval,
		"FETCH_TIMEOUT":      cfg.FetchTimeout,
		"KEEPALIVE_INTERVAL": cfg.KeepAliveInterval,
		"WRITE_TIMEOUT":      cfg.WriteTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	positive := map[string]int{
		"MAX_WRITE_FAILURES":     cfg.MaxWriteFailures,
		"SINK_BUFFER_SIZE":       cfg.SinkBufferSize,
		"MAX_CONNECTIONS_PER_IP": cfg.MaxConnectionsPerIP,
		"CONNECTION_BURST":       cfg.ConnectionBurst,
	}
	for name, v := range positive {
		if v <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if cfg.MaxConnections <= 0 {
		return errors.New("MAX_CONNECTIONS must be positive")
	}
	if cfg.ConnectionsPerSecond <= 0 {
		return errors.New("CONNECTIONS_PER_SECOND must be positive")
	}

	return nil
}
