// Package release produces the static version file the poller reads.
package release

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// ErrVersionMissing is returned when neither the environment nor the
// manifest provides a version.
var ErrVersionMissing = errors.New("version must be present at build time")

type Config struct {
	Version  string `env:"APP_VERSION"`
	Manifest string `env:"VERSION_MANIFEST" default:"package.json"`
	Output   string `env:"VERSION_OUTPUT" default:"public/version.txt"`
}

// LoadConfig reads the release settings from the environment, after loading
// a .env file from the working directory if one exists.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	return &cfg, nil
}

type manifest struct {
	Version string `json:"version"`
}

// Resolve returns the configured version, falling back to the manifest's
// "version" field.
func Resolve(cfg Config) (string, error) {
	if cfg.Version != "" {
		return cfg.Version, nil
	}
	if cfg.Manifest == "" {
		return "", ErrVersionMissing
	}

	data, err := os.ReadFile(cfg.Manifest)
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrVersionMissing
	}
	if err != nil {
		return "", fmt.Errorf("failed to read manifest %s: %w", cfg.Manifest, err)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("failed to parse manifest %s: %w", cfg.Manifest, err)
	}
	if m.Version == "" {
		return "", ErrVersionMissing
	}
	return m.Version, nil
}

// Write stores version verbatim at path, creating parent directories.
func Write(path, version string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(version), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
