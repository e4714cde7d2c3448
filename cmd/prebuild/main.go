package main

import (
	"log/slog"
	"os"

	"github.com/pscheid92/versionpulse/internal/platform/logging"
	"github.com/pscheid92/versionpulse/internal/release"
)

func main() {
	logging.InitLogger("info", "text")

	cfg, err := release.LoadConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	v, err := release.Resolve(*cfg)
	if err != nil {
		slog.Error("Failed to resolve version", "error", err)
		os.Exit(1)
	}

	if err := release.Write(cfg.Output, v); err != nil {
		slog.Error("Failed to write version file", "error", err)
		os.Exit(1)
	}

	slog.Info("Version file written", "path", cfg.Output, "version", v)
}
