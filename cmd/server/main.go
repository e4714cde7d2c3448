package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/versionpulse/internal/broadcast"
	"github.com/pscheid92/versionpulse/internal/platform/config"
	"github.com/pscheid92/versionpulse/internal/platform/logging"
	"github.com/pscheid92/versionpulse/internal/platform/version"
	"github.com/pscheid92/versionpulse/internal/poller"
	"github.com/pscheid92/versionpulse/internal/server"
)

const shutdownTimeout = 10 * time.Second

func runGracefulShutdown(srv *server.Server, broadcaster *broadcast.Broadcaster) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		// Stop polling and end fan-out streams; Shutdown ends the rest.
		broadcaster.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		close(done)
	}()

	return done
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupPoller(cfg *config.Config, clock clockwork.Clock) *poller.Poller {
	fetcher := poller.NewHTTPFetcher(&http.Client{Timeout: cfg.FetchTimeout})
	return poller.New(fetcher, clock, poller.Config{
		Scheme:   cfg.Scheme(),
		Path:     cfg.VersionPath,
		Interval: cfg.PollInterval,
		Timeout:  cfg.FetchTimeout,
	})
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	// Initialize structured logging
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	info := version.Get()
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", info.Version, "commit", info.Commit)

	p := setupPoller(cfg, clock)
	broadcaster := broadcast.NewBroadcaster(p, cfg.MaxWriteFailures)

	// Without an explicit upstream the host of the first stream request is used.
	if cfg.UpstreamHost != "" {
		broadcaster.SetHost(cfg.UpstreamHost)
	}

	srv := server.NewServer(cfg, broadcaster, p, clock)

	done := runGracefulShutdown(srv, broadcaster)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
