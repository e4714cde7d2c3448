package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pscheid92/versionpulse/internal/domain"
	apperrors "github.com/pscheid92/versionpulse/internal/errors"
	"github.com/pscheid92/versionpulse/internal/platform/config"
	"github.com/pscheid92/versionpulse/internal/poller"
)

// broadcaster is the subscriber registry the stream handlers attach sinks to.
type broadcaster interface {
	SetHost(host string) bool
	Subscribe(sink domain.Sink)
	Unsubscribe(sink domain.Sink)
	Count() int
}

// pollerStatus reports upstream health for readiness checks.
type pollerStatus interface {
	Status() poller.Status
}

type Server struct {
	echo        *echo.Echo
	config      *config.Config
	broadcaster broadcaster
	poller      pollerStatus
	limits      *ConnectionLimits
	clock       clockwork.Clock

	// done is closed on Shutdown so open streams return.
	done     chan struct{}
	doneOnce sync.Once
}

func NewServer(cfg *config.Config, b broadcaster, p pollerStatus, clock clockwork.Clock) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(correlationMiddleware())
	e.Use(requestLogger())
	e.Use(apperrors.Middleware())

	srv := &Server{
		echo:        e,
		config:      cfg,
		broadcaster: b,
		poller:      p,
		limits:      NewConnectionLimits(clock, cfg.MaxConnections, cfg.MaxConnectionsPerIP, cfg.ConnectionsPerSecond, cfg.ConnectionBurst),
		clock:       clock,
		done:        make(chan struct{}),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port, "stream_mode", s.config.StreamMode)
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

// Shutdown ends every open stream, including keep-alive streams that the
// broadcaster does not know about, then stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.doneOnce.Do(func() { close(s.done) })
	return s.echo.Shutdown(ctx)
}
