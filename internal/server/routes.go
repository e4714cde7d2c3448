package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Version streams
	s.echo.GET("/api/version", s.handleVersionStream)
	s.echo.GET("/ws/version", s.handleVersionWebSocket)

	// Static site, including the version file the poller reads
	s.echo.Static("/", s.config.PublicDir)
}
