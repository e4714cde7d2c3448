package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/versionpulse/internal/platform/version"
)

// unhealthyFailureThreshold is the number of consecutive failed fetches after
// which a running poller marks the instance not ready.
const unhealthyFailureThreshold = 3

func (s *Server) handleLiveness(c echo.Context) error {
	info := version.Get()
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"version": info.Version,
		"commit":  info.Commit,
		"uptime":  info.Uptime,
	})
}

func (s *Server) handleReadiness(c echo.Context) error {
	status := s.poller.Status()
	body := map[string]any{
		"status":      "ready",
		"subscribers": s.broadcaster.Count(),
		"connections": s.limits.Current(),
		"unique_ips":  s.limits.UniqueIPs(),
		"poller":      status,
	}

	if status.Running && status.ConsecutiveFailures >= unhealthyFailureThreshold {
		body["status"] = "unhealthy"
		body["failed_check"] = "upstream"
		return c.JSON(http.StatusServiceUnavailable, body)
	}

	return c.JSON(http.StatusOK, body)
}
