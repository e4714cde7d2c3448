package server

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	apperrors "github.com/pscheid92/versionpulse/internal/errors"
	"github.com/pscheid92/versionpulse/internal/metrics"
	"github.com/pscheid92/versionpulse/internal/platform/config"
	"github.com/pscheid92/versionpulse/internal/sse"
	"github.com/pscheid92/versionpulse/internal/stream"
)

const (
	transportSSE       = "sse"
	transportWebSocket = "websocket"
)

// acquireConnection applies the connection limits for the caller's address.
// The returned func releases the slot and must be called exactly once.
func (s *Server) acquireConnection(c echo.Context) (func(), error) {
	ip := c.RealIP()
	ok, reason := s.limits.Acquire(ip)
	if !ok {
		metrics.StreamConnectionsRejected.WithLabelValues(string(reason)).Inc()
		if reason == LimitReasonGlobal {
			return nil, apperrors.UnavailableError("server at connection capacity", nil).
				WithContext("reason", string(reason))
		}
		return nil, apperrors.RateLimitedError("too many connections").
			WithContext("reason", string(reason)).
			WithContext("ip", ip)
	}
	return func() { s.limits.Release(ip) }, nil
}

// trackConnection records an open stream connection and returns the func
// that records its end.
func (s *Server) trackConnection(transport string) func() {
	metrics.StreamConnectionsCurrent.WithLabelValues(transport).Inc()
	start := s.clock.Now()
	return func() {
		metrics.StreamConnectionsCurrent.WithLabelValues(transport).Dec()
		metrics.StreamConnectionDuration.Observe(s.clock.Since(start).Seconds())
	}
}

// handleVersionStream serves the SSE version stream. In fan-out mode the
// connection is subscribed to the broadcaster; in keep-alive mode it only
// receives a connected event and periodic comments.
func (s *Server) handleVersionStream(c echo.Context) error {
	release, err := s.acquireConnection(c)
	if err != nil {
		return err
	}
	defer release()

	ctx := c.Request().Context()
	s.broadcaster.SetHost(c.Request().Host)

	transport := stream.NewSSETransport(c.Response(), s.clock, s.config.WriteTimeout)
	if err := transport.Open(); err != nil {
		return apperrors.InternalError("failed to open event stream", err)
	}

	opts := stream.Options{BufferSize: s.config.SinkBufferSize}
	keepAlive := s.config.StreamMode == config.StreamModeKeepAlive
	if keepAlive {
		opts.KeepAlive = s.config.KeepAliveInterval
	}

	sink := stream.NewSink(transport, s.clock, opts)
	defer s.trackConnection(transportSSE)()

	if keepAlive {
		if err := sink.Write(sse.Connected(sink.ID().String()).Encode()); err != nil {
			slog.WarnContext(ctx, "Failed to queue connected event", "sink_id", sink.ID(), "error", err)
		}
	} else {
		s.broadcaster.Subscribe(sink)
	}
	slog.DebugContext(ctx, "Stream client connected", "sink_id", sink.ID(), "mode", s.config.StreamMode)

	select {
	case <-ctx.Done():
	case <-sink.Done():
	case <-s.done:
	}

	if !keepAlive {
		s.broadcaster.Unsubscribe(sink)
	}
	if err := sink.Close(); err != nil {
		slog.DebugContext(ctx, "Stream sink closed with error", "sink_id", sink.ID(), "error", err)
	}
	slog.DebugContext(ctx, "Stream client disconnected", "sink_id", sink.ID())

	return nil
}
