package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	apperrors "github.com/pscheid92/versionpulse/internal/errors"
	"github.com/pscheid92/versionpulse/internal/stream"
)

const wsReadLimit = 512

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleVersionWebSocket serves the same frames as the SSE stream over a
// WebSocket, one text message per frame. It is always fan-out.
func (s *Server) handleVersionWebSocket(c echo.Context) error {
	release, err := s.acquireConnection(c)
	if err != nil {
		return err
	}
	defer release()

	ctx := c.Request().Context()
	s.broadcaster.SetHost(c.Request().Host)

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		return apperrors.ValidationError("websocket upgrade failed").WithContext("error", err.Error())
	}
	conn.SetReadLimit(wsReadLimit)

	sink := stream.NewSink(stream.NewWebSocketTransport(conn, s.clock, s.config.WriteTimeout), s.clock,
		stream.Options{BufferSize: s.config.SinkBufferSize})
	defer s.trackConnection(transportWebSocket)()

	s.broadcaster.Subscribe(sink)
	slog.DebugContext(ctx, "WebSocket client connected", "sink_id", sink.ID())

	// Closing the sink closes the connection, which ends the read pump.
	go func() {
		select {
		case <-s.done:
			_ = sink.Close()
		case <-sink.Done():
		}
	}()

	// Read pump: blocks until the client goes away or the sink closes the
	// connection after eviction.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.broadcaster.Unsubscribe(sink)
	if err := sink.Close(); err != nil {
		slog.DebugContext(ctx, "WebSocket sink closed with error", "sink_id", sink.ID(), "error", err)
	}
	slog.DebugContext(ctx, "WebSocket client disconnected", "sink_id", sink.ID())

	return nil
}
