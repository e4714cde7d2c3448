package stream

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

// EventStreamHeaders are sent on every SSE response.
var EventStreamHeaders = map[string]string{
	"Access-Control-Allow-Origin": "*",
	"Content-Type":                "text/event-stream; charset=utf-8",
	"Connection":                  "keep-alive",
	"Cache-Control":               "no-cache, no-transform",
	"X-Accel-Buffering":           "no",
	"Content-Encoding":            "none",
}

// SSETransport writes frames to a streaming HTTP response.
type SSETransport struct {
	w            http.ResponseWriter
	rc           *http.ResponseController
	clock        clockwork.Clock
	writeTimeout time.Duration
}

func NewSSETransport(w http.ResponseWriter, clock clockwork.Clock, writeTimeout time.Duration) *SSETransport {
	return &SSETransport{
		w:            w,
		rc:           http.NewResponseController(w),
		clock:        clock,
		writeTimeout: writeTimeout,
	}
}

// Open writes the event-stream headers and flushes them so the client sees
// the response before the first event.
func (t *SSETransport) Open() error {
	h := t.w.Header()
	for k, v := range EventStreamHeaders {
		h.Set(k, v)
	}
	t.w.WriteHeader(http.StatusOK)
	return t.flush()
}

func (t *SSETransport) WriteFrame(frame []byte) error {
	if t.writeTimeout > 0 {
		err := t.rc.SetWriteDeadline(t.clock.Now().Add(t.writeTimeout))
		if err != nil && !errors.Is(err, http.ErrNotSupported) {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
	}

	if _, err := t.w.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return t.flush()
}

func (t *SSETransport) flush() error {
	if err := t.rc.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// Close is a no-op: the response is finished by the handler returning.
func (t *SSETransport) Close() error {
	return nil
}

// WebSocketTransport writes each frame as one text message.
type WebSocketTransport struct {
	conn         *websocket.Conn
	clock        clockwork.Clock
	writeTimeout time.Duration
}

func NewWebSocketTransport(conn *websocket.Conn, clock clockwork.Clock, writeTimeout time.Duration) *WebSocketTransport {
	return &WebSocketTransport{conn: conn, clock: clock, writeTimeout: writeTimeout}
}

func (t *WebSocketTransport) WriteFrame(frame []byte) error {
	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(t.clock.Now().Add(t.writeTimeout))
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Close sends a normal closure frame and closes the connection.
func (t *WebSocketTransport) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, t.clock.Now().Add(time.Second))
	return t.conn.Close()
}
