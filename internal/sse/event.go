// Package sse encodes Server-Sent Events frames.
//
// Frames are written without a space after the field colon and the payload is
// not escaped, so a value containing a newline produces a malformed frame.
package sse

import (
	"strconv"
	"strings"
	"time"
)

const (
	VersionEvent   = "version"
	ConnectedEvent = "connected"

	// DefaultRetry is the reconnection delay advertised to clients.
	DefaultRetry = 500 * time.Millisecond
)

var comment = []byte(":\n\n")

// Event is a single SSE frame.
type Event struct {
	ID    string
	Name  string
	Data  string
	Retry time.Duration
}

// Encode renders the event. The id field is always present, even when empty,
// which resets the client's last event ID.
func (e Event) Encode() []byte {
	var b strings.Builder
	b.Grow(len(e.ID) + len(e.Name) + len(e.Data) + 40)

	b.WriteString("id:")
	b.WriteString(e.ID)
	b.WriteByte('\n')

	if e.Name != "" {
		b.WriteString("event:")
		b.WriteString(e.Name)
		b.WriteByte('\n')
	}

	b.WriteString("data:")
	b.WriteString(e.Data)
	b.WriteByte('\n')

	if e.Retry > 0 {
		b.WriteString("retry:")
		b.WriteString(strconv.FormatInt(e.Retry.Milliseconds(), 10))
		b.WriteByte('\n')
	}

	b.WriteByte('\n')
	return []byte(b.String())
}

// Version builds the frame fanned out for every fetched version value.
func Version(payload string) Event {
	return Event{Name: VersionEvent, Data: payload, Retry: DefaultRetry}
}

// Connected builds the informational frame sent when a keep-alive stream opens.
func Connected(connectionID string) Event {
	return Event{Name: ConnectedEvent, Data: connectionID, Retry: DefaultRetry}
}

// Comment returns a no-op frame that keeps idle connections open.
func Comment() []byte {
	out := make([]byte, len(comment))
	copy(out, comment)
	return out
}
