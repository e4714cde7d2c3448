// Package stream provides the per-connection sinks the broadcaster writes to.
//
// A Sink owns a bounded queue and one writer goroutine per connection; the
// transport underneath is either an SSE response or a WebSocket connection.
package stream
