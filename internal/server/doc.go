// Package server implements the HTTP server using Echo framework.
//
// Routes: version stream (SSE), version stream (WebSocket), health probes, metrics and the static public directory.
// Handlers split by concern: handlers_stream.go, handlers_ws.go, handlers_health.go.
package server
