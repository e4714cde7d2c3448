package domain

import "context"

// Sink is an output handle for one connected client. Implementations must be
// safe for concurrent use and Close must be idempotent.
type Sink interface {
	Write(frame []byte) error
	Close() error
}

// Fetcher retrieves the current upstream value from url.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}
