// Package domain defines the contracts shared by the poller, the broadcaster
// and the stream transports.
//
// No implementation code - just the Sink and Fetcher interfaces and the
// sentinel errors that cross package boundaries.
package domain
