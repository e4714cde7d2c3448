// Package broadcast implements the version fan-out.
//
// The Broadcaster owns the subscriber set and the poller lifecycle. Subscribe,
// Unsubscribe and the resulting poller Start/Stop share one mutex, so the
// poller is running exactly while the set is non-empty. Values are written to
// a snapshot of the set outside the lock; sinks that keep failing are evicted.
package broadcast
