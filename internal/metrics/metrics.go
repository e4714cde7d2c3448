package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Poller Metrics
var (
	// PollerFetchesTotal tracks upstream fetch cycles by result (success/error)
	PollerFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poller_fetches_total",
			Help: "Total upstream version fetches by result",
		},
		[]string{"result"},
	)

	// PollerFetchDuration tracks upstream fetch latency in seconds
	PollerFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "poller_fetch_duration_seconds",
			Help:    "Upstream version fetch duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// PollerRunning is 1 while the poll loop is active, 0 otherwise
	PollerRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "poller_running",
			Help: "1 if the poll loop is active, 0 if stopped",
		},
	)

	// PollerStaleCycles tracks fetches that completed after the poller was stopped
	PollerStaleCycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "poller_stale_cycles_total",
			Help: "Fetch cycles discarded because the poller was stopped while they were in flight",
		},
	)
)

// Broadcaster Metrics
var (
	// BroadcasterSubscribers tracks the current number of subscribed sinks
	BroadcasterSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "broadcaster_subscribers",
			Help: "Current number of subscribed sinks",
		},
	)

	// BroadcasterFramesSent tracks frames accepted by sinks
	BroadcasterFramesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcaster_frames_sent_total",
			Help: "Total version frames accepted by sinks",
		},
	)

	// BroadcasterWriteFailures tracks sink write failures by reason (full/closed/panic/error)
	BroadcasterWriteFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcaster_write_failures_total",
			Help: "Total sink write failures by reason",
		},
		[]string{"reason"},
	)

	// BroadcasterSinksEvicted tracks sinks removed after failed writes
	BroadcasterSinksEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcaster_sinks_evicted_total",
			Help: "Total sinks evicted after failed writes",
		},
	)

	// BroadcasterFanOutDuration tracks the time to write one value to all sinks
	BroadcasterFanOutDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broadcaster_fanout_duration_seconds",
			Help:    "Time to hand one value to every subscribed sink",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
		},
	)
)

// Stream Metrics
var (
	// StreamConnectionsCurrent tracks open stream connections by transport (sse/websocket)
	StreamConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stream_connections_current",
			Help: "Current number of open stream connections by transport",
		},
		[]string{"transport"},
	)

	// StreamConnectionsRejected tracks rejected connection attempts by reason
	StreamConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_connections_rejected_total",
			Help: "Total stream connections rejected by reason (rate_limit/per_ip_limit/global_limit)",
		},
		[]string{"reason"},
	)

	// StreamConnectionDuration tracks how long stream connections stay open
	StreamConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stream_connection_duration_seconds",
			Help:    "Stream connection duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		},
	)

	// StreamKeepAlivesSent tracks keep-alive comment frames written
	StreamKeepAlivesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stream_keepalives_sent_total",
			Help: "Total keep-alive comment frames written",
		},
	)

	// StreamFrameWriteDuration tracks transport write latency
	StreamFrameWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stream_frame_write_duration_seconds",
			Help:    "Transport frame write duration in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
		},
	)
)
