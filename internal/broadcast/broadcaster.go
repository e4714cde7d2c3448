package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pscheid92/versionpulse/internal/domain"
	"github.com/pscheid92/versionpulse/internal/metrics"
	"github.com/pscheid92/versionpulse/internal/poller"
	"github.com/pscheid92/versionpulse/internal/sse"
)

const defaultMaxWriteFailures = 3

// Poller is the poll loop the Broadcaster activates and deactivates.
type Poller interface {
	OnValue(fn poller.ValueFunc)
	SetHost(host string) bool
	Start()
	Stop()
}

type subscriber struct {
	failures int
}

type writeFailure struct {
	sink domain.Sink
	err  error
}

// Broadcaster fans fetched values out to subscribed sinks and runs the
// poller only while at least one sink is subscribed.
type Broadcaster struct {
	poller           Poller
	maxWriteFailures int

	mu          sync.Mutex
	subscribers map[domain.Sink]*subscriber
	closed      bool
}

// NewBroadcaster wires itself as the poller's value callback.
// maxWriteFailures is the number of consecutive failed writes after which a
// sink is evicted; values <= 0 use the default of 3.
func NewBroadcaster(p Poller, maxWriteFailures int) *Broadcaster {
	if maxWriteFailures <= 0 {
		maxWriteFailures = defaultMaxWriteFailures
	}
	b := &Broadcaster{
		poller:           p,
		maxWriteFailures: maxWriteFailures,
		subscribers:      make(map[domain.Sink]*subscriber),
	}
	p.OnValue(b.publish)
	return b
}

// SetHost records the upstream host on first call; later calls are no-ops.
func (b *Broadcaster) SetHost(host string) bool {
	return b.poller.SetHost(host)
}

// Subscribe adds sink and starts the poller if it is the first subscriber.
// Subscribing an already subscribed sink is a no-op.
func (b *Broadcaster) Subscribe(sink domain.Sink) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		slog.Warn("Rejecting subscriber: broadcaster closed")
		_ = sink.Close()
		return
	}

	if _, exists := b.subscribers[sink]; exists {
		b.mu.Unlock()
		return
	}

	b.subscribers[sink] = &subscriber{}
	count := len(b.subscribers)
	if count == 1 {
		b.poller.Start()
	}
	b.mu.Unlock()

	metrics.BroadcasterSubscribers.Set(float64(count))
	if count == 1 {
		slog.Info("First subscriber connected, polling started")
	} else {
		slog.Debug("Subscriber added", "total_subscribers", count)
	}
}

// Unsubscribe removes sink and stops the poller if it was the last
// subscriber. Removing an unknown sink is a no-op.
func (b *Broadcaster) Unsubscribe(sink domain.Sink) {
	b.mu.Lock()
	removed, count := b.removeLocked(sink)
	b.mu.Unlock()

	if !removed {
		return
	}
	if count == 0 {
		slog.Info("Last subscriber disconnected, polling stopped")
	} else {
		slog.Debug("Subscriber removed", "remaining_subscribers", count)
	}
}

// removeLocked must be called with mu held.
func (b *Broadcaster) removeLocked(sink domain.Sink) (removed bool, remaining int) {
	if _, exists := b.subscribers[sink]; !exists {
		return false, len(b.subscribers)
	}

	delete(b.subscribers, sink)
	remaining = len(b.subscribers)
	if remaining == 0 {
		b.poller.Stop()
	}
	metrics.BroadcasterSubscribers.Set(float64(remaining))
	return true, remaining
}

// Count returns the number of subscribed sinks.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Close stops the poller and closes every subscribed sink. Later
// subscriptions are rejected.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	sinks := make([]domain.Sink, 0, len(b.subscribers))
	for sink := range b.subscribers {
		sinks = append(sinks, sink)
	}
	clear(b.subscribers)
	b.poller.Stop()
	b.mu.Unlock()

	metrics.BroadcasterSubscribers.Set(0)
	slog.Info("Broadcaster shutting down", "subscribers", len(sinks))

	var wg sync.WaitGroup
	for _, sink := range sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			closeSink(context.Background(), sink)
		}()
	}
	wg.Wait()
}

func closeSink(ctx context.Context, sink domain.Sink) {
	if err := sink.Close(); err != nil {
		slog.DebugContext(ctx, "Sink closed with error", "error", err)
	}
}

func (b *Broadcaster) publish(ctx context.Context, value string) {
	start := time.Now()
	frame := sse.Version(value).Encode()

	b.mu.Lock()
	sinks := make([]domain.Sink, 0, len(b.subscribers))
	for sink := range b.subscribers {
		sinks = append(sinks, sink)
	}
	b.mu.Unlock()

	var (
		failed    []writeFailure
		delivered []domain.Sink
	)
	for _, sink := range sinks {
		if err := safeWrite(sink, frame); err != nil {
			failed = append(failed, writeFailure{sink: sink, err: err})
			metrics.BroadcasterWriteFailures.WithLabelValues(failureReason(err)).Inc()
			slog.WarnContext(ctx, "Sink write failed", "error", err)
			continue
		}
		delivered = append(delivered, sink)
	}
	metrics.BroadcasterFramesSent.Add(float64(len(delivered)))

	// Closing joins the sink's writer, which may be stuck in a slow write;
	// the poll cycle must not wait for it.
	evicted := b.settle(delivered, failed)
	for _, sink := range evicted {
		go closeSink(ctx, sink)
	}

	metrics.BroadcasterFanOutDuration.Observe(time.Since(start).Seconds())
	slog.DebugContext(ctx, "Version fanned out",
		"version", value,
		"delivered", len(delivered),
		"failed", len(failed),
		"evicted", len(evicted),
	)
}

// settle updates failure counters for sinks that are still subscribed and
// returns the sinks that must be evicted.
func (b *Broadcaster) settle(delivered []domain.Sink, failed []writeFailure) []domain.Sink {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sink := range delivered {
		if sub, ok := b.subscribers[sink]; ok {
			sub.failures = 0
		}
	}

	var evicted []domain.Sink
	for _, f := range failed {
		sub, ok := b.subscribers[f.sink]
		if !ok {
			continue
		}
		sub.failures++
		if !errors.Is(f.err, domain.ErrSinkClosed) && sub.failures < b.maxWriteFailures {
			continue
		}

		b.removeLocked(f.sink)
		evicted = append(evicted, f.sink)
		metrics.BroadcasterSinksEvicted.Inc()
		slog.Warn("Evicting sink after failed writes", "failures", sub.failures, "remaining_subscribers", len(b.subscribers))
	}
	return evicted
}

func safeWrite(sink domain.Sink, frame []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return sink.Write(frame)
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("sink write panicked: %v", e.value)
}

func failureReason(err error) string {
	var pe *panicError
	switch {
	case errors.Is(err, domain.ErrSinkFull):
		return "full"
	case errors.Is(err, domain.ErrSinkClosed):
		return "closed"
	case errors.As(err, &pe):
		return "panic"
	default:
		return "error"
	}
}
