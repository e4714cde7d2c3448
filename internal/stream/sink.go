package stream

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/versionpulse/internal/domain"
	"github.com/pscheid92/versionpulse/internal/metrics"
	"github.com/pscheid92/versionpulse/internal/sse"
)

const defaultBufferSize = 16

// Transport writes complete frames to one client connection. It is only ever
// called from the sink's writer goroutine.
type Transport interface {
	WriteFrame(frame []byte) error
	Close() error
}

type Options struct {
	// BufferSize is the number of frames queued before Write reports ErrSinkFull.
	BufferSize int
	// KeepAlive, when positive, writes a comment frame on every tick.
	KeepAlive time.Duration
}

// Sink queues frames for a single connection and writes them from its own
// goroutine, so a slow client never blocks the caller of Write.
type Sink struct {
	id        uuid.UUID
	transport Transport
	clock     clockwork.Clock
	keepAlive time.Duration

	sendCh    chan []byte
	doneCh    chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

var _ domain.Sink = (*Sink)(nil)

func NewSink(transport Transport, clock clockwork.Clock, opts Options) *Sink {
	size := opts.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}

	s := &Sink{
		id:        uuid.New(),
		transport: transport,
		clock:     clock,
		keepAlive: opts.KeepAlive,
		sendCh:    make(chan []byte, size),
		doneCh:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Sink) ID() uuid.UUID {
	return s.id
}

// Write enqueues frame without blocking.
func (s *Sink) Write(frame []byte) error {
	select {
	case <-s.doneCh:
		return domain.ErrSinkClosed
	default:
	}

	select {
	case s.sendCh <- frame:
		return nil
	case <-s.doneCh:
		return domain.ErrSinkClosed
	default:
		return domain.ErrSinkFull
	}
}

// Done is closed once the sink has stopped, either through Close or because
// the transport failed.
func (s *Sink) Done() <-chan struct{} {
	return s.doneCh
}

// Close stops the writer goroutine, waits for it to exit and closes the
// transport. Frames still queued are dropped. Safe to call more than once.
func (s *Sink) Close() error {
	s.stop()
	s.wg.Wait()
	s.closeOnce.Do(func() {
		s.closeErr = s.transport.Close()
	})
	return s.closeErr
}

func (s *Sink) stop() {
	s.stopOnce.Do(func() { close(s.doneCh) })
}

func (s *Sink) run() {
	defer s.wg.Done()

	var tick <-chan time.Time
	if s.keepAlive > 0 {
		ticker := s.clock.NewTicker(s.keepAlive)
		defer ticker.Stop()
		tick = ticker.Chan()
	}

	for {
		select {
		case <-s.doneCh:
			return
		case frame := <-s.sendCh:
			if !s.write(frame) {
				return
			}
		case <-tick:
			if !s.write(sse.Comment()) {
				return
			}
			metrics.StreamKeepAlivesSent.Inc()
		}
	}
}

func (s *Sink) write(frame []byte) bool {
	start := s.clock.Now()
	if err := s.transport.WriteFrame(frame); err != nil {
		slog.Debug("Stream write failed, closing sink", "sink_id", s.id.String(), "error", err)
		s.stop()
		return false
	}
	metrics.StreamFrameWriteDuration.Observe(s.clock.Since(start).Seconds())
	return true
}
