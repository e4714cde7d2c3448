package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/versionpulse/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTransport struct {
	mu       sync.Mutex
	frames   []string
	closed   int
	writeErr error
	block    chan struct{} // WriteFrame waits on this when non-nil
}

func (t *recordingTransport) WriteFrame(frame []byte) error {
	if t.block != nil {
		<-t.block
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writeErr != nil {
		return t.writeErr
	}
	t.frames = append(t.frames, string(frame))
	return nil
}

func (t *recordingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
	return nil
}

func (t *recordingTransport) received() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.frames...)
}

func (t *recordingTransport) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func TestSink_WritesInOrder(t *testing.T) {
	transport := &recordingTransport{}
	sink := NewSink(transport, clockwork.NewRealClock(), Options{})
	t.Cleanup(func() { _ = sink.Close() })

	require.NoError(t, sink.Write([]byte("a")))
	require.NoError(t, sink.Write([]byte("b")))
	require.NoError(t, sink.Write([]byte("c")))

	require.Eventually(t, func() bool { return len(transport.received()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, transport.received())
}

func TestSink_FullBuffer(t *testing.T) {
	transport := &recordingTransport{block: make(chan struct{})}
	sink := NewSink(transport, clockwork.NewRealClock(), Options{BufferSize: 2})
	t.Cleanup(func() {
		close(transport.block)
		_ = sink.Close()
	})

	// first frame is picked up by the writer goroutine and blocks there
	require.NoError(t, sink.Write([]byte("1")))
	require.Eventually(t, func() bool { return len(sink.sendCh) == 0 }, time.Second, time.Millisecond)

	require.NoError(t, sink.Write([]byte("2")))
	require.NoError(t, sink.Write([]byte("3")))

	err := sink.Write([]byte("4"))
	assert.True(t, errors.Is(err, domain.ErrSinkFull))
}

func TestSink_TransportErrorStopsSink(t *testing.T) {
	transport := &recordingTransport{writeErr: errors.New("broken pipe")}
	sink := NewSink(transport, clockwork.NewRealClock(), Options{})

	require.NoError(t, sink.Write([]byte("x")))

	select {
	case <-sink.Done():
	case <-time.After(time.Second):
		t.Fatal("sink should stop after a transport error")
	}

	assert.True(t, errors.Is(sink.Write([]byte("y")), domain.ErrSinkClosed))
	require.NoError(t, sink.Close())
	assert.Equal(t, 1, transport.closeCount())
}

func TestSink_CloseIsIdempotent(t *testing.T) {
	transport := &recordingTransport{}
	sink := NewSink(transport, clockwork.NewRealClock(), Options{})

	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	assert.Equal(t, 1, transport.closeCount())
	assert.True(t, errors.Is(sink.Write([]byte("late")), domain.ErrSinkClosed))
}

func TestSink_ConcurrentWriteAndClose(t *testing.T) {
	transport := &recordingTransport{}
	sink := NewSink(transport, clockwork.NewRealClock(), Options{BufferSize: 4})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				_ = sink.Write([]byte("x"))
			}
		}()
	}
	require.NoError(t, sink.Close())
	wg.Wait()
}

func TestSink_KeepAlive(t *testing.T) {
	clock := clockwork.NewFakeClock()
	transport := &recordingTransport{}
	sink := NewSink(transport, clock, Options{KeepAlive: 10 * time.Second})
	t.Cleanup(func() { _ = sink.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return len(transport.received()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{":\n\n"}, transport.received())

	clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return len(transport.received()) == 2 }, time.Second, time.Millisecond)
}

func TestSink_NoKeepAliveByDefault(t *testing.T) {
	clock := clockwork.NewFakeClock()
	transport := &recordingTransport{}
	sink := NewSink(transport, clock, Options{})
	t.Cleanup(func() { _ = sink.Close() })

	clock.Advance(time.Hour)
	assert.Never(t, func() bool { return len(transport.received()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestSink_UniqueIDs(t *testing.T) {
	a := NewSink(&recordingTransport{}, clockwork.NewRealClock(), Options{})
	b := NewSink(&recordingTransport{}, clockwork.NewRealClock(), Options{})
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})

	assert.NotEqual(t, a.ID(), b.ID())
}
