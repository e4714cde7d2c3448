package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/versionpulse/internal/broadcast"
	"github.com/pscheid92/versionpulse/internal/platform/config"
	"github.com/pscheid92/versionpulse/internal/poller"
	"github.com/pscheid92/versionpulse/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testVersion = "1.2.3"

type testEnv struct {
	server      *Server
	broadcaster *broadcast.Broadcaster
	poller      *poller.Poller
	http        *httptest.Server
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "version.txt"), []byte(testVersion), 0o644))

	return &config.Config{
		AppEnv:               "development",
		Port:                 "0",
		PublicDir:            dir,
		VersionPath:          "/version.txt",
		PollInterval:         5 * time.Second,
		FetchTimeout:         time.Second,
		StreamMode:           config.StreamModeFanOut,
		KeepAliveInterval:    20 * time.Millisecond,
		MaxWriteFailures:     3,
		SinkBufferSize:       16,
		WriteTimeout:         time.Second,
		MaxConnections:       100,
		MaxConnectionsPerIP:  10,
		ConnectionsPerSecond: 100,
		ConnectionBurst:      100,
	}
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := testConfig(t)
	if mutate != nil {
		mutate(cfg)
	}

	clock := clockwork.NewRealClock()
	p := poller.New(poller.NewHTTPFetcher(&http.Client{Timeout: cfg.FetchTimeout}), clock, poller.Config{
		Scheme:   cfg.Scheme(),
		Path:     cfg.VersionPath,
		Interval: cfg.PollInterval,
		Timeout:  cfg.FetchTimeout,
	})
	b := broadcast.NewBroadcaster(p, cfg.MaxWriteFailures)
	srv := NewServer(cfg, b, p, clock)

	ts := httptest.NewServer(srv.echo)
	t.Cleanup(ts.Close)
	t.Cleanup(b.Close)

	return &testEnv{server: srv, broadcaster: b, poller: p, http: ts}
}

func openStream(t *testing.T, url string) (*http.Response, *bufio.Reader) {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp, bufio.NewReader(resp.Body)
}

// readFrame reads one blank-line terminated frame, failing the test if none
// arrives in time.
func readFrame(t *testing.T, r *bufio.Reader) string {
	t.Helper()

	type result struct {
		frame string
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		var sb strings.Builder
		for {
			line, err := r.ReadString('\n')
			sb.WriteString(line)
			if err != nil {
				ch <- result{sb.String(), err}
				return
			}
			if line == "\n" {
				ch <- result{sb.String(), nil}
				return
			}
		}
	}()

	select {
	case res := <-ch:
		require.NoError(t, res.err)
		return res.frame
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frame")
		return ""
	}
}

func TestVersionStream_FanOut(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, r := openStream(t, env.http.URL+"/api/version")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	for k, v := range stream.EventStreamHeaders {
		assert.Equal(t, v, resp.Header.Get(k), k)
	}

	assert.Equal(t, "id:\nevent:version\ndata:"+testVersion+"\nretry:500\n\n", readFrame(t, r))
	assert.Equal(t, 1, env.broadcaster.Count())
	assert.True(t, env.poller.Running())
}

func TestVersionStream_HostFromFirstRequest(t *testing.T) {
	env := newTestEnv(t, nil)

	_, r := openStream(t, env.http.URL+"/api/version")
	readFrame(t, r)

	status := env.poller.Status()
	assert.Equal(t, strings.TrimPrefix(env.http.URL, "http://"), status.Host)
	assert.Zero(t, status.ConsecutiveFailures)
}

func TestVersionStream_DisconnectStopsPoller(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, r := openStream(t, env.http.URL+"/api/version")
	readFrame(t, r)
	require.NoError(t, resp.Body.Close())

	assert.Eventually(t, func() bool {
		return env.broadcaster.Count() == 0 && !env.poller.Running()
	}, 3*time.Second, 10*time.Millisecond)
}

func TestVersionStream_SecondClientJoinsRunningPoller(t *testing.T) {
	env := newTestEnv(t, nil)

	_, r1 := openStream(t, env.http.URL+"/api/version")
	assert.Contains(t, readFrame(t, r1), "data:"+testVersion)

	openStream(t, env.http.URL+"/api/version")
	assert.Eventually(t, func() bool { return env.broadcaster.Count() == 2 }, 3*time.Second, 10*time.Millisecond)

	// Joining does not trigger another fetch; the next one waits for the interval.
	assert.Eventually(t, func() bool { return env.poller.Status().Fetches == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.True(t, env.poller.Status().Scheduled)
}

func TestVersionStream_KeepAliveMode(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.StreamMode = config.StreamModeKeepAlive
	})

	resp, r := openStream(t, env.http.URL+"/api/version")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	connected := readFrame(t, r)
	assert.True(t, strings.HasPrefix(connected, "id:\nevent:connected\ndata:"), connected)
	assert.True(t, strings.HasSuffix(connected, "\nretry:500\n\n"), connected)

	assert.Equal(t, ":\n\n", readFrame(t, r))
	assert.Equal(t, ":\n\n", readFrame(t, r))

	assert.Zero(t, env.broadcaster.Count())
	assert.False(t, env.poller.Running())
}

// readToEOF drains r, failing the test if the stream does not end in time.
func readToEOF(t *testing.T, r io.Reader) {
	t.Helper()

	done := make(chan error, 1)
	go func() {
		_, err := io.ReadAll(r)
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("stream still open after shutdown")
	}
}

func TestShutdown_EndsKeepAliveStreams(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.StreamMode = config.StreamModeKeepAlive
		cfg.KeepAliveInterval = time.Hour
	})

	_, r := openStream(t, env.http.URL+"/api/version")
	readFrame(t, r)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, env.server.Shutdown(ctx))

	readToEOF(t, r)
}

func TestShutdown_EndsWebSocketStreams(t *testing.T) {
	env := newTestEnv(t, nil)

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws/version"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	defer func() { _ = conn.Close() }()
	require.Eventually(t, func() bool { return env.broadcaster.Count() == 1 }, 3*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, env.server.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) {
				assert.False(t, netErr.Timeout(), "connection was not closed on shutdown")
			}
			break
		}
	}
	assert.Eventually(t, func() bool { return env.broadcaster.Count() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestVersionStream_GlobalLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	env.server.limits = NewConnectionLimits(clockwork.NewRealClock(), 0, 10, 100, 100)

	rec := httptest.NewRecorder()
	env.server.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/version", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unavailable", body["type"])
	assert.Zero(t, env.broadcaster.Count())
}

func TestVersionStream_PerIPLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	env.server.limits = NewConnectionLimits(clockwork.NewRealClock(), 10, 0, 100, 100)

	rec := httptest.NewRecorder()
	env.server.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/version", nil))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.False(t, env.poller.Running())
}

func TestVersionWebSocket_FanOut(t *testing.T) {
	env := newTestEnv(t, nil)

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws/version"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	kind, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	assert.Equal(t, "id:\nevent:version\ndata:"+testVersion+"\nretry:500\n\n", string(msg))

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return env.broadcaster.Count() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestVersionWebSocket_RequiresUpgrade(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.http.URL + "/ws/version")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, env.broadcaster.Count())
}

func TestStaticVersionFile(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := httptest.NewRecorder()
	env.server.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version.txt", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, testVersion, rec.Body.String())
}

func TestCorrelationHeader(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Correlation-ID", "abc123")
	rec := httptest.NewRecorder()
	env.server.echo.ServeHTTP(rec, req)
	assert.Equal(t, "abc123", rec.Header().Get("X-Correlation-ID"))

	rec = httptest.NewRecorder()
	env.server.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Len(t, rec.Header().Get("X-Correlation-ID"), 8)
}
