package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/versionpulse/internal/domain"
	"github.com/pscheid92/versionpulse/internal/metrics"
	"github.com/pscheid92/versionpulse/internal/platform/correlation"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 4 * time.Second
	DefaultPath     = "/version.txt"
)

// ValueFunc receives every successfully fetched value.
type ValueFunc func(ctx context.Context, value string)

type Config struct {
	Scheme   string
	Path     string
	Interval time.Duration
	Timeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Scheme == "" {
		c.Scheme = "https"
	}
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Status is a point-in-time snapshot of the poll loop.
type Status struct {
	Running             bool          `json:"running"`
	Scheduled           bool          `json:"scheduled"`
	Host                string        `json:"host,omitempty"`
	LastDelay           time.Duration `json:"last_delay"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Fetches             int           `json:"fetches"`
	Failures            int           `json:"failures"`
	Cycles              int           `json:"cycles"`
	LastSuccess         time.Time     `json:"last_success,omitzero"`
	LastError           string        `json:"last_error,omitempty"`
}

// Poller fetches the upstream version file on a fixed interval while active.
//
// Every Start opens a new generation. A cycle only delivers its value and
// reschedules itself if its generation is still current, so a fetch that is in
// flight when Stop is called completes silently.
type Poller struct {
	fetcher domain.Fetcher
	clock   clockwork.Clock
	cfg     Config
	group   singleflight.Group

	mu         sync.Mutex
	host       string
	onValue    ValueFunc
	running    bool
	generation uint64
	timer      clockwork.Timer
	status     Status
}

func New(fetcher domain.Fetcher, clock clockwork.Clock, cfg Config) *Poller {
	return &Poller{
		fetcher: fetcher,
		clock:   clock,
		cfg:     cfg.withDefaults(),
	}
}

// OnValue registers the callback invoked with each fetched value.
func (p *Poller) OnValue(fn ValueFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onValue = fn
}

// SetHost records the upstream host. Only the first non-empty host is kept;
// it reports whether this call recorded it.
func (p *Poller) SetHost(host string) bool {
	if host == "" {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.host != "" {
		return false
	}
	p.host = host
	slog.Info("Upstream host resolved", "host", host)
	return true
}

// Start begins polling with an immediate fetch. Calling Start while running is
// a no-op. Start never blocks on the network.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}

	p.running = true
	p.generation++
	gen := p.generation
	metrics.PollerRunning.Set(1)
	slog.Debug("Poller started", "generation", gen)

	go p.cycle(gen)
}

// Stop cancels the pending fetch and marks the poller stopped.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}

	p.running = false
	p.generation++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	metrics.PollerRunning.Set(0)
	slog.Debug("Poller stopped", "generation", p.generation)
}

// Running reports whether the poll loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.status
	s.Running = p.running
	s.Scheduled = p.timer != nil
	s.Host = p.host
	return s
}

// urlLocked returns the upstream address, or ErrHostUnset before a host is
// known. Must be called with mu held.
func (p *Poller) urlLocked() (string, error) {
	if p.host == "" {
		return "", domain.ErrHostUnset
	}
	return fmt.Sprintf("%s://%s%s", p.cfg.Scheme, p.host, p.cfg.Path), nil
}

// current must be called with mu held.
func (p *Poller) current(gen uint64) bool {
	return p.running && p.generation == gen
}

func (p *Poller) cycle(gen uint64) {
	p.mu.Lock()
	if !p.current(gen) {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	url, err := p.urlLocked()
	p.mu.Unlock()

	ctx := correlation.WithID(context.Background(), correlation.NewID())

	var value string
	if err == nil {
		value, err = p.fetch(ctx, url)
	}

	delay := p.cfg.Interval
	if err != nil {
		delay = p.cfg.Interval / 2
		metrics.PollerFetchesTotal.WithLabelValues("error").Inc()
		slog.WarnContext(ctx, "Version fetch failed", "url", url, "error", err, "retry_in", delay)
	} else {
		metrics.PollerFetchesTotal.WithLabelValues("success").Inc()
	}

	p.mu.Lock()
	handler := p.onValue
	deliver := err == nil && p.current(gen)
	p.mu.Unlock()

	if deliver && handler != nil {
		handler(ctx, value)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.record(err, delay)

	if !p.current(gen) {
		metrics.PollerStaleCycles.Inc()
		slog.DebugContext(ctx, "Poller stopped during fetch, not rescheduling", "generation", gen)
		return
	}

	p.timer = p.clock.AfterFunc(delay, func() { p.cycle(gen) })
}

func (p *Poller) fetch(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := p.clock.Now()
	v, err, shared := p.group.Do(url, func() (any, error) {
		return p.fetcher.Fetch(ctx, url)
	})
	metrics.PollerFetchDuration.Observe(p.clock.Since(start).Seconds())

	if err != nil {
		return "", err
	}
	if shared {
		slog.DebugContext(ctx, "Joined in-flight version fetch", "url", url)
	}
	return v.(string), nil
}

// record must be called with mu held.
func (p *Poller) record(err error, delay time.Duration) {
	p.status.Cycles++
	p.status.LastDelay = delay
	if err != nil {
		p.status.Failures++
		p.status.ConsecutiveFailures++
		p.status.LastError = err.Error()
		return
	}
	p.status.Fetches++
	p.status.ConsecutiveFailures = 0
	p.status.LastError = ""
	p.status.LastSuccess = p.clock.Now()
}
