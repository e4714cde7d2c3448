package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL         = 10 * time.Minute
	limiterCleanupInterval = 5 * time.Minute
)

// LimitReason describes why a connection was rejected.
type LimitReason string

const (
	LimitReasonGlobal LimitReason = "global_limit"
	LimitReasonPerIP  LimitReason = "per_ip_limit"
	LimitReasonRate   LimitReason = "rate_limit"
)

// globalLimiter caps concurrent stream connections per instance.
type globalLimiter struct {
	current atomic.Int64
	max     int64
}

func (l *globalLimiter) acquire() bool {
	for {
		current := l.current.Load()
		if current >= l.max {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (l *globalLimiter) release() {
	l.current.Add(-1)
}

// perIPLimiter caps concurrent connections from one address.
type perIPLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	max    int
}

func (l *perIPLimiter) acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.counts[ip] >= l.max {
		return false
	}
	l.counts[ip]++
	return true
}

func (l *perIPLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch n := l.counts[ip]; {
	case n > 1:
		l.counts[ip] = n - 1
	case n == 1:
		delete(l.counts, ip)
	}
}

func (l *perIPLimiter) uniqueIPs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.counts)
}

// rateLimiter is a token bucket per address; idle buckets are dropped.
type rateLimiter struct {
	clock clockwork.Clock
	limit rate.Limit
	burst int

	mu        sync.Mutex
	buckets   map[string]*bucket
	cleanupAt time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func (l *rateLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.After(l.cleanupAt) {
		for key, b := range l.buckets {
			if now.Sub(b.lastSeen) > limiterIdleTTL {
				delete(l.buckets, key)
			}
		}
		l.cleanupAt = now.Add(limiterCleanupInterval)
	}

	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func (l *rateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// ConnectionLimits guards the stream endpoints with a global cap, a per-IP
// cap and a per-IP connection rate.
type ConnectionLimits struct {
	global *globalLimiter
	perIP  *perIPLimiter
	rate   *rateLimiter
}

func NewConnectionLimits(clock clockwork.Clock, globalMax int64, perIPMax int, connectionsPerSecond float64, burst int) *ConnectionLimits {
	return &ConnectionLimits{
		global: &globalLimiter{max: globalMax},
		perIP:  &perIPLimiter{counts: make(map[string]int), max: perIPMax},
		rate: &rateLimiter{
			clock:     clock,
			limit:     rate.Limit(connectionsPerSecond),
			burst:     burst,
			buckets:   make(map[string]*bucket),
			cleanupAt: clock.Now().Add(limiterCleanupInterval),
		},
	}
}

// Acquire reserves a connection slot for ip. On failure nothing is held and
// the reason is returned.
func (l *ConnectionLimits) Acquire(ip string) (bool, LimitReason) {
	if !l.rate.allow(ip) {
		return false, LimitReasonRate
	}
	if !l.global.acquire() {
		return false, LimitReasonGlobal
	}
	if !l.perIP.acquire(ip) {
		l.global.release()
		return false, LimitReasonPerIP
	}
	return true, ""
}

// Release frees a slot previously reserved by Acquire.
func (l *ConnectionLimits) Release(ip string) {
	l.perIP.release(ip)
	l.global.release()
}

// Current returns the number of held connection slots.
func (l *ConnectionLimits) Current() int64 {
	return l.global.current.Load()
}

// UniqueIPs returns the number of addresses holding at least one slot.
func (l *ConnectionLimits) UniqueIPs() int {
	return l.perIP.uniqueIPs()
}
