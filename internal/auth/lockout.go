package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"fleetgate.org/internal/obs"
)

const (
	defaultLockoutThreshold = 5
	defaultLockoutWindow    = 15 * time.Minute
	defaultBaseBackoff      = time.Minute
	defaultMaxBackoff       = time.Hour

	defaultSourceRate  = 5
	defaultSourceBurst = 10

	limiterIdleTTL = 5 * time.Minute
)

// attemptEntry tracks consecutive failures for one (identity, source) pair.
type attemptEntry struct {
	failures     int
	firstFailure time.Time
	lockUntil    time.Time
	lockouts     int
	lastSeen     time.Time
}

// sourceBucket rate-limits login attempts per source address regardless of
// identity, against distributed guessing from a single address.
type sourceBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Guard is the brute-force defense. Counters are per (identity, source) and
// updated under one lock so a read-then-increment race cannot let extra
// attempts through. State is local and recoverable; it expires with time.
type Guard struct {
	mu      sync.Mutex
	entries map[string]*attemptEntry
	buckets map[string]*sourceBucket

	threshold   int
	window      time.Duration
	baseBackoff time.Duration
	maxBackoff  time.Duration
	sourceRate  rate.Limit
	sourceBurst int
	now         func() time.Time
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithThreshold sets the consecutive-failure count that triggers a lockout.
func WithThreshold(n int) GuardOption {
	return func(g *Guard) {
		if n > 0 {
			g.threshold = n
		}
	}
}

// WithWindow sets the sliding window within which failures accumulate.
func WithWindow(d time.Duration) GuardOption {
	return func(g *Guard) {
		if d > 0 {
			g.window = d
		}
	}
}

// WithBackoff sets the base lockout duration and its cap. The backoff doubles
// on each consecutive lockout up to the cap.
func WithBackoff(base, max time.Duration) GuardOption {
	return func(g *Guard) {
		if base > 0 {
			g.baseBackoff = base
		}
		if max >= g.baseBackoff {
			g.maxBackoff = max
		}
	}
}

// WithSourceRate sets the per-source token bucket (attempts per second, burst).
func WithSourceRate(perSecond, burst int) GuardOption {
	return func(g *Guard) {
		if perSecond > 0 {
			g.sourceRate = rate.Limit(perSecond)
		}
		if burst > 0 {
			g.sourceBurst = burst
		}
	}
}

// WithGuardClock overrides the time source (useful for tests).
func WithGuardClock(fn func() time.Time) GuardOption {
	return func(g *Guard) {
		if fn != nil {
			g.now = fn
		}
	}
}

// NewGuard constructs a Guard with bounded exponential backoff.
func NewGuard(opts ...GuardOption) *Guard {
	g := &Guard{
		entries:     make(map[string]*attemptEntry),
		buckets:     make(map[string]*sourceBucket),
		threshold:   defaultLockoutThreshold,
		window:      defaultLockoutWindow,
		baseBackoff: defaultBaseBackoff,
		maxBackoff:  defaultMaxBackoff,
		sourceRate:  defaultSourceRate,
		sourceBurst: defaultSourceBurst,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check reports whether an attempt for the pair may proceed. A locked pair is
// rejected before any credential lookup, so lockout state alone gates the
// attempt. The second return value is the lock expiry when locked.
func (g *Guard) Check(identity, source string) (bool, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[pairKey(identity, source)]
	if !ok {
		return true, time.Time{}
	}
	now := g.now()
	if e.lockUntil.After(now) {
		return false, e.lockUntil
	}
	return true, time.Time{}
}

// AllowSource consumes one token from the per-source bucket. It is
// independent of the per-identity lockout.
func (g *Guard) AllowSource(source string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	b, ok := g.buckets[source]
	if !ok {
		b = &sourceBucket{lim: rate.NewLimiter(g.sourceRate, g.sourceBurst)}
		g.buckets[source] = b
	}
	b.lastSeen = now
	g.pruneLocked(now)
	return b.lim.Allow()
}

// RecordFailure increments the failure counter for the pair. Once failures
// within the window reach the threshold the pair is locked; the lock duration
// doubles on repeated lockouts up to the configured cap.
func (g *Guard) RecordFailure(identity, source string) (locked bool, until time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	key := pairKey(identity, source)
	e, ok := g.entries[key]
	if !ok {
		e = &attemptEntry{firstFailure: now}
		g.entries[key] = e
	}
	if now.Sub(e.firstFailure) > g.window {
		e.failures = 0
		e.firstFailure = now
	}
	e.failures++
	e.lastSeen = now
	if e.failures >= g.threshold {
		backoff := g.baseBackoff << e.lockouts
		if backoff > g.maxBackoff || backoff <= 0 {
			backoff = g.maxBackoff
		}
		e.lockouts++
		e.failures = 0
		e.firstFailure = now
		e.lockUntil = now.Add(backoff)
		obs.Lockouts.Inc()
		return true, e.lockUntil
	}
	return false, time.Time{}
}

// RecordSuccess clears the counter for the pair.
func (g *Guard) RecordSuccess(identity, source string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, pairKey(identity, source))
}

// pruneLocked evicts idle entries and buckets. Caller holds g.mu.
func (g *Guard) pruneLocked(now time.Time) {
	for k, b := range g.buckets {
		if now.Sub(b.lastSeen) > limiterIdleTTL {
			delete(g.buckets, k)
		}
	}
	for k, e := range g.entries {
		if now.Sub(e.lastSeen) > g.window && !e.lockUntil.After(now) {
			delete(g.entries, k)
		}
	}
}

func pairKey(identity, source string) string {
	return NormalizeIdentity(identity) + "|" + source
}
