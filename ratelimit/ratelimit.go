// Package ratelimit enforces per-key operation budgets over two fixed,
// wall-clock-aligned windows: a per-minute burst budget and a per-hour
// sustained budget. An operation is admitted only when both windows have
// capacity; a denial consumes nothing.
package ratelimit

import (
	"sync"
	"time"
)

// Default budgets.
const (
	DefaultPerMinute = 60
	DefaultPerHour   = 1000
)

// UserKey builds the limiter key for an authenticated identity.
func UserKey(identity string) string { return "user:" + identity }

// AddrKey builds the limiter key for an unauthenticated remote address.
func AddrKey(addr string) string { return "addr:" + addr }

// Decision is the outcome of an admission check. For admitted operations
// Remaining/ResetAt describe the tighter of the two windows; for denials
// they describe the exhausted window and RetryAfter is non-zero.
type Decision struct {
	Allowed    bool
	Exempt     bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

type window struct {
	start  time.Time
	counts map[string]int
}

// roll resets the window when wall-clock time has moved past it, which
// also prunes every stale key in one step.
func (w *window) roll(start time.Time) {
	if !w.start.Equal(start) {
		w.start = start
		w.counts = make(map[string]int)
	}
}

// Limiter is a thread-safe dual-window rate limiter.
type Limiter struct {
	perMinute int
	perHour   int
	exempt    map[string]struct{}
	now       func() time.Time

	mu     sync.Mutex
	minute window
	hour   window
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLimits overrides the per-minute and per-hour budgets.
func WithLimits(perMinute, perHour int) Option {
	return func(l *Limiter) {
		if perMinute > 0 {
			l.perMinute = perMinute
		}
		if perHour > 0 {
			l.perHour = perHour
		}
	}
}

// WithExemptClasses marks operation classes that bypass limiting
// unconditionally (liveness pings, protocol acks).
func WithExemptClasses(classes ...string) Option {
	return func(l *Limiter) {
		for _, class := range classes {
			l.exempt[class] = struct{}{}
		}
	}
}

// WithNow injects the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter with default budgets.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		perMinute: DefaultPerMinute,
		perHour:   DefaultPerHour,
		exempt:    make(map[string]struct{}),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow decides whether the keyed operation may proceed. Admission
// consumes one unit from both windows; denial consumes nothing.
func (l *Limiter) Allow(key, opClass string) Decision {
	if _, ok := l.exempt[opClass]; ok {
		return Decision{Allowed: true, Exempt: true}
	}

	now := l.now()
	minuteStart := now.Truncate(time.Minute)
	hourStart := now.Truncate(time.Hour)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.minute.roll(minuteStart)
	l.hour.roll(hourStart)

	minuteUsed := l.minute.counts[key]
	hourUsed := l.hour.counts[key]

	if minuteUsed >= l.perMinute {
		resetAt := minuteStart.Add(time.Minute)
		return Decision{
			Limit:      l.perMinute,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}
	}
	if hourUsed >= l.perHour {
		resetAt := hourStart.Add(time.Hour)
		return Decision{
			Limit:      l.perHour,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}
	}

	l.minute.counts[key] = minuteUsed + 1
	l.hour.counts[key] = hourUsed + 1

	// Report the window closer to exhaustion.
	minuteLeft := l.perMinute - minuteUsed - 1
	hourLeft := l.perHour - hourUsed - 1
	decision := Decision{
		Allowed:   true,
		Limit:     l.perMinute,
		Remaining: minuteLeft,
		ResetAt:   minuteStart.Add(time.Minute),
	}
	if hourLeft < minuteLeft {
		decision.Limit = l.perHour
		decision.Remaining = hourLeft
		decision.ResetAt = hourStart.Add(time.Hour)
	}
	return decision
}
