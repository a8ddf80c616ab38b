// Package presence maintains TTL-backed online state in an external
// key-value store. Presence is best-effort: if the store is unreachable,
// every operation degrades to "unknown treated as offline", is logged, and
// never surfaces an error to the caller. Unclean process death self-heals
// within the TTL window.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Jingxuan97/Pneumatic/metric"
)

// DefaultTTL bounds how stale an online record can be after an unclean
// disconnect.
const DefaultTTL = 300 * time.Second

const keyPrefix = "presence:"

// subsetConcurrency bounds parallel existence checks in OnlineSubset. The
// backing KV has no multi-key exists, so the batch runs as bounded
// concurrent gets.
const subsetConcurrency = 8

// KV is the narrow store interface presence consumes. SetWithTTL
// creates or refreshes a key that self-expires after ttl.
type KV interface {
	SetWithTTL(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Tracker tracks which identities are online.
type Tracker struct {
	kv      KV
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metric.Metrics

	mu       sync.Mutex
	errCount int64
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithTTL overrides the presence TTL.
func WithTTL(ttl time.Duration) Option {
	return func(t *Tracker) {
		if ttl > 0 {
			t.ttl = ttl
		}
	}
}

// WithMetrics wires the tracker into a shared metric set.
func WithMetrics(m *metric.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// New creates a presence tracker over the given KV store.
func New(kv KV, logger *slog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		kv:      kv,
		ttl:     DefaultTTL,
		logger:  logger,
		metrics: metric.NewMetrics(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// TTL returns the configured presence TTL.
func (t *Tracker) TTL() time.Duration { return t.ttl }

// ErrorCount returns how many KV operations have failed since start; used
// as a health signal.
func (t *Tracker) ErrorCount() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errCount
}

func (t *Tracker) recordError(op, identity string, err error) {
	t.mu.Lock()
	t.errCount++
	t.mu.Unlock()
	t.metrics.PresenceErrors.Inc()
	t.logger.Warn("presence store unreachable, degrading",
		"op", op, "identity", identity, "error", err)
}

// MarkOnline creates or refreshes the identity's TTL key. Called on
// connect and on each successful liveness ping.
func (t *Tracker) MarkOnline(ctx context.Context, identity string) {
	if err := t.kv.SetWithTTL(ctx, keyPrefix+identity, t.ttl); err != nil {
		t.recordError("mark_online", identity, err)
	}
}

// MarkOffline deletes the identity's key on clean disconnect, giving
// faster-than-TTL offline detection.
func (t *Tracker) MarkOffline(ctx context.Context, identity string) {
	if err := t.kv.Delete(ctx, keyPrefix+identity); err != nil {
		t.recordError("mark_offline", identity, err)
	}
}

// IsOnline reports whether the identity has a live presence record.
// Store failures read as offline.
func (t *Tracker) IsOnline(ctx context.Context, identity string) bool {
	online, err := t.kv.Exists(ctx, keyPrefix+identity)
	if err != nil {
		t.recordError("is_online", identity, err)
		return false
	}
	return online
}

// OnlineSubset filters identities down to those currently online,
// preserving input order. Identities whose check fails are treated as
// offline.
func (t *Tracker) OnlineSubset(ctx context.Context, identities []string) []string {
	if len(identities) == 0 {
		return nil
	}

	online := make([]bool, len(identities))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(subsetConcurrency)

	for i, identity := range identities {
		g.Go(func() error {
			exists, err := t.kv.Exists(gctx, keyPrefix+identity)
			if err != nil {
				t.recordError("online_subset", identity, err)
				return nil
			}
			online[i] = exists
			return nil
		})
	}
	// Workers never return errors; degradation is per-identity.
	_ = g.Wait()

	subset := make([]string, 0, len(identities))
	for i, identity := range identities {
		if online[i] {
			subset = append(subset, identity)
		}
	}
	return subset
}
