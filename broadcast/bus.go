// Package broadcast implements conversation fan-out across local handles
// and peer processes.
//
// Delivery is echo-driven: while the transport is connected, Publish sends
// to the topic only and every process, publisher included, delivers on the
// subscription callback. Each handle therefore receives a message exactly
// once regardless of which process ingested it. When the transport is
// absent or a publish fails, the bus falls back to direct local fanout so
// single-process operation keeps working at full fidelity.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Jingxuan97/Pneumatic/errors"
	"github.com/Jingxuan97/Pneumatic/health"
	"github.com/Jingxuan97/Pneumatic/message"
	"github.com/Jingxuan97/Pneumatic/metric"
	"github.com/Jingxuan97/Pneumatic/registry"
	"github.com/Jingxuan97/Pneumatic/wire"
)

const (
	componentName   = "broadcast"
	removalQueueLen = 256
	healthInterval  = 5 * time.Second
)

// Bus routes messages between the ingestion pipeline, the shared
// transport, and locally connected handles.
type Bus struct {
	reg       *registry.Registry
	transport Transport
	logger    *slog.Logger
	metrics   *metric.Metrics
	monitor   *health.Monitor

	// Invoked when an identity's last local handle is removed, after the
	// handle is fully detached. Used to mark presence offline.
	onIdentityOffline func(identity string)

	subsMu sync.Mutex
	subs   map[string]func() error
	// Conversations with local members whose topic subscription is
	// missing (subscribe failed on first join). Publish covers these with
	// direct local fanout until a retry lands the subscription.
	pending map[string]struct{}

	removals chan *registry.Handle
	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithTransport attaches the shared pub/sub transport.
func WithTransport(t Transport) Option {
	return func(b *Bus) { b.transport = t }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithMetrics wires the bus into a shared metric set.
func WithMetrics(m *metric.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithHealthMonitor registers the bus with a health monitor; the bus
// reports degraded while the transport is unreachable.
func WithHealthMonitor(m *health.Monitor) Option {
	return func(b *Bus) { b.monitor = m }
}

// WithOnIdentityOffline sets the callback fired when an identity's last
// local handle goes away.
func WithOnIdentityOffline(fn func(identity string)) Option {
	return func(b *Bus) { b.onIdentityOffline = fn }
}

// New creates a bus over the given registry.
func New(reg *registry.Registry, opts ...Option) *Bus {
	b := &Bus{
		reg:      reg,
		logger:   slog.New(slog.DiscardHandler),
		metrics:  metric.NewMetrics(),
		subs:     make(map[string]func() error),
		pending:  make(map[string]struct{}),
		removals: make(chan *registry.Handle, removalQueueLen),
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start launches the background cleanup and health workers.
func (b *Bus) Start(ctx context.Context) error {
	b.wg.Add(1)
	go b.cleanupLoop(ctx)

	if b.monitor != nil || b.transport != nil {
		b.wg.Add(1)
		go b.healthLoop(ctx)
	}
	return nil
}

// Stop drains the background workers. Safe to call more than once.
func (b *Bus) Stop(timeout time.Duration) error {
	b.stopOnce.Do(func() { close(b.shutdown) })

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.New("cleanup workers still running"), "broadcast.Bus", "Stop", "drain workers")
	}
}

// Publish routes a stored message to every handle joined to its
// conversation, here and on peer processes. Fan-out problems are absorbed:
// the sender's append already succeeded, so Publish only fails when the
// message cannot be encoded.
func (b *Bus) Publish(ctx context.Context, m message.Message) error {
	data, err := wire.MessageFrame(m)
	if err != nil {
		return errors.Wrap(err, "broadcast.Bus", "Publish", "encode frame")
	}

	if b.transport != nil && b.transport.Connected() {
		err := b.transport.Publish(ctx, Topic(m.ConversationID), data)
		if err == nil {
			b.metrics.BroadcastPublished.WithLabelValues("transport").Inc()
			// A conversation without a live subscription gets no echo;
			// its local handles are covered directly.
			if b.subscriptionMissing(m.ConversationID) {
				b.localFanout(m.ConversationID, data)
			}
			return nil
		}
		b.logger.Warn("transport publish failed, falling back to local fanout",
			"conversation_id", m.ConversationID,
			"message_id", m.MessageID,
			"error", err)
	}

	b.localFanout(m.ConversationID, data)
	b.metrics.BroadcastPublished.WithLabelValues("local").Inc()
	return nil
}

// Join adds a handle to a conversation. The first local member triggers a
// transport subscription for the conversation's topic.
func (b *Bus) Join(h *registry.Handle, conversationID string) error {
	first, ok := b.reg.JoinChannel(h, conversationID)
	if !ok {
		return errors.WrapConflict(errors.ErrHandleClosed, "broadcast.Bus", "Join", "join channel")
	}
	if first {
		b.subscribeTopic(conversationID)
	}
	return nil
}

// Leave removes a handle from a conversation. The last local member
// leaving drops the transport subscription.
func (b *Bus) Leave(h *registry.Handle, conversationID string) {
	if b.reg.LeaveChannel(h, conversationID) {
		b.unsubscribeTopic(conversationID)
	}
}

// RemoveHandle destroys a handle, releasing any subscriptions its
// memberships were holding open. Returns whether the identity's last
// local handle just went away.
func (b *Bus) RemoveHandle(h *registry.Handle) bool {
	lastHandle, emptied := b.reg.Remove(h)
	for _, conversationID := range emptied {
		b.unsubscribeTopic(conversationID)
	}
	if lastHandle && b.onIdentityOffline != nil {
		b.onIdentityOffline(h.Identity())
	}
	return lastHandle
}

// Health reports the bus's current capability level.
func (b *Bus) Health() health.Status {
	switch {
	case b.transport == nil:
		return health.NewHealthy(componentName, "local-only, no transport configured")
	case b.transport.Connected():
		return health.NewHealthy(componentName, "transport connected")
	default:
		return health.NewDegraded(componentName, "transport unreachable, local-only fanout")
	}
}

func (b *Bus) subscribeTopic(conversationID string) {
	if b.transport == nil {
		return
	}

	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	if _, exists := b.subs[conversationID]; exists {
		return
	}
	unsubscribe, err := b.transport.Subscribe(Topic(conversationID), func(data []byte) {
		b.localFanout(conversationID, data)
	})
	if err != nil {
		// Mark the conversation pending: Publish fans out to its local
		// members directly and the health loop retries the subscribe.
		// Only inbound cross-process delivery is lost in the meantime.
		b.pending[conversationID] = struct{}{}
		b.logger.Warn("topic subscribe failed",
			"conversation_id", conversationID,
			"error", err)
		return
	}
	b.subs[conversationID] = unsubscribe
	delete(b.pending, conversationID)

	// A concurrent last-leave may have emptied the channel between the
	// registry refcount and this subscribe; drop the orphan immediately.
	if len(b.reg.HandlesInChannel(conversationID)) == 0 {
		delete(b.subs, conversationID)
		if err := unsubscribe(); err != nil {
			b.logger.Warn("orphan unsubscribe failed", "conversation_id", conversationID, "error", err)
		}
	}
}

func (b *Bus) subscriptionMissing(conversationID string) bool {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	_, missing := b.pending[conversationID]
	return missing
}

// retrySubscriptions attempts the topic subscriptions that failed on
// first join, while the transport is reachable.
func (b *Bus) retrySubscriptions() {
	if b.transport == nil || !b.transport.Connected() {
		return
	}

	b.subsMu.Lock()
	missing := make([]string, 0, len(b.pending))
	for conversationID := range b.pending {
		missing = append(missing, conversationID)
	}
	b.subsMu.Unlock()

	for _, conversationID := range missing {
		if len(b.reg.HandlesInChannel(conversationID)) == 0 {
			b.subsMu.Lock()
			delete(b.pending, conversationID)
			b.subsMu.Unlock()
			continue
		}
		b.subscribeTopic(conversationID)
	}
}

func (b *Bus) unsubscribeTopic(conversationID string) {
	b.subsMu.Lock()
	unsubscribe := b.subs[conversationID]
	delete(b.subs, conversationID)
	delete(b.pending, conversationID)
	b.subsMu.Unlock()

	if unsubscribe == nil {
		return
	}
	if err := unsubscribe(); err != nil {
		b.logger.Warn("topic unsubscribe failed", "conversation_id", conversationID, "error", err)
	}
}

// localFanout delivers a payload to every local handle joined to the
// conversation. A failing sink is isolated: it is queued for removal and
// the remaining handles still receive the payload.
func (b *Bus) localFanout(conversationID string, data []byte) {
	for _, h := range b.reg.HandlesInChannel(conversationID) {
		if err := h.Deliver(data); err != nil {
			b.metrics.DeliveryFailures.Inc()
			b.logger.Warn("delivery failed, scheduling handle removal",
				"handle_id", h.ID(),
				"identity", h.Identity(),
				"conversation_id", conversationID,
				"error", err)
			b.scheduleRemoval(h)
			continue
		}
		b.metrics.DeliveriesTotal.Inc()
	}
}

func (b *Bus) scheduleRemoval(h *registry.Handle) {
	select {
	case b.removals <- h:
	default:
		// Queue saturated; remove inline rather than drop the cleanup.
		b.RemoveHandle(h)
	}
}

func (b *Bus) cleanupLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case h := <-b.removals:
			b.RemoveHandle(h)
		case <-ctx.Done():
			return
		case <-b.shutdown:
			return
		}
	}
}

func (b *Bus) healthLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	b.reportHealth()
	for {
		select {
		case <-ticker.C:
			b.reportHealth()
			b.retrySubscriptions()
		case <-ctx.Done():
			return
		case <-b.shutdown:
			return
		}
	}
}

func (b *Bus) reportHealth() {
	status := b.Health()
	if b.monitor != nil {
		b.monitor.Update(componentName, status)
	}
	if b.transport != nil {
		connected := 0.0
		if b.transport.Connected() {
			connected = 1
		}
		b.metrics.TransportConnected.Set(connected)
	}
}
