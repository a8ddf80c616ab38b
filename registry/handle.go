package registry

import (
	"sync"

	"github.com/google/uuid"

	"github.com/Jingxuan97/Pneumatic/errors"
)

// Sink is the delivery endpoint behind a handle. Deliver must not block:
// implementations enqueue onto a bounded per-connection queue and return
// ErrQueueFull when the receiver cannot keep up. Close is idempotent.
type Sink interface {
	Deliver(payload []byte) error
	Close()
}

// Handle is one live bidirectional session for a connected identity. An
// identity may own many concurrent handles (multi-device). Handles are
// created on successful handshake and destroyed by Registry.Remove on
// disconnect or detected delivery failure.
type Handle struct {
	id       string
	identity string
	sink     Sink

	mu     sync.Mutex
	joined map[string]struct{}
	closed bool
}

// NewHandle creates a handle for an authenticated identity.
func NewHandle(identity string, sink Sink) *Handle {
	return &Handle{
		id:       uuid.NewString(),
		identity: identity,
		sink:     sink,
		joined:   make(map[string]struct{}),
	}
}

// ID returns the unique handle id.
func (h *Handle) ID() string { return h.id }

// Identity returns the authenticated principal that owns this handle.
func (h *Handle) Identity() string { return h.identity }

// Deliver forwards a payload to the handle's sink. Safe to call
// concurrently; returns ErrHandleClosed after removal.
func (h *Handle) Deliver(payload []byte) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return errors.ErrHandleClosed
	}
	return h.sink.Deliver(payload)
}

// markJoined records channel membership on the handle for cleanup on removal.
// Returns false if the handle is already closed.
func (h *Handle) markJoined(conversationID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.joined[conversationID] = struct{}{}
	return true
}

func (h *Handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handle) markLeft(conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.joined, conversationID)
}

// close marks the handle closed and returns the channels it was joined to.
// Idempotent: the second call returns nil.
func (h *Handle) close() []string {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	channels := make([]string, 0, len(h.joined))
	for c := range h.joined {
		channels = append(channels, c)
	}
	h.joined = nil
	h.mu.Unlock()

	h.sink.Close()
	return channels
}
