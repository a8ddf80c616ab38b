package gateway

import (
	"sync"

	"github.com/Jingxuan97/Pneumatic/errors"
)

// connSink is the bounded per-connection send queue behind a handle.
// Deliver never blocks: a full queue means the receiver cannot keep up,
// and the caller reacts by removing the handle. The queue is drained by
// the session's single write pump, which preserves delivery order.
type connSink struct {
	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnSink(queueSize int) *connSink {
	return &connSink{
		send:   make(chan []byte, queueSize),
		closed: make(chan struct{}),
	}
}

// Deliver enqueues a payload for the write pump.
func (s *connSink) Deliver(payload []byte) error {
	select {
	case <-s.closed:
		return errors.ErrHandleClosed
	default:
	}

	select {
	case s.send <- payload:
		return nil
	case <-s.closed:
		return errors.ErrHandleClosed
	default:
		return errors.ErrQueueFull
	}
}

// Close stops the sink. Queued payloads are discarded. Idempotent.
func (s *connSink) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}
