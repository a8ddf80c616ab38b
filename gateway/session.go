package gateway

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Jingxuan97/Pneumatic/errors"
	"github.com/Jingxuan97/Pneumatic/message"
	"github.com/Jingxuan97/Pneumatic/ratelimit"
	"github.com/Jingxuan97/Pneumatic/registry"
	"github.com/Jingxuan97/Pneumatic/wire"
)

// session is one live WebSocket connection after a successful handshake.
type session struct {
	srv      *Server
	conn     *websocket.Conn
	sink     *connSink
	handle   *registry.Handle
	identity string

	// Frame-rate throttle for this connection alone; independent of the
	// identity-level limiter guarding message sends.
	throttle *rate.Limiter
}

// run drives the session until the connection dies, then detaches the
// handle. Blocks for the connection's lifetime.
func (s *session) run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writePump()
	}()

	s.readLoop(ctx)

	s.srv.bus.RemoveHandle(s.handle)
	_ = s.conn.Close()
	<-done
}

// writePump is the connection's only writer. It drains the sink queue
// and emits liveness pings.
func (s *session) writePump() {
	ticker := time.NewTicker(s.srv.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case payload := <-s.sink.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.srv.writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(s.srv.writeWait)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-s.sink.closed:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.srv.writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *session) readLoop(ctx context.Context) {
	s.conn.SetReadLimit(s.srv.maxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.srv.pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.srv.pongWait))
		// A live pong refreshes the presence record, keeping the TTL a
		// liveness signal rather than a connect-time one.
		s.srv.presence.MarkOnline(ctx, s.identity)
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		if !s.throttle.Allow() {
			s.deliver(wire.ErrorFrame(errors.ReasonRateLimited))
			continue
		}

		frame, err := wire.DecodeClientFrame(data)
		if err != nil {
			// Protocol errors close this connection only.
			s.deliver(wire.ErrorFrame(errors.ReasonCode(err)))
			return
		}

		switch frame.Type {
		case wire.TypeJoin:
			s.handleJoin(ctx, frame)
		case wire.TypeMessage:
			s.handleMessage(ctx, frame)
		}
	}
}

func (s *session) handleJoin(ctx context.Context, frame wire.ClientFrame) {
	if frame.ConversationID == "" {
		s.deliver(wire.ErrorFrame(errors.ReasonInvalidMessage))
		return
	}

	member, err := s.srv.members.IsMember(ctx, s.identity, frame.ConversationID)
	if err != nil {
		s.srv.logger.Warn("membership check failed",
			"identity", s.identity,
			"conversation_id", frame.ConversationID,
			"error", err)
		s.deliver(wire.ErrorFrame(errors.ReasonStoreUnavailable))
		return
	}
	if !member {
		s.deliver(wire.ErrorFrame(errors.ReasonNotMember))
		return
	}

	if err := s.srv.bus.Join(s.handle, frame.ConversationID); err != nil {
		s.deliver(wire.ErrorFrame(errors.ReasonInternal))
		return
	}
	s.deliver(wire.JoinedFrame(frame.ConversationID))
}

func (s *session) handleMessage(ctx context.Context, frame wire.ClientFrame) {
	decision := s.srv.limiter.Allow(ratelimit.UserKey(s.identity), "message")
	if !decision.Allowed {
		s.srv.metrics.RateLimited.Inc()
		s.deliver(wire.ErrorFrame(errors.ReasonRateLimited))
		return
	}

	inbound := message.Inbound{
		MessageID:      frame.MessageID,
		SenderID:       s.identity,
		ConversationID: frame.ConversationID,
		Content:        frame.Content,
	}
	result, err := s.srv.pipeline.Accept(ctx, inbound)
	if err != nil {
		s.deliver(wire.ErrorFrame(errors.ReasonCode(err)))
		return
	}
	// A created message needs no ack frame: delivery via the sender's own
	// joined handles is the acknowledgement. A replay is not re-broadcast,
	// so the stored original goes back on the submitting handle alone.
	if !result.Created {
		if data, err := wire.MessageFrame(result.Message); err == nil {
			s.deliver(data)
		}
	}
}

// deliver pushes a server frame onto this connection's own queue,
// bypassing fan-out.
func (s *session) deliver(payload []byte) {
	if err := s.handle.Deliver(payload); err != nil {
		s.srv.logger.Debug("direct delivery failed", "identity", s.identity, "error", err)
	}
}
