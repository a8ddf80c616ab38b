// Package wire defines the tagged envelope exchanged with connected
// clients. The frame set is closed: anything outside it is a protocol
// error and the offending connection is closed, never the process.
package wire

import (
	"encoding/json"

	"github.com/Jingxuan97/Pneumatic/errors"
	"github.com/Jingxuan97/Pneumatic/message"
)

// Frame type tags. "message" appears in both directions: client→core it
// carries message_id/conversation_id/content, core→client it carries the
// canonical stored message.
const (
	TypeJoin    = "join"
	TypeMessage = "message"
	TypeJoined  = "joined"
	TypeError   = "error"
)

// ClientFrame is a decoded client→core envelope.
type ClientFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	Content        string `json:"content,omitempty"`
}

// DecodeClientFrame parses and gates an inbound envelope. Returns
// ErrMalformedEnvelope for non-JSON or a missing type tag, and
// ErrUnknownFrameType for a tag outside the closed client set.
func DecodeClientFrame(data []byte) (ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return ClientFrame{}, errors.WrapProtocol(errors.ErrMalformedEnvelope, "wire", "DecodeClientFrame", "parse envelope")
	}
	switch f.Type {
	case TypeJoin, TypeMessage:
		return f, nil
	case "":
		return ClientFrame{}, errors.WrapProtocol(errors.ErrMalformedEnvelope, "wire", "DecodeClientFrame", "missing type tag")
	default:
		return ClientFrame{}, errors.WrapProtocol(errors.ErrUnknownFrameType, "wire", "DecodeClientFrame", "gate frame type")
	}
}

type joinedFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

type messageFrame struct {
	Type    string          `json:"type"`
	Message message.Message `json:"message"`
}

type errorFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// JoinedFrame acknowledges a join.
func JoinedFrame(conversationID string) []byte {
	data, _ := json.Marshal(joinedFrame{Type: TypeJoined, ConversationID: conversationID})
	return data
}

// MessageFrame wraps a stored message for delivery. This is also the
// payload published on the broadcast transport, so every peer process
// fans out identical bytes.
func MessageFrame(m message.Message) ([]byte, error) {
	return json.Marshal(messageFrame{Type: TypeMessage, Message: m})
}

// ErrorFrame reports a stable reason code to the client.
func ErrorFrame(reason string) []byte {
	data, _ := json.Marshal(errorFrame{Type: TypeError, Reason: reason})
	return data
}
