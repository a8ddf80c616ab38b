// Package message defines the wire and storage shape of a chat message.
//
// MessageID is the global idempotency key within a conversation: the first
// durable write wins, and later writes with the same id return the original
// unchanged.
package message

import (
	"encoding/json"
	"time"
)

// Message is the canonical persisted form of a chat message.
type Message struct {
	ID             string    `json:"id"`
	MessageID      string    `json:"message_id"`
	SenderID       string    `json:"sender_id"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Inbound is a client-submitted message before validation and persistence.
// SenderID is always the connection's resolved identity, never client input.
type Inbound struct {
	MessageID      string `json:"message_id" validate:"required,max=128"`
	SenderID       string `json:"sender_id" validate:"required"`
	ConversationID string `json:"conversation_id" validate:"required,max=128"`
	Content        string `json:"content" validate:"required"`
}

// AppendResult reports whether Append created a new record or hit an
// existing message_id. Message always holds the stored original.
type AppendResult struct {
	Created bool
	Message Message
}

// Encode serializes a message for the broadcast topic.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode deserializes a message from the broadcast topic.
func Decode(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}
