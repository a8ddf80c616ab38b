// Package store holds the durable message log and the conversation
// membership authority consumed by the ingestion pipeline.
package store

import (
	"context"
	"sync"

	"github.com/Jingxuan97/Pneumatic/message"
)

// MembershipChecker answers whether an identity may post to a
// conversation. The fan-out core treats membership as an external
// authority; it never mutates it.
type MembershipChecker interface {
	IsMember(ctx context.Context, identity, conversationID string) (bool, error)
}

// MessageStore is the durable, idempotent message log. Append is atomic
// and unique on message_id: the first write wins and later writes with
// the same id return the stored original with Created=false.
type MessageStore interface {
	Append(ctx context.Context, inbound message.Inbound) (message.AppendResult, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]message.Message, error)
}

// MemoryMembership is an in-process membership table, used standalone in
// single-node deployments and as the seedable authority in tests.
type MemoryMembership struct {
	mu      sync.RWMutex
	members map[string]map[string]struct{}
}

// NewMemoryMembership creates an empty membership table.
func NewMemoryMembership() *MemoryMembership {
	return &MemoryMembership{members: make(map[string]map[string]struct{})}
}

// AddMember grants an identity access to a conversation.
func (m *MemoryMembership) AddMember(conversationID, identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[conversationID] == nil {
		m.members[conversationID] = make(map[string]struct{})
	}
	m.members[conversationID][identity] = struct{}{}
}

// RemoveMember revokes an identity's access to a conversation.
func (m *MemoryMembership) RemoveMember(conversationID, identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members[conversationID], identity)
}

// IsMember reports whether the identity belongs to the conversation.
func (m *MemoryMembership) IsMember(_ context.Context, identity, conversationID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.members[conversationID][identity]
	return ok, nil
}
