// Package registry tracks live transport handles per identity and per
// channel. It is pure in-memory bookkeeping: mutations are serialized by
// sharded locks, no blocking I/O ever happens under a lock, and the raw
// maps are never exposed to other components.
package registry

import (
	"hash/fnv"
	"sync"

	"github.com/samber/lo"
)

const shardCount = 16

type identityShard struct {
	mu sync.RWMutex
	// identity -> handleID -> handle
	handles map[string]map[string]*Handle
}

type channelShard struct {
	mu sync.RWMutex
	// conversationID -> handleID -> handle; an entry exists only while at
	// least one local handle is joined (reference counting by map size)
	members map[string]map[string]*Handle
}

// Registry is the connection registry. The zero value is not usable; call New.
type Registry struct {
	identities [shardCount]*identityShard
	channels   [shardCount]*channelShard

	// joinGap, when set, runs between membership marking and the channel
	// shard insert in JoinChannel. Test seam for racing removals.
	joinGap func()
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{}
	for i := 0; i < shardCount; i++ {
		r.identities[i] = &identityShard{handles: make(map[string]map[string]*Handle)}
		r.channels[i] = &channelShard{members: make(map[string]map[string]*Handle)}
	}
	return r
}

func shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

func (r *Registry) identityShardFor(identity string) *identityShard {
	return r.identities[shardIndex(identity)]
}

func (r *Registry) channelShardFor(conversationID string) *channelShard {
	return r.channels[shardIndex(conversationID)]
}

// Add registers a handle under its identity. Returns true if this is the
// identity's first live handle (the identity just came online locally).
func (r *Registry) Add(h *Handle) bool {
	s := r.identityShardFor(h.Identity())
	s.mu.Lock()
	defer s.mu.Unlock()

	owned, ok := s.handles[h.Identity()]
	if !ok {
		owned = make(map[string]*Handle)
		s.handles[h.Identity()] = owned
	}
	owned[h.ID()] = h
	return len(owned) == 1
}

// Remove destroys a handle: closes its sink, detaches it from every joined
// channel, and drops it from the identity's set. Idempotent under repeated
// or concurrent removal. Returns whether this was the identity's last
// handle, and the channels whose last local member just left (the caller
// unsubscribes those from the shared transport).
func (r *Registry) Remove(h *Handle) (lastHandle bool, emptiedChannels []string) {
	channels := h.close()
	if channels == nil {
		// Already removed.
		return false, nil
	}

	for _, conversationID := range channels {
		if r.detachFromChannel(h, conversationID) {
			emptiedChannels = append(emptiedChannels, conversationID)
		}
	}

	s := r.identityShardFor(h.Identity())
	s.mu.Lock()
	defer s.mu.Unlock()

	owned, ok := s.handles[h.Identity()]
	if !ok {
		return false, emptiedChannels
	}
	if _, present := owned[h.ID()]; !present {
		return false, emptiedChannels
	}
	delete(owned, h.ID())
	if len(owned) == 0 {
		delete(s.handles, h.Identity())
		return true, emptiedChannels
	}
	return false, emptiedChannels
}

// JoinChannel adds the handle to a conversation's local member set.
// Returns true on the first local join (the caller subscribes the
// transport topic). Joining twice is a no-op. Returns first=false,
// ok=false if the handle is already closed.
func (r *Registry) JoinChannel(h *Handle, conversationID string) (first, ok bool) {
	if !h.markJoined(conversationID) {
		return false, false
	}

	if r.joinGap != nil {
		r.joinGap()
	}

	s := r.channelShardFor(conversationID)
	s.mu.Lock()
	members, exists := s.members[conversationID]
	if !exists {
		members = make(map[string]*Handle)
		s.members[conversationID] = members
	}
	members[h.ID()] = h
	s.mu.Unlock()

	// A concurrent Remove may have run entirely between markJoined and
	// the insert; it saw no membership to detach, so undo the insert
	// rather than leak a dead handle in the member map.
	if h.isClosed() {
		r.detachFromChannel(h, conversationID)
		return false, false
	}
	return !exists, true
}

// LeaveChannel removes the handle from a conversation's local member set.
// Returns true when the last local member leaves (the caller unsubscribes
// the transport topic). Leaving a channel the handle never joined is a no-op.
func (r *Registry) LeaveChannel(h *Handle, conversationID string) (last bool) {
	h.markLeft(conversationID)
	return r.detachFromChannel(h, conversationID)
}

func (r *Registry) detachFromChannel(h *Handle, conversationID string) (last bool) {
	s := r.channelShardFor(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	members, exists := s.members[conversationID]
	if !exists {
		return false
	}
	if _, present := members[h.ID()]; !present {
		return false
	}
	delete(members, h.ID())
	if len(members) == 0 {
		delete(s.members, conversationID)
		return true
	}
	return false
}

// HandlesFor returns a snapshot of the identity's live handles.
func (r *Registry) HandlesFor(identity string) []*Handle {
	s := r.identityShardFor(identity)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Values(s.handles[identity])
}

// HandlesInChannel returns a snapshot of handles locally joined to a
// conversation. Fanout iterates the snapshot outside any registry lock.
func (r *Registry) HandlesInChannel(conversationID string) []*Handle {
	s := r.channelShardFor(conversationID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Values(s.members[conversationID])
}

// ChannelCount reports how many channels currently have local members.
func (r *Registry) ChannelCount() int {
	total := 0
	for _, s := range r.channels {
		s.mu.RLock()
		total += len(s.members)
		s.mu.RUnlock()
	}
	return total
}

// HandleCount reports the number of live handles across all identities.
func (r *Registry) HandleCount() int {
	total := 0
	for _, s := range r.identities {
		s.mu.RLock()
		for _, owned := range s.handles {
			total += len(owned)
		}
		s.mu.RUnlock()
	}
	return total
}
