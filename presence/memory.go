package presence

import (
	"context"
	"sync"
	"time"
)

// MemoryKV is an in-process KV with lazy TTL expiry. It backs presence in
// local-only deployments where no shared store is configured; records die
// with the process, which is also when they stop being true.
type MemoryKV struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryKV creates an empty in-process KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

// SetWithTTL creates or refreshes a key.
func (kv *MemoryKV) SetWithTTL(_ context.Context, key string, ttl time.Duration) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.expires[key] = kv.now().Add(ttl)
	return nil
}

// Delete removes a key immediately.
func (kv *MemoryKV) Delete(_ context.Context, key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.expires, key)
	return nil
}

// Exists reports whether the key holds an unexpired value, reaping it if
// its TTL has lapsed.
func (kv *MemoryKV) Exists(_ context.Context, key string) (bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	deadline, ok := kv.expires[key]
	if !ok {
		return false, nil
	}
	if kv.now().After(deadline) {
		delete(kv.expires, key)
		return false, nil
	}
	return true, nil
}
