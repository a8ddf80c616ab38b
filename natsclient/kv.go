package natsclient

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Jingxuan97/Pneumatic/errors"
)

// KVStore adapts a JetStream key-value bucket to the presence tracker's
// store contract. Expiry is enforced by the bucket's MaxAge, so every key
// shares the bucket TTL; a Put refreshes the key's age.
type KVStore struct {
	kv  jetstream.KeyValue
	ttl time.Duration
}

func newKVStore(kv jetstream.KeyValue, ttl time.Duration) *KVStore {
	return &KVStore{kv: kv, ttl: ttl}
}

// TTL returns the bucket-level expiry applied to every key.
func (s *KVStore) TTL() time.Duration { return s.ttl }

// encodeKey maps caller keys onto the bucket's restricted key charset.
// Colons are common in caller keys ("presence:<identity>") but invalid in
// JetStream KV keys.
func encodeKey(key string) string {
	return strings.ReplaceAll(key, ":", ".")
}

// SetWithTTL creates or refreshes a key. The ttl argument must match the
// bucket TTL; per-key expiry is not supported by the backing store.
func (s *KVStore) SetWithTTL(ctx context.Context, key string, ttl time.Duration) error {
	if ttl != s.ttl {
		return errors.WrapValidation(
			errors.New("requested ttl differs from bucket ttl"),
			"natsclient.KVStore", "SetWithTTL", "check ttl")
	}
	value := strconv.FormatInt(time.Now().Unix(), 10)
	if _, err := s.kv.Put(ctx, encodeKey(key), []byte(value)); err != nil {
		return errors.WrapTransient(err, "natsclient.KVStore", "SetWithTTL", "put key")
	}
	return nil
}

// Delete removes a key immediately.
func (s *KVStore) Delete(ctx context.Context, key string) error {
	err := s.kv.Purge(ctx, encodeKey(key))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return errors.WrapTransient(err, "natsclient.KVStore", "Delete", "purge key")
	}
	return nil
}

// Exists reports whether a key currently holds a live value.
func (s *KVStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.kv.Get(ctx, encodeKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return false, nil
		}
		return false, errors.WrapTransient(err, "natsclient.KVStore", "Exists", "get key")
	}
	return true, nil
}
