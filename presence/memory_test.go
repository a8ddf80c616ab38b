package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryKVExpiry(t *testing.T) {
	kv := NewMemoryKV()
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	kv.now = func() time.Time { return clock }
	ctx := context.Background()

	require.NoError(t, kv.SetWithTTL(ctx, "presence:u1", 5*time.Minute))

	ok, err := kv.Exists(ctx, "presence:u1")
	require.NoError(t, err)
	assert.True(t, ok)

	clock = clock.Add(4 * time.Minute)
	ok, _ = kv.Exists(ctx, "presence:u1")
	assert.True(t, ok)

	// A refresh extends the deadline from now, not from the first set.
	require.NoError(t, kv.SetWithTTL(ctx, "presence:u1", 5*time.Minute))
	clock = clock.Add(4 * time.Minute)
	ok, _ = kv.Exists(ctx, "presence:u1")
	assert.True(t, ok)

	clock = clock.Add(2 * time.Minute)
	ok, _ = kv.Exists(ctx, "presence:u1")
	assert.False(t, ok)
}

func TestMemoryKVDelete(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()

	require.NoError(t, kv.SetWithTTL(ctx, "presence:u1", time.Hour))
	require.NoError(t, kv.Delete(ctx, "presence:u1"))

	ok, err := kv.Exists(ctx, "presence:u1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting a missing key is a no-op.
	require.NoError(t, kv.Delete(ctx, "presence:u2"))
}
