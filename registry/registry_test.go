package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jingxuan97/Pneumatic/errors"
)

// recordingSink captures deliveries for assertions.
type recordingSink struct {
	mu       sync.Mutex
	payloads [][]byte
	closed   int
}

func (s *recordingSink) Deliver(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, p)
	return nil
}

func (s *recordingSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
}

func (s *recordingSink) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestAdd_FirstHandlePerIdentity(t *testing.T) {
	r := New()

	h1 := NewHandle("u1", &recordingSink{})
	h2 := NewHandle("u1", &recordingSink{})

	assert.True(t, r.Add(h1), "first handle should report identity came online")
	assert.False(t, r.Add(h2), "second handle should not")
	assert.Len(t, r.HandlesFor("u1"), 2)
}

func TestRemove_LastHandleAndIdempotency(t *testing.T) {
	r := New()
	sink := &recordingSink{}

	h1 := NewHandle("u1", sink)
	h2 := NewHandle("u1", &recordingSink{})
	r.Add(h1)
	r.Add(h2)

	last, _ := r.Remove(h1)
	assert.False(t, last, "one handle still live")
	assert.Equal(t, 1, sink.closeCount(), "sink closed on removal")

	// Removing again is a no-op.
	last, emptied := r.Remove(h1)
	assert.False(t, last)
	assert.Nil(t, emptied)
	assert.Equal(t, 1, sink.closeCount(), "close not repeated")

	last, _ = r.Remove(h2)
	assert.True(t, last, "identity's last handle removed")
	assert.Empty(t, r.HandlesFor("u1"))
}

func TestDeliver_AfterRemoveFails(t *testing.T) {
	r := New()
	h := NewHandle("u1", &recordingSink{})
	r.Add(h)
	r.Remove(h)

	err := h.Deliver([]byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrHandleClosed)
}

func TestJoinChannel_ReferenceCounting(t *testing.T) {
	r := New()
	h1 := NewHandle("u1", &recordingSink{})
	h2 := NewHandle("u2", &recordingSink{})
	r.Add(h1)
	r.Add(h2)

	first, ok := r.JoinChannel(h1, "c1")
	require.True(t, ok)
	assert.True(t, first, "first local join creates the channel")

	first, ok = r.JoinChannel(h2, "c1")
	require.True(t, ok)
	assert.False(t, first)

	// Duplicate join is a no-op.
	_, ok = r.JoinChannel(h1, "c1")
	require.True(t, ok)
	assert.Len(t, r.HandlesInChannel("c1"), 2)

	assert.False(t, r.LeaveChannel(h1, "c1"))
	assert.True(t, r.LeaveChannel(h2, "c1"), "last local leave tears the channel down")
	assert.Zero(t, r.ChannelCount())

	// Leaving an unjoined channel is a no-op.
	assert.False(t, r.LeaveChannel(h1, "c1"))
}

func TestJoinChannel_ClosedHandleRejected(t *testing.T) {
	r := New()
	h := NewHandle("u1", &recordingSink{})
	r.Add(h)
	r.Remove(h)

	_, ok := r.JoinChannel(h, "c1")
	assert.False(t, ok, "closed handle cannot join")
	assert.Empty(t, r.HandlesInChannel("c1"))
}

func TestJoinChannel_RemovalDuringJoinDoesNotLeak(t *testing.T) {
	r := New()
	h := NewHandle("u1", &recordingSink{})
	r.Add(h)

	// The entire removal runs in the window between membership marking
	// and the channel insert, so it finds nothing to detach.
	r.joinGap = func() { r.Remove(h) }

	first, ok := r.JoinChannel(h, "c1")
	assert.False(t, ok, "join must fail once the handle is removed")
	assert.False(t, first, "a failed join must not claim the first slot")
	assert.Empty(t, r.HandlesInChannel("c1"), "dead handle must not linger in the member map")
	assert.Zero(t, r.ChannelCount())

	// The removal already completed; repeating it stays a no-op.
	last, emptied := r.Remove(h)
	assert.False(t, last)
	assert.Nil(t, emptied)
}

func TestRemove_ReportsEmptiedChannels(t *testing.T) {
	r := New()
	h1 := NewHandle("u1", &recordingSink{})
	h2 := NewHandle("u2", &recordingSink{})
	r.Add(h1)
	r.Add(h2)

	r.JoinChannel(h1, "c1")
	r.JoinChannel(h1, "c2")
	r.JoinChannel(h2, "c2")

	_, emptied := r.Remove(h1)
	assert.ElementsMatch(t, []string{"c1"}, emptied, "only c1 lost its last member")

	_, emptied = r.Remove(h2)
	assert.ElementsMatch(t, []string{"c2"}, emptied)
}

func TestConcurrentConnectDisconnect(t *testing.T) {
	r := New()
	const workers = 32
	const perWorker = 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			identity := []string{"u1", "u2", "u3", "u4"}[w%4]
			for i := 0; i < perWorker; i++ {
				h := NewHandle(identity, &recordingSink{})
				r.Add(h)
				r.JoinChannel(h, "c1")
				r.HandlesInChannel("c1")
				r.Remove(h)
				// Concurrent duplicate removal must stay a no-op.
				r.Remove(h)
			}
		}(w)
	}
	wg.Wait()

	assert.Zero(t, r.HandleCount(), "no handles leak")
	assert.Zero(t, r.ChannelCount(), "no channels leak")
}

func TestMultiHandleFanoutSnapshot(t *testing.T) {
	r := New()
	h1 := NewHandle("u1", &recordingSink{})
	h2 := NewHandle("u1", &recordingSink{})
	h3 := NewHandle("u2", &recordingSink{})
	for _, h := range []*Handle{h1, h2, h3} {
		r.Add(h)
		_, ok := r.JoinChannel(h, "c1")
		require.True(t, ok)
	}

	snapshot := r.HandlesInChannel("c1")
	require.Len(t, snapshot, 3)

	ids := make(map[string]bool)
	for _, h := range snapshot {
		ids[h.ID()] = true
	}
	assert.Len(t, ids, 3, "each handle appears exactly once")
}
