package ingest

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jingxuan97/Pneumatic/broadcast"
	"github.com/Jingxuan97/Pneumatic/errors"
	"github.com/Jingxuan97/Pneumatic/message"
	"github.com/Jingxuan97/Pneumatic/pkg/retry"
	"github.com/Jingxuan97/Pneumatic/registry"
	"github.com/Jingxuan97/Pneumatic/store"
)

type capturingPublisher struct {
	mu        sync.Mutex
	published []message.Message
	fail      bool
}

func (p *capturingPublisher) Publish(_ context.Context, m message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.ErrTransportUnavailable
	}
	p.published = append(p.published, m)
	return nil
}

func (p *capturingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

// flakyStore fails the first n Append calls with a transient error, then
// delegates to the real store.
type flakyStore struct {
	inner    store.MessageStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyStore) Append(ctx context.Context, inbound message.Inbound) (message.AppendResult, error) {
	s.mu.Lock()
	s.calls++
	shouldFail := s.failures > 0
	if shouldFail {
		s.failures--
	}
	s.mu.Unlock()

	if shouldFail {
		return message.AppendResult{}, errors.ErrStoreUnavailable
	}
	return s.inner.Append(ctx, inbound)
}

func (s *flakyStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]message.Message, error) {
	return s.inner.ListMessages(ctx, conversationID, limit)
}

func fastRetry() retry.Config {
	return retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func newTestPipeline(t *testing.T, publisher Publisher) (*Pipeline, *store.MemoryMembership) {
	t.Helper()
	st, err := store.Open("", slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	members := store.NewMemoryMembership()
	members.AddMember("c1", "u1")

	p := New(st, members, publisher, WithRetryConfig(fastRetry()))
	return p, members
}

func validInbound() message.Inbound {
	return message.Inbound{
		MessageID:      "m1",
		SenderID:       "u1",
		ConversationID: "c1",
		Content:        "hello",
	}
}

func TestAcceptCreatesAndBroadcasts(t *testing.T) {
	pub := &capturingPublisher{}
	p, _ := newTestPipeline(t, pub)

	res, err := p.Accept(context.Background(), validInbound())
	require.NoError(t, err)

	assert.True(t, res.Created)
	assert.Equal(t, "m1", res.Message.MessageID)
	assert.Equal(t, "u1", res.Message.SenderID)
	require.Equal(t, 1, pub.count())
	assert.Equal(t, res.Message, pub.published[0])
}

func TestAcceptReplayReturnsOriginalWithoutRebroadcast(t *testing.T) {
	pub := &capturingPublisher{}
	p, _ := newTestPipeline(t, pub)
	ctx := context.Background()

	first, err := p.Accept(ctx, validInbound())
	require.NoError(t, err)
	require.True(t, first.Created)

	replay := validInbound()
	replay.Content = "mutated"
	second, err := p.Accept(ctx, replay)
	require.NoError(t, err)

	assert.False(t, second.Created)
	assert.Equal(t, first.Message, second.Message)
	assert.Equal(t, 1, pub.count())
}

func TestAcceptValidation(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*message.Inbound)
		wantReason string
	}{
		{"empty content", func(m *message.Inbound) { m.Content = "" }, errors.ReasonInvalidMessage},
		{"whitespace content", func(m *message.Inbound) { m.Content = "  \n\t " }, errors.ReasonInvalidMessage},
		{"oversized content", func(m *message.Inbound) { m.Content = strings.Repeat("x", DefaultMaxContentBytes+1) }, errors.ReasonContentTooLarge},
		{"missing message id", func(m *message.Inbound) { m.MessageID = "" }, errors.ReasonInvalidMessage},
		{"missing conversation id", func(m *message.Inbound) { m.ConversationID = "" }, errors.ReasonInvalidMessage},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			pub := &capturingPublisher{}
			p, _ := newTestPipeline(t, pub)

			inbound := validInbound()
			test.mutate(&inbound)

			_, err := p.Accept(context.Background(), inbound)
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err))
			assert.Equal(t, test.wantReason, errors.ReasonCode(err))
			assert.Equal(t, 0, pub.count())
		})
	}
}

func TestAcceptNonMemberRejected(t *testing.T) {
	pub := &capturingPublisher{}
	p, _ := newTestPipeline(t, pub)

	inbound := validInbound()
	inbound.SenderID = "intruder"

	_, err := p.Accept(context.Background(), inbound)
	require.Error(t, err)
	assert.True(t, errors.IsPermission(err))
	assert.ErrorIs(t, err, errors.ErrNotMember)
	assert.Equal(t, errors.ReasonNotMember, errors.ReasonCode(err))
	assert.Equal(t, 0, pub.count())
}

func TestAcceptRetriesTransientAppend(t *testing.T) {
	st, err := store.Open("", slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	flaky := &flakyStore{inner: st, failures: 2}
	members := store.NewMemoryMembership()
	members.AddMember("c1", "u1")
	pub := &capturingPublisher{}
	p := New(flaky, members, pub, WithRetryConfig(fastRetry()))

	res, err := p.Accept(context.Background(), validInbound())
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, 3, flaky.calls)
	assert.Equal(t, 1, pub.count())
}

func TestAcceptSurfacesExhaustedRetries(t *testing.T) {
	st, err := store.Open("", slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	flaky := &flakyStore{inner: st, failures: 10}
	members := store.NewMemoryMembership()
	members.AddMember("c1", "u1")
	pub := &capturingPublisher{}
	p := New(flaky, members, pub, WithRetryConfig(fastRetry()))

	_, err = p.Accept(context.Background(), validInbound())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, errors.ReasonStoreUnavailable, errors.ReasonCode(err))
	assert.Equal(t, 0, pub.count())
}

func TestAcceptToleratesBroadcastFailure(t *testing.T) {
	pub := &capturingPublisher{fail: true}
	p, _ := newTestPipeline(t, pub)

	// The append is durable, so the sender still gets a success.
	res, err := p.Accept(context.Background(), validInbound())
	require.NoError(t, err)
	assert.True(t, res.Created)
}

type queueSink struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (s *queueSink) Deliver(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *queueSink) Close() {}

func (s *queueSink) received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

// Two identities, three handles, one conversation: a send reaches every
// handle exactly once, and an idempotent resend reaches none.
func TestSendFanoutScenario(t *testing.T) {
	st, err := store.Open("", slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	members := store.NewMemoryMembership()
	members.AddMember("c1", "u1")
	members.AddMember("c1", "u2")

	reg := registry.New()
	bus := broadcast.New(reg)
	p := New(st, members, bus, WithRetryConfig(fastRetry()))

	s1, s2, s3 := &queueSink{}, &queueSink{}, &queueSink{}
	h1 := registry.NewHandle("u1", s1)
	h2 := registry.NewHandle("u1", s2)
	h3 := registry.NewHandle("u2", s3)
	for _, h := range []*registry.Handle{h1, h2, h3} {
		reg.Add(h)
		require.NoError(t, bus.Join(h, "c1"))
	}

	ctx := context.Background()
	res, err := p.Accept(ctx, validInbound())
	require.NoError(t, err)
	require.True(t, res.Created)

	assert.Equal(t, 1, s1.received())
	assert.Equal(t, 1, s2.received())
	assert.Equal(t, 1, s3.received())

	// Resend of m1: acknowledged with the original, zero new deliveries.
	resend, err := p.Accept(ctx, validInbound())
	require.NoError(t, err)
	assert.False(t, resend.Created)
	assert.Equal(t, res.Message, resend.Message)

	assert.Equal(t, 1, s1.received())
	assert.Equal(t, 1, s2.received())
	assert.Equal(t, 1, s3.received())
}
