// Package ingest implements the single entry point for client-submitted
// messages: validate, authorize, persist durably, then broadcast.
// Persist-before-broadcast is strict; a message is never fanned out
// before its append succeeded.
package ingest

import (
	"context"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/Jingxuan97/Pneumatic/errors"
	"github.com/Jingxuan97/Pneumatic/message"
	"github.com/Jingxuan97/Pneumatic/metric"
	"github.com/Jingxuan97/Pneumatic/pkg/retry"
	"github.com/Jingxuan97/Pneumatic/store"
)

// DefaultMaxContentBytes caps message content size.
const DefaultMaxContentBytes = 4096

// Publisher is the broadcast side of the pipeline.
type Publisher interface {
	Publish(ctx context.Context, m message.Message) error
}

// Pipeline validates, authorizes, persists and broadcasts inbound
// messages.
type Pipeline struct {
	store     store.MessageStore
	members   store.MembershipChecker
	publisher Publisher
	validate  *validator.Validate
	logger    *slog.Logger
	metrics   *metric.Metrics

	maxContentBytes int
	retryCfg        retry.Config
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithMetrics wires the pipeline into a shared metric set.
func WithMetrics(m *metric.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithMaxContentBytes overrides the content size cap.
func WithMaxContentBytes(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxContentBytes = n
		}
	}
}

// WithRetryConfig overrides the append retry policy.
func WithRetryConfig(cfg retry.Config) Option {
	return func(p *Pipeline) { p.retryCfg = cfg }
}

// New creates a pipeline over its three collaborators.
func New(messageStore store.MessageStore, members store.MembershipChecker, publisher Publisher, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:           messageStore,
		members:         members,
		publisher:       publisher,
		validate:        validator.New(validator.WithRequiredStructEnabled()),
		logger:          slog.New(slog.DiscardHandler),
		metrics:         metric.NewMetrics(),
		maxContentBytes: DefaultMaxContentBytes,
		retryCfg:        retry.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Accept runs a submitted message through the pipeline. On success the
// result reports whether the message was newly created (and broadcast)
// or an idempotent replay of an existing one (returned unchanged, not
// re-broadcast). Validation, permission and transient errors come back
// classified; the caller maps them to wire reasons.
func (p *Pipeline) Accept(ctx context.Context, inbound message.Inbound) (message.AppendResult, error) {
	if err := p.checkContent(inbound); err != nil {
		p.metrics.MessagesIngested.WithLabelValues("rejected").Inc()
		return message.AppendResult{}, err
	}

	member, err := p.members.IsMember(ctx, inbound.SenderID, inbound.ConversationID)
	if err != nil {
		p.metrics.MessagesIngested.WithLabelValues("rejected").Inc()
		return message.AppendResult{}, errors.WrapTransient(err, "ingest.Pipeline", "Accept", "check membership")
	}
	if !member {
		p.metrics.MessagesIngested.WithLabelValues("rejected").Inc()
		return message.AppendResult{}, errors.WrapPermission(errors.ErrNotMember, "ingest.Pipeline", "Accept", "check membership")
	}

	result, err := retry.DoWithResult(ctx, p.retryCfg, func() (message.AppendResult, error) {
		res, appendErr := p.store.Append(ctx, inbound)
		if appendErr != nil && !errors.IsTransient(appendErr) {
			return res, retry.NonRetryable(appendErr)
		}
		return res, appendErr
	})
	if err != nil {
		p.metrics.MessagesIngested.WithLabelValues("rejected").Inc()
		p.logger.Error("message append failed",
			"message_id", inbound.MessageID,
			"conversation_id", inbound.ConversationID,
			"error", err)
		return message.AppendResult{}, errors.WrapTransient(err, "ingest.Pipeline", "Accept", "append message")
	}

	if !result.Created {
		// Idempotent replay: acknowledge with the stored original, no
		// second broadcast.
		p.metrics.MessagesIngested.WithLabelValues("existing").Inc()
		return result, nil
	}

	p.metrics.MessagesIngested.WithLabelValues("created").Inc()
	p.metrics.MessagesSent.Inc()

	// The append is durable; a broadcast failure must not fail the sender.
	if err := p.publisher.Publish(ctx, result.Message); err != nil {
		p.logger.Warn("broadcast failed after durable append",
			"message_id", result.Message.MessageID,
			"conversation_id", result.Message.ConversationID,
			"error", err)
	}
	return result, nil
}

func (p *Pipeline) checkContent(inbound message.Inbound) error {
	if strings.TrimSpace(inbound.Content) == "" {
		return errors.WrapValidation(errors.ErrEmptyContent, "ingest.Pipeline", "Accept", "validate content")
	}
	if len(inbound.Content) > p.maxContentBytes {
		return errors.WrapValidation(errors.ErrContentTooLarge, "ingest.Pipeline", "Accept", "validate content")
	}
	if err := p.validate.Struct(inbound); err != nil {
		return errors.WrapValidation(err, "ingest.Pipeline", "Accept", "validate fields")
	}
	return nil
}
