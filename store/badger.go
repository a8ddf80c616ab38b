package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/Jingxuan97/Pneumatic/errors"
	"github.com/Jingxuan97/Pneumatic/health"
	"github.com/Jingxuan97/Pneumatic/message"
)

// Key layout:
//
//	msg/<message_id>                                -> message JSON
//	conv/<conversation_id>/<created_at_ns>/<msg_id> -> message_id
//
// The primary key enforces message_id uniqueness; the conv index keeps
// messages in arrival order for history reads.
const (
	msgPrefix  = "msg/"
	convPrefix = "conv/"
)

// appendConflictRetries bounds re-runs of an Append transaction that lost
// a Badger write conflict. The re-run finds the winner's row and returns
// it as an idempotent hit.
const appendConflictRetries = 3

// BadgerStore is the Badger-backed MessageStore.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (or creates) the store at path. An empty path opens an
// in-memory instance, used by tests and throwaway deployments.
func Open(path string, logger *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.WrapTransient(err, "store.BadgerStore", "Open", "open database")
	}
	return &BadgerStore{db: db, logger: logger, now: time.Now}, nil
}

// Close flushes and closes the database.
func (s *BadgerStore) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "store.BadgerStore", "Close", "close database")
	}
	return nil
}

// Health reports whether the database accepts reads.
func (s *BadgerStore) Health() health.Status {
	err := s.db.View(func(*badger.Txn) error { return nil })
	if err != nil {
		return health.NewUnhealthy("store", err.Error())
	}
	return health.NewHealthy("store", "ok")
}

func msgKey(messageID string) []byte {
	return []byte(msgPrefix + messageID)
}

func convIndexKey(conversationID string, createdAt time.Time, messageID string) []byte {
	return fmt.Appendf(nil, "%s%s/%020d/%s", convPrefix, conversationID, createdAt.UnixNano(), messageID)
}

// Append durably writes a message, assigning its row id and timestamp.
// Unique on message_id: a replay returns the stored original unchanged
// with Created=false and writes nothing.
func (s *BadgerStore) Append(ctx context.Context, inbound message.Inbound) (message.AppendResult, error) {
	var result message.AppendResult
	var err error
	for attempt := 0; attempt < appendConflictRetries; attempt++ {
		if ctx.Err() != nil {
			return message.AppendResult{}, errors.WrapTransient(ctx.Err(), "store.BadgerStore", "Append", "append message")
		}
		result, err = s.appendOnce(inbound)
		if err == nil || !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return message.AppendResult{}, errors.WrapTransient(err, "store.BadgerStore", "Append", "append message")
	}
	return result, nil
}

func (s *BadgerStore) appendOnce(inbound message.Inbound) (message.AppendResult, error) {
	var result message.AppendResult
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(msgKey(inbound.MessageID))
		if err == nil {
			return item.Value(func(val []byte) error {
				stored, decodeErr := message.Decode(val)
				if decodeErr != nil {
					return decodeErr
				}
				result = message.AppendResult{Created: false, Message: stored}
				return nil
			})
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		m := message.Message{
			ID:             uuid.NewString(),
			MessageID:      inbound.MessageID,
			SenderID:       inbound.SenderID,
			ConversationID: inbound.ConversationID,
			Content:        inbound.Content,
			CreatedAt:      s.now().UTC(),
		}
		encoded, err := m.Encode()
		if err != nil {
			return err
		}
		if err := txn.Set(msgKey(m.MessageID), encoded); err != nil {
			return err
		}
		if err := txn.Set(convIndexKey(m.ConversationID, m.CreatedAt, m.MessageID), []byte(m.MessageID)); err != nil {
			return err
		}
		result = message.AppendResult{Created: true, Message: m}
		return nil
	})
	if err != nil {
		return message.AppendResult{}, err
	}
	return result, nil
}

// ListMessages returns up to limit most recent messages in a
// conversation, oldest first.
func (s *BadgerStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]message.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if ctx.Err() != nil {
		return nil, errors.WrapTransient(ctx.Err(), "store.BadgerStore", "ListMessages", "list messages")
	}

	prefix := []byte(convPrefix + conversationID + "/")
	var newestFirst []message.Message

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts past the prefix's upper bound.
		seekKey := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seekKey); it.ValidForPrefix(prefix) && len(newestFirst) < limit; it.Next() {
			var messageID string
			if err := it.Item().Value(func(val []byte) error {
				messageID = string(val)
				return nil
			}); err != nil {
				return err
			}

			item, err := txn.Get(msgKey(messageID))
			if err != nil {
				return err
			}
			if err := item.Value(func(val []byte) error {
				m, decodeErr := message.Decode(val)
				if decodeErr != nil {
					return decodeErr
				}
				newestFirst = append(newestFirst, m)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "store.BadgerStore", "ListMessages", "scan conversation index")
	}

	oldestFirst := make([]message.Message, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		oldestFirst = append(oldestFirst, newestFirst[i])
	}
	return oldestFirst, nil
}
