package broadcast

import "context"

// Transport is the shared pub/sub fabric linking peer processes. A single
// process works without one; the bus then fans out locally only.
//
// Subscribe registers a handler for a topic and returns an unsubscribe
// func. Handlers receive every payload published on the topic, including
// this process's own publishes (the echo is the delivery path; see
// Bus.Publish).
type Transport interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(topic string, handler func(data []byte)) (unsubscribe func() error, err error)
	Connected() bool
}

// Topic returns the transport subject carrying a conversation's messages.
func Topic(conversationID string) string {
	return "conv." + conversationID
}
