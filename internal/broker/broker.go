package broker

import "context"

// Message is a transport-neutral event envelope.
type Message struct {
	Key   []byte
	Type  string
	Value []byte
}

// Publisher writes messages to a broker.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// MessageHandler is a function type for handling messages
type MessageHandler func(ctx context.Context, msg Message) error

// Source delivers messages to a handler until ctx is cancelled.
// A handler error means the message is delivered to the handler again.
type Source interface {
	StartConsuming(ctx context.Context, handler MessageHandler) error
	Close() error
}

// NopPublisher discards every message. It is used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Message) error { return nil }

func (NopPublisher) Close() error { return nil }
