package storage

import "context"

// MessageType classifies a Backplane Message.
type MessageType int

const (
	MessageKey MessageType = iota
	MessageTag
	MessageClearAll
)

// Message is one backplane broadcast: an instance announcing it removed a
// key, a tag's keys, or everything. InstanceID lets receivers discard their
// own messages (published for the benefit of other instances, not a
// round-trip to self).
type Message struct {
	InstanceID string
	Type       MessageType
	Key        string
	Tag        string
}

// Handler processes an incoming Message already filtered of own-instance
// messages.
type Handler func(ctx context.Context, msg Message)

// Backplane is the cross-instance coordination collaborator: publishing
// removal events for other instances to apply against their own L1/tag
// index, subscribing to the events other instances publish. Publication is
// best-effort; a publish failure must not fail the local operation that
// triggered it.
type Backplane interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(ctx context.Context, handler Handler) (unsubscribe func(), err error)
}
