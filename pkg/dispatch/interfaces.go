package dispatch

import (
	"context"
)

// Transport defines the contract for a component that speaks one FCM protocol
// generation (legacy key auth, v1 OAuth, or the Admin SDK).
// Implementations never return errors: every failure is a tagged Result.
type Transport interface {
	Protocol() Protocol

	// SendToTokens pushes the payload to an ordered list of registration tokens.
	SendToTokens(ctx context.Context, payload NotificationPayload, tokens []string) Result
	// SendToTopic pushes the payload to every subscriber of a topic.
	SendToTopic(ctx context.Context, payload NotificationPayload, topic string) Result

	Subscribe(ctx context.Context, topic string, tokens []string) Result
	Unsubscribe(ctx context.Context, topic string, tokens []string) Result
}

// TopicStore defines the contract for the persisted topic lifecycle.
// Every write must be atomic in the backing store; callers never
// read-then-write.
type TopicStore interface {
	// EnsureActive inserts an active record, or reactivates a soft-deleted one.
	EnsureActive(ctx context.Context, name string) error

	// IsActive reports whether a record exists and is not soft-deleted.
	IsActive(ctx context.Context, name string) (bool, error)

	// MarkDeleted soft-deletes the topic. It returns ErrTopicNotFound if no
	// record exists.
	MarkDeleted(ctx context.Context, name string) error

	// Get returns the record, or ErrTopicNotFound.
	Get(ctx context.Context, name string) (TopicRecord, error)
}

// EventPublisher receives a summary of every dispatch outcome.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}
