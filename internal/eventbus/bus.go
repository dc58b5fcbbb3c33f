package eventbus

import "context"

// Bus is the pub/sub contract used by every event producer and consumer
// in the CSE. There are two implementations: the Redis Streams one with
// consumer groups (grounded on the teacher's events.Queue), and an
// in-memory one for tests and single-process deployments that gives every
// subscriber its own buffered channel and drops an event for a subscriber
// whose buffer is full.
type Bus interface {
	// Publish appends event to the bus.
	Publish(ctx context.Context, event *Event) error

	// Subscribe returns a channel of events for consumerGroup/consumerName.
	// On the Redis bus, multiple consumers in the same group load-balance;
	// consumers in different groups each see every event independently
	// (e.g. the notification engine and the subscription bridge both see
	// KindResourceCreated without competing for it). On the in-memory bus
	// every subscriber sees every event.
	Subscribe(ctx context.Context, consumerGroup, consumerName string) (<-chan *Event, error)

	// Acknowledge marks an event as processed by consumerGroup.
	Acknowledge(ctx context.Context, consumerGroup, eventID string) error

	// Close releases the bus's resources.
	Close() error
}
