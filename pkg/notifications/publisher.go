package notifications

import "context"

// Publisher pushes events for newly stored notifications to live
// subscribers. Delivery is best effort and at most once.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// NoOpPublisher discards every event. Used when real-time delivery is not wired.
type NoOpPublisher struct{}

func (NoOpPublisher) Publish(context.Context, Event) error {
	return nil
}
