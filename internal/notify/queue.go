package notify

import "context"

// Handler processes a notification id taken from the queue.
type Handler func(ctx context.Context, notificationID string) error

// Producer enqueues notification ids.
type Producer interface {
	Publish(ctx context.Context, notificationID string) error
	Close() error
}

// Consumer runs workers over the queue until ctx is cancelled.
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue is both a Producer and a Consumer.
type Queue interface {
	Producer
	Consumer
}
