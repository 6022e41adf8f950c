package scheduler

import "context"

// Handler processes one dispatched task id.
type Handler func(ctx context.Context, taskID string) error

// Producer hands due task ids to workers.
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer runs workerCount goroutines feeding ids to handler until ctx ends.
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue is both ends of a dispatch channel.
type Queue interface {
	Producer
	Consumer
}
