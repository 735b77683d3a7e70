package worker

import (
	"context"
	"time"

	"basegraph.app/syncrelay/internal/queue"
)

// Consumer abstracts the broker for testability. Both queue.RedisConsumer and
// queue.AMQPConsumer satisfy it.
type Consumer interface {
	Queue() string
	Read(ctx context.Context) ([]queue.Delivery, error)
	Ack(ctx context.Context, d queue.Delivery) error
	Requeue(ctx context.Context, d queue.Delivery, delay time.Duration, errMsg string) error
	SendDLQ(ctx context.Context, d queue.Delivery, info queue.DeadLetterInfo) error
}

// Handler applies one delivery body. Terminal failures are recognised by Classify.
type Handler interface {
	Process(ctx context.Context, body []byte) error
}

// Classifier returns the dead-letter reason for a terminal error, or false to retry.
type Classifier func(err error) (queue.DeadLetterReason, bool)

// Archiver keeps a durable copy of dead letters outside the broker.
type Archiver interface {
	Archive(ctx context.Context, dl queue.DeadLetter) error
}
