package queue

import (
	"context"

	"github.com/cockroachdb/errors"
)

var (
	ErrBatchCapacityExceeded = errors.New("batch capacity exceeded")
	ErrPoolClosed            = errors.New("sender pool is closed")
)

// BatchLimits bounds a single atomic send.
type BatchLimits struct {
	MaxMessages int
	MaxBytes    int
}

// OutboundMessage is one encoded envelope ready for the wire.
type OutboundMessage struct {
	MessageID string
	Body      []byte
	TraceID   string
	Attempt   int
}

// Sender publishes to one queue. Send is all-or-nothing for the given messages.
type Sender interface {
	Send(ctx context.Context, msgs []OutboundMessage) error
	Close() error
}

// Broker owns the connection senders are created from.
type Broker interface {
	NewSender(ctx context.Context, queue string) (Sender, error)
	Limits() BatchLimits
	Close() error
}

// Batch accumulates messages up to the broker limits.
type Batch struct {
	limits BatchLimits
	msgs   []OutboundMessage
	size   int
}

func NewBatch(limits BatchLimits) *Batch {
	return &Batch{limits: limits}
}

// TryAdd appends m if it fits, reporting whether it did. A rejected message leaves the
// batch unchanged.
func (b *Batch) TryAdd(m OutboundMessage) bool {
	if b.limits.MaxMessages > 0 && len(b.msgs)+1 > b.limits.MaxMessages {
		return false
	}
	if b.limits.MaxBytes > 0 && b.size+len(m.Body) > b.limits.MaxBytes {
		return false
	}
	b.msgs = append(b.msgs, m)
	b.size += len(m.Body)
	return true
}

func (b *Batch) Len() int {
	return len(b.msgs)
}

func (b *Batch) Messages() []OutboundMessage {
	return b.msgs
}
