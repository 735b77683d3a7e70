package queue

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"basegraph.app/syncrelay/common/logger"
)

// Publisher builds envelopes and sends them through a SenderPool.
type Publisher interface {
	Send(ctx context.Context, queue string, d Draft) (string, error)
	SendBatch(ctx context.Context, queue string, drafts []Draft) ([]string, error)
}

type publisher struct {
	pool *SenderPool
}

func NewPublisher(pool *SenderPool) Publisher {
	return &publisher{pool: pool}
}

// Send publishes one envelope and returns its messageId.
func (p *publisher) Send(ctx context.Context, queue string, d Draft) (string, error) {
	ids, err := p.SendBatch(ctx, queue, []Draft{d})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// SendBatch publishes drafts atomically. If they do not fit the broker's batch limits
// ErrBatchCapacityExceeded is returned and nothing is sent.
func (p *publisher) SendBatch(ctx context.Context, queue string, drafts []Draft) ([]string, error) {
	if len(drafts) == 0 {
		return nil, nil
	}

	sc := logger.StartSpan(ctx, "queue.publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer sc.End()
	ctx = sc.Context()
	sc.Span().SetAttributes(
		attribute.String("messaging.destination.name", queue),
		attribute.Int("messaging.batch.message_count", len(drafts)),
	)

	traceID := logger.TraceIDFromContext(ctx)
	batch := NewBatch(p.pool.Limits())
	ids := make([]string, 0, len(drafts))

	for _, d := range drafts {
		env, err := Build(d)
		if err != nil {
			return nil, err
		}
		body, err := json.Marshal(env)
		if err != nil {
			return nil, errors.Wrap(err, "encoding envelope")
		}
		if !batch.TryAdd(OutboundMessage{MessageID: env.MessageID, Body: body, TraceID: traceID, Attempt: 1}) {
			return nil, errors.Wrapf(ErrBatchCapacityExceeded, "%d drafts for %s", len(drafts), queue)
		}
		ids = append(ids, env.MessageID)
	}

	lease, err := p.pool.Acquire(ctx, queue)
	if err != nil {
		sc.RecordError(err)
		return nil, err
	}
	defer lease.Release()

	if err := lease.Sender.Send(ctx, batch.Messages()); err != nil {
		sc.RecordError(err)
		return nil, errors.Wrapf(err, "sending to %s", queue)
	}

	slog.DebugContext(ctx, "envelopes published",
		"queue", queue,
		"count", len(ids))

	return ids, nil
}
