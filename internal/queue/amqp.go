package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"basegraph.app/syncrelay/common/logger"
)

const (
	headerAttempt   = "x-attempt"
	headerTraceID   = "x-trace-id"
	headerLastError = "x-last-error"
)

// AMQPBroker publishes to durable RabbitMQ queues through the default exchange.
type AMQPBroker struct {
	conn   *amqp.Connection
	limits BatchLimits
}

func NewAMQPBroker(conn *amqp.Connection, limits BatchLimits) *AMQPBroker {
	return &AMQPBroker{conn: conn, limits: limits}
}

// NewSender opens a dedicated channel in transaction mode for queue.
func (b *AMQPBroker) NewSender(_ context.Context, queue string) (Sender, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "opening channel")
	}
	if err := declareQueue(ch, queue); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.Tx(); err != nil {
		_ = ch.Close()
		return nil, errors.Wrap(err, "enabling channel transactions")
	}
	return &amqpSender{ch: ch, queue: queue}, nil
}

func (b *AMQPBroker) Limits() BatchLimits {
	return b.limits
}

func (b *AMQPBroker) Close() error {
	return b.conn.Close()
}

type amqpSender struct {
	mu    sync.Mutex
	ch    *amqp.Channel
	queue string
}

// Send publishes msgs inside one channel transaction.
func (s *amqpSender) Send(ctx context.Context, msgs []OutboundMessage) error {
	// a tx channel cannot interleave publishers
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range msgs {
		if err := s.ch.PublishWithContext(ctx, "", s.queue, false, false, publishing(m)); err != nil {
			_ = s.ch.TxRollback()
			return errors.Wrapf(err, "publishing to %s", s.queue)
		}
	}
	if err := s.ch.TxCommit(); err != nil {
		return errors.Wrapf(err, "committing publish to %s", s.queue)
	}
	return nil
}

func (s *amqpSender) Close() error {
	return s.ch.Close()
}

func publishing(m OutboundMessage) amqp.Publishing {
	headers := amqp.Table{headerAttempt: int64(max(m.Attempt, 1))}
	if m.TraceID != "" {
		headers[headerTraceID] = m.TraceID
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    m.MessageID,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         m.Body,
	}
}

func declareQueue(ch *amqp.Channel, name string) error {
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declaring queue %s", name)
	}
	return nil
}

// AMQPConsumer reads from one queue with manual acknowledgements.
type AMQPConsumer struct {
	ch         *amqp.Channel
	cfg        ConsumerConfig
	deliveries <-chan amqp.Delivery
}

func NewAMQPConsumer(conn *amqp.Connection, cfg ConsumerConfig) (*AMQPConsumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "opening channel")
	}
	for _, q := range []string{cfg.Queue, cfg.DLQ} {
		if err := declareQueue(ch, q); err != nil {
			_ = ch.Close()
			return nil, err
		}
	}
	if err := ch.Qos(int(max(cfg.BatchSize, 1)), 0, false); err != nil {
		_ = ch.Close()
		return nil, errors.Wrap(err, "setting prefetch")
	}
	deliveries, err := ch.Consume(cfg.Queue, cfg.Consumer, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, errors.Wrapf(err, "consuming %s", cfg.Queue)
	}

	return &AMQPConsumer{ch: ch, cfg: cfg, deliveries: deliveries}, nil
}

func (c *AMQPConsumer) Queue() string {
	return c.cfg.Queue
}

// Read waits up to Block for a first delivery, then drains whatever else is already
// buffered, up to BatchSize.
func (c *AMQPConsumer) Read(ctx context.Context) ([]Delivery, error) {
	timer := time.NewTimer(c.cfg.Block)
	defer timer.Stop()

	var first amqp.Delivery
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return []Delivery{}, nil
	case d, ok := <-c.deliveries:
		if !ok {
			return nil, errors.Newf("delivery channel for %s closed", c.cfg.Queue)
		}
		first = d
	}

	out := []Delivery{c.toDelivery(first)}
	for int64(len(out)) < max(c.cfg.BatchSize, 1) {
		select {
		case d, ok := <-c.deliveries:
			if !ok {
				return out, nil
			}
			out = append(out, c.toDelivery(d))
		default:
			return out, nil
		}
	}
	return out, nil
}

func (c *AMQPConsumer) toDelivery(d amqp.Delivery) Delivery {
	return Delivery{
		ID:        strconv.FormatUint(d.DeliveryTag, 10),
		Queue:     c.cfg.Queue,
		MessageID: d.MessageId,
		Body:      d.Body,
		Attempt:   max(headerInt(d.Headers, headerAttempt), 1),
		TraceID:   headerString(d.Headers, headerTraceID),
		LastError: headerString(d.Headers, headerLastError),
		raw:       d,
	}
}

func (c *AMQPConsumer) Ack(_ context.Context, d Delivery) error {
	raw, ok := d.raw.(amqp.Delivery)
	if !ok {
		return errors.New("delivery did not come from this consumer")
	}
	if err := raw.Ack(false); err != nil {
		return errors.Wrapf(err, "ack (queue=%s)", c.cfg.Queue)
	}
	return nil
}

// Requeue republishes a copy with the next attempt number after delay, then acks the
// original. A crash before the ack redelivers the original.
func (c *AMQPConsumer) Requeue(ctx context.Context, d Delivery, delay time.Duration, errMsg string) error {
	if err := sleepContext(ctx, delay); err != nil {
		return err
	}

	msg := publishing(OutboundMessage{
		MessageID: d.MessageID,
		Body:      d.Body,
		TraceID:   d.TraceID,
		Attempt:   d.Attempt + 1,
	})
	if errMsg != "" {
		msg.Headers[headerLastError] = logger.Truncate(errMsg, 1024)
	}
	if err := c.ch.PublishWithContext(ctx, "", c.cfg.Queue, false, false, msg); err != nil {
		return errors.Wrap(err, "republishing for retry")
	}
	if err := c.Ack(ctx, d); err != nil {
		return errors.Wrap(err, "acking requeued message")
	}

	slog.InfoContext(ctx, "message requeued for retry",
		"next_attempt", d.Attempt+1,
		"delay", delay,
		"reason", errMsg)
	return nil
}

func (c *AMQPConsumer) SendDLQ(ctx context.Context, d Delivery, info DeadLetterInfo) error {
	record, err := json.Marshal(NewDeadLetter(d, info))
	if err != nil {
		return errors.Wrap(err, "encoding dead letter")
	}

	if err := c.ch.PublishWithContext(ctx, "", c.cfg.DLQ, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageID,
		Timestamp:    time.Now().UTC(),
		Body:         record,
	}); err != nil {
		return errors.Wrapf(err, "publishing to %s", c.cfg.DLQ)
	}
	if err := c.Ack(ctx, d); err != nil {
		return errors.Wrap(err, "acking dead-lettered message")
	}

	slog.ErrorContext(ctx, "message sent to DLQ",
		"reason", info.Reason,
		"description", info.Description,
		"dlq", c.cfg.DLQ)
	return nil
}

func (c *AMQPConsumer) Close() error {
	return c.ch.Close()
}

func headerInt(h amqp.Table, key string) int {
	switch v := h[key].(type) {
	case int64:
		return int(v)
	case int32:
		return int(v)
	case int:
		return v
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}

func headerString(h amqp.Table, key string) string {
	if s, ok := h[key].(string); ok {
		return s
	}
	return ""
}
