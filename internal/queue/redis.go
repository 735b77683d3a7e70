package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"basegraph.app/syncrelay/common/logger"
)

// RedisBroker publishes to Redis Streams, one stream per queue name.
type RedisBroker struct {
	client *redis.Client
	limits BatchLimits
}

func NewRedisBroker(client *redis.Client, limits BatchLimits) *RedisBroker {
	return &RedisBroker{client: client, limits: limits}
}

func (b *RedisBroker) NewSender(_ context.Context, queue string) (Sender, error) {
	return &redisSender{client: b.client, stream: queue}, nil
}

func (b *RedisBroker) Limits() BatchLimits {
	return b.limits
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

type redisSender struct {
	client *redis.Client
	stream string
}

// Send appends every message inside one MULTI/EXEC so the batch lands together or not at all.
func (s *redisSender) Send(ctx context.Context, msgs []OutboundMessage) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range msgs {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: s.stream,
				Values: outboundValues(m),
			})
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "xadd (stream=%s)", s.stream)
	}
	return nil
}

func (s *redisSender) Close() error {
	return nil
}

func outboundValues(m OutboundMessage) map[string]any {
	values := map[string]any{
		fieldMessageID: m.MessageID,
		fieldBody:      string(m.Body),
		fieldAttempt:   max(m.Attempt, 1),
	}
	if m.TraceID != "" {
		values[fieldTraceID] = m.TraceID
	}
	return values
}

type ConsumerConfig struct {
	Queue     string        // Stream (or AMQP queue) name
	Group     string        // Redis consumer group name
	Consumer  string        // Redis consumer name
	DLQ       string        // Dead letter queue for failed messages
	BatchSize int64         // Number of messages to read per batch
	Block     time.Duration // How long to block/poll for new messages
}

type RedisConsumer struct {
	client *redis.Client
	cfg    ConsumerConfig
}

func NewRedisConsumer(ctx context.Context, client *redis.Client, cfg ConsumerConfig) (*RedisConsumer, error) {
	consumer := &RedisConsumer{
		client: client,
		cfg:    cfg,
	}

	if err := consumer.ensureGroup(ctx); err != nil {
		return nil, err
	}

	return consumer, nil
}

func (c *RedisConsumer) ensureGroup(ctx context.Context) error {
	// Start from "0" so a recreated group still sees entries already in the stream.
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Queue, c.cfg.Group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return errors.Wrap(err, "creating consumer group")
	}
	return nil
}

func (c *RedisConsumer) Queue() string {
	return c.cfg.Queue
}

func (c *RedisConsumer) Read(ctx context.Context) ([]Delivery, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "syncrelay.queue.consumer",
		Queue:     &c.cfg.Queue,
	})

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		// ">" reads only entries never delivered to this group; stale pending entries
		// are picked up by the reclaimer.
		Streams: []string{c.cfg.Queue, ">"},
		Count:   c.cfg.BatchSize,
		Block:   c.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []Delivery{}, nil
		}
		return nil, errors.Wrap(err, "reading from stream")
	}

	var deliveries []Delivery
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			d, parseErr := ParseRedisMessage(c.cfg.Queue, msg)
			if parseErr != nil {
				slog.ErrorContext(ctx, "unreadable stream entry, dead-lettering",
					"error", parseErr,
					"entry_id", msg.ID)
				info := NewDeadLetterInfoFromMessage(DeadLetterReasonInvalidEnvelope, parseErr.Error(), 1)
				if dlqErr := c.SendDLQ(ctx, Delivery{ID: msg.ID, Queue: c.cfg.Queue, raw: msg}, info); dlqErr != nil {
					slog.ErrorContext(ctx, "failed to dead-letter unreadable entry", "error", dlqErr)
				}
				continue
			}
			deliveries = append(deliveries, d)
		}
	}

	if len(deliveries) > 0 {
		slog.DebugContext(ctx, "read messages from stream",
			"count", len(deliveries),
			"consumer", c.cfg.Consumer)
	}

	return deliveries, nil
}

func (c *RedisConsumer) Ack(ctx context.Context, d Delivery) error {
	if err := c.client.XAck(ctx, c.cfg.Queue, c.cfg.Group, d.ID).Err(); err != nil {
		return errors.Wrapf(err, "xack (stream=%s)", c.cfg.Queue)
	}
	return nil
}

// Requeue schedules d for another attempt after delay. The original entry stays pending
// until the copy is appended, so a crash during the wait leaves it for the reclaimer.
func (c *RedisConsumer) Requeue(ctx context.Context, d Delivery, delay time.Duration, errMsg string) error {
	if err := sleepContext(ctx, delay); err != nil {
		return err
	}

	values := outboundValues(OutboundMessage{
		MessageID: d.MessageID,
		Body:      d.Body,
		TraceID:   d.TraceID,
		Attempt:   d.Attempt + 1,
	})
	if errMsg != "" {
		values[fieldLastError] = logger.Truncate(errMsg, 1024)
	}

	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.Queue,
		Values: values,
	}).Err(); err != nil {
		return errors.Wrap(err, "xadd requeue")
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

func (c *RedisConsumer) SendDLQ(ctx context.Context, d Delivery, info DeadLetterInfo) error {
	record, err := json.Marshal(NewDeadLetter(d, info))
	if err != nil {
		return errors.Wrap(err, "encoding dead letter")
	}

	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.DLQ,
		Values: map[string]any{
			fieldMessageID: d.MessageID,
			fieldBody:      string(d.Body),
			fieldAttempt:   max(d.Attempt, 1),
			fieldDeadInfo:  string(record),
		},
	}).Err(); err != nil {
		return errors.Wrapf(err, "xadd dlq (stream=%s)", c.cfg.DLQ)
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

// ParseRedisMessage converts a stream entry into a Delivery.
func ParseRedisMessage(queue string, msg redis.XMessage) (Delivery, error) {
	body, ok := msg.Values[fieldBody]
	if !ok {
		return Delivery{}, errors.Newf("missing %s", fieldBody)
	}

	attempt, err := parseOptionalInt(msg.Values, fieldAttempt)
	if err != nil {
		return Delivery{}, err
	}
	if attempt <= 0 {
		attempt = 1
	}

	return Delivery{
		ID:        msg.ID,
		Queue:     queue,
		MessageID: parseOptionalString(msg.Values, fieldMessageID),
		Body:      []byte(fmt.Sprint(body)),
		Attempt:   attempt,
		TraceID:   parseOptionalString(msg.Values, fieldTraceID),
		LastError: parseOptionalString(msg.Values, fieldLastError),
		raw:       msg,
	}, nil
}

func parseOptionalInt(values map[string]any, key string) (int, error) {
	raw, ok := values[key]
	if !ok {
		return 0, nil
	}
	num, err := strconv.Atoi(fmt.Sprint(raw))
	if err != nil {
		return 0, errors.Wrapf(err, "parsing %s", key)
	}
	return num, nil
}

func parseOptionalString(values map[string]any, key string) string {
	raw, ok := values[key]
	if !ok {
		return ""
	}
	return fmt.Sprint(raw)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
