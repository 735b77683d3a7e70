// Package bootstrap opens the storage and queue backends selected by configuration.
// Both binaries share it so the server and worker always agree on the wiring.
package bootstrap

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"basegraph.app/syncrelay/core/config"
	"basegraph.app/syncrelay/core/db"
	"basegraph.app/syncrelay/internal/queue"
	"basegraph.app/syncrelay/internal/store"
	"basegraph.app/syncrelay/internal/store/sqlite"
	"basegraph.app/syncrelay/internal/worker"
)

const sqliteScheme = "sqlite:"

// Storage is an opened store backend.
type Storage struct {
	Stores   store.Provider
	TxRunner store.TxRunner
	Backend  string
	close    func()
}

func (s *Storage) Close() {
	if s != nil && s.close != nil {
		s.close()
	}
}

// SQLitePath reports whether dsn selects the embedded store, returning the sqlite DSN.
// "sqlite://relay.db" and "sqlite:relay.db" both open file:relay.db; "sqlite::memory:"
// opens an in-memory database.
func SQLitePath(dsn string) (string, bool) {
	if !strings.HasPrefix(dsn, sqliteScheme) {
		return "", false
	}
	path := strings.TrimPrefix(strings.TrimPrefix(dsn, sqliteScheme), "//")
	if path == "" || path == ":memory:" {
		return ":memory:", true
	}
	if strings.HasPrefix(path, "file:") {
		return path, true
	}
	return "file:" + path, true
}

// OpenStorage connects to Postgres, or to SQLite when the DSN uses the sqlite scheme.
// The SQLite backend migrates itself on open; Postgres is migrated by cmd/migrate.
func OpenStorage(ctx context.Context, cfg db.Config) (*Storage, error) {
	if path, ok := SQLitePath(cfg.DSN); ok {
		conn, err := sqlite.Open(ctx, path)
		if err != nil {
			return nil, errors.Wrap(err, "opening sqlite store")
		}
		return &Storage{
			Stores:   conn,
			TxRunner: conn,
			Backend:  "sqlite",
			close:    func() { _ = conn.Close() },
		}, nil
	}

	database, err := db.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Storage{
		Stores:   store.NewStores(database.Conn()),
		TxRunner: store.NewTxRunner(database),
		Backend:  "postgres",
		close:    database.Close,
	}, nil
}

// Queues is an opened broker connection. Exactly one of Redis and AMQP is set.
type Queues struct {
	Broker queue.Broker
	Redis  *redis.Client
	AMQP   *amqp.Connection
	cfg    config.QueueConfig
}

// OpenQueues dials the configured broker and verifies it is reachable.
func OpenQueues(ctx context.Context, cfg config.QueueConfig) (*Queues, error) {
	limits := queue.BatchLimits{
		MaxMessages: cfg.MaxBatchMessages,
		MaxBytes:    cfg.MaxBatchBytes,
	}

	switch cfg.Driver {
	case config.QueueDriverAMQP:
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			return nil, errors.Wrap(err, "connecting to amqp")
		}
		return &Queues{Broker: queue.NewAMQPBroker(conn, limits), AMQP: conn, cfg: cfg}, nil

	case config.QueueDriverRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, errors.Wrap(err, "parsing redis url")
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, errors.Wrap(err, "connecting to redis")
		}
		return &Queues{Broker: queue.NewRedisBroker(client, limits), Redis: client, cfg: cfg}, nil

	default:
		return nil, errors.Newf("unknown queue driver %q", cfg.Driver)
	}
}

// Consumer opens a consumer for one work queue on the configured broker.
func (q *Queues) Consumer(ctx context.Context, name string) (worker.Consumer, error) {
	cc := queue.ConsumerConfig{
		Queue:     name,
		Group:     q.cfg.Group,
		Consumer:  q.cfg.Consumer,
		DLQ:       q.cfg.DLQ(name),
		BatchSize: q.cfg.BatchSize,
		Block:     q.cfg.Block,
	}
	if q.AMQP != nil {
		c, err := queue.NewAMQPConsumer(q.AMQP, cc)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	c, err := queue.NewRedisConsumer(ctx, q.Redis, cc)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Reclaimer returns a pending-entry reclaimer for name, or nil when the broker
// redelivers unacknowledged messages itself.
func (q *Queues) Reclaimer(name string, consumer worker.Consumer, handle worker.DeliveryHandler) *worker.RedisReclaimer {
	if q.Redis == nil {
		return nil
	}
	return worker.NewRedisReclaimer(q.Redis, worker.RedisReclaimerConfig{
		Stream:        name,
		Group:         q.cfg.Group,
		Consumer:      q.cfg.Consumer + "-reclaimer",
		MinIdle:       q.cfg.ReclaimMinIdle,
		Interval:      q.cfg.ReclaimInterval,
		BatchSize:     q.cfg.BatchSize,
		MaxDeliveries: int64(q.cfg.MaxAttempts),
	}, consumer, handle)
}

func (q *Queues) Close() error {
	return q.Broker.Close()
}
