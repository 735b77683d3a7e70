package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"basegraph.app/syncrelay/common/id"
	"basegraph.app/syncrelay/common/logger"
	"basegraph.app/syncrelay/common/otel"
	"basegraph.app/syncrelay/core/config"
	"basegraph.app/syncrelay/internal/bootstrap"
	"basegraph.app/syncrelay/internal/chat"
	"basegraph.app/syncrelay/internal/deadletter"
	"basegraph.app/syncrelay/internal/processor"
	"basegraph.app/syncrelay/internal/queue"
	"basegraph.app/syncrelay/internal/tenant"
	"basegraph.app/syncrelay/internal/tracker"
	"basegraph.app/syncrelay/internal/worker"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeWorker)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	slog.InfoContext(ctx, "syncrelay worker starting",
		"env", cfg.Env,
		"driver", cfg.Queue.Driver,
		"consumer_group", cfg.Queue.Group,
		"consumer_name", cfg.Queue.Consumer)

	// Different node ID than the server so snowflake ids never collide
	if err := id.Init(2); err != nil {
		slog.ErrorContext(ctx, "failed to initialize id generator", "error", err)
		os.Exit(1)
	}

	storage, err := bootstrap.OpenStorage(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer storage.Close()
	slog.InfoContext(ctx, "database connected", "backend", storage.Backend)

	queues, err := bootstrap.OpenQueues(ctx, cfg.Queue)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to queue broker", "error", err)
		os.Exit(1)
	}
	pool := queue.NewSenderPool(queues.Broker)

	box, err := tenant.NewSecretBox(cfg.Security.AppKey)
	if err != nil {
		slog.ErrorContext(ctx, "failed to initialize secret box", "error", err)
		os.Exit(1)
	}

	proc := processor.New(
		storage.Stores,
		storage.TxRunner,
		tenant.NewResolver(storage.Stores.Tenants(), box, cfg.Cache),
		tracker.NewClient(cfg.Tracker),
		chat.NewNotifier(cfg.Chat),
		queue.NewPublisher(pool),
		processor.Config{SyncQueue: cfg.Queue.SyncQueue},
	)

	var archiver worker.Archiver
	if cfg.DeadLetter.Enabled() {
		archiver = deadletter.NewArchiver(deadletter.NewS3Client(cfg.DeadLetter), cfg.DeadLetter.S3Bucket, cfg.DeadLetter.S3Prefix)
		slog.InfoContext(ctx, "dead letter archive enabled", "bucket", cfg.DeadLetter.S3Bucket)
	}

	workerCfg := worker.Config{
		MaxAttempts: cfg.Queue.MaxAttempts,
		Backoff: queue.Backoff{
			Initial:    cfg.Queue.InitialBackoff,
			Max:        cfg.Queue.MaxBackoff,
			Multiplier: cfg.Queue.BackoffMultiplier,
		},
	}

	var (
		workers    []*worker.Worker
		reclaimers []*worker.RedisReclaimer
		wg         sync.WaitGroup
	)

	for _, name := range cfg.Queue.Queues() {
		consumer, err := queues.Consumer(ctx, name)
		if err != nil {
			slog.ErrorContext(ctx, "failed to create consumer", "error", err, "queue", name)
			os.Exit(1)
		}

		w := worker.New(consumer, proc, processor.TerminalReason, archiver, workerCfg)
		workers = append(workers, w)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				slog.ErrorContext(ctx, "worker stopped with error", "error", err, "queue", name)
			}
		}()

		if r := queues.Reclaimer(name, consumer, w.Handle); r != nil {
			reclaimers = append(reclaimers, r)
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.Run(ctx)
			}()
		}
		slog.InfoContext(ctx, "consuming queue", "queue", name, "dlq", cfg.Queue.DLQ(name))
	}

	slog.InfoContext(ctx, "worker initialized and running", "queues", len(workers))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		// Reclaimers first (quick), then workers (may be processing)
		for _, r := range reclaimers {
			r.Stop()
		}
		for _, w := range workers {
			w.Stop()
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-shutdownCtx.Done():
		slog.WarnContext(ctx, "shutdown timeout exceeded")
	case <-done:
	}

	if err := pool.Close(); err != nil {
		slog.ErrorContext(shutdownCtx, "sender pool shutdown error", "error", err)
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(ctx, "worker shutdown complete")
}

const banner = `
 ___ _   _ _ __   ___ _ __ ___| | __ _ _   _
/ __| | | | '_ \ / __| '__/ _ \ |/ _' | | | |
\__ \ |_| | | | | (__| | |  __/ | (_| | |_| |
|___/\__, |_| |_|\___|_|  \___|_|\__,_|\__, |
     |___/                             |___/   worker
`
