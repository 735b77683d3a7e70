package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"basegraph.app/syncrelay/common/logger"
	"basegraph.app/syncrelay/internal/queue"
)

type Config struct {
	MaxAttempts int
	Backoff     queue.Backoff
}

type Worker struct {
	consumer Consumer
	handler  Handler
	classify Classifier
	archiver Archiver
	cfg      Config

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// New builds a worker for one queue. archiver may be nil.
func New(consumer Consumer, handler Handler, classify Classifier, archiver Archiver, cfg Config) *Worker {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Worker{
		consumer:  consumer,
		handler:   handler,
		classify:  classify,
		archiver:  archiver,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stoppedCh)

	queueName := w.consumer.Queue()
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "syncrelay.worker",
		Queue:     &queueName,
	})
	slog.InfoContext(ctx, "worker started", "max_attempts", w.cfg.MaxAttempts)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			slog.InfoContext(ctx, "worker stopping")
			return nil
		default:
			if err := w.processOneBatch(ctx); err != nil {
				slog.ErrorContext(ctx, "batch processing error", "error", err)
				// Brief backoff on error
				select {
				case <-ctx.Done():
				case <-w.stopCh:
				case <-time.After(time.Second):
				}
			}
		}
	}
}

func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.stoppedCh
}

func (w *Worker) processOneBatch(ctx context.Context) error {
	deliveries, err := w.consumer.Read(ctx)
	if err != nil {
		return errors.Wrap(err, "reading deliveries")
	}
	for _, d := range deliveries {
		w.Handle(ctx, d)
	}
	return nil
}

// Handle processes one delivery and settles it: ack on success, dead-letter on terminal
// failure or exhausted attempts, requeue with backoff otherwise. Exported for the reclaimer.
func (w *Worker) Handle(ctx context.Context, d queue.Delivery) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		MessageID:  &d.MessageID,
		DeliveryID: &d.ID,
	})

	sc := logger.StartSpanFromTraceID(ctx, d.TraceID, "queue.process", trace.WithSpanKind(trace.SpanKindConsumer))
	defer sc.End()
	ctx = sc.Context()
	sc.Span().SetAttributes(
		attribute.String("messaging.destination.name", d.Queue),
		attribute.Int("messaging.delivery.attempt", d.Attempt),
	)

	start := time.Now()
	err := w.processSafe(ctx, d)
	if err == nil {
		if ackErr := w.consumer.Ack(ctx, d); ackErr != nil {
			// Redelivery is safe: processing is idempotent.
			slog.WarnContext(ctx, "failed to ack message", "error", ackErr)
		}
		slog.InfoContext(ctx, "message processed",
			"attempt", d.Attempt,
			"duration_ms", time.Since(start).Milliseconds())
		return
	}

	sc.RecordError(err)
	w.handleFailure(ctx, d, err)
}

func (w *Worker) processSafe(ctx context.Context, d queue.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in message processing", "panic", r)
			err = errors.Newf("panic: %v", r)
		}
	}()
	return w.handler.Process(ctx, d.Body)
}

func (w *Worker) handleFailure(ctx context.Context, d queue.Delivery, err error) {
	attempt := max(d.Attempt, 1)

	if reason, terminal := w.classify(err); terminal {
		var info queue.DeadLetterInfo
		if queue.IsValidationError(err) {
			// Validation failures are described by their fixed text alone.
			info = queue.NewDeadLetterInfoFromMessage(reason, err.Error(), attempt)
		} else {
			info = queue.NewDeadLetterInfo(reason, err, attempt)
		}
		slog.WarnContext(ctx, "terminal failure, dead-lettering", "reason", reason, "error", err)
		w.deadLetter(ctx, d, info)
		return
	}

	if attempt >= w.cfg.MaxAttempts {
		slog.ErrorContext(ctx, "max attempts reached, sending to DLQ",
			"attempts", attempt,
			"error", err)
		w.deadLetter(ctx, d, queue.NewDeadLetterInfo(queue.DeadLetterReasonMaxDeliveryCount, err, attempt))
		return
	}

	delay := w.cfg.Backoff.Delay(attempt)
	slog.WarnContext(ctx, "requeuing failed message",
		"attempt", attempt,
		"delay", delay,
		"error", err)
	if requeueErr := w.consumer.Requeue(ctx, d, delay, err.Error()); requeueErr != nil {
		// The delivery stays pending and comes back through the reclaimer.
		slog.ErrorContext(ctx, "failed to requeue message", "error", requeueErr)
	}
}

func (w *Worker) deadLetter(ctx context.Context, d queue.Delivery, info queue.DeadLetterInfo) {
	if err := w.consumer.SendDLQ(ctx, d, info); err != nil {
		slog.ErrorContext(ctx, "failed to send to DLQ", "error", err)
		return
	}
	if w.archiver == nil {
		return
	}
	if err := w.archiver.Archive(ctx, queue.NewDeadLetter(d, info)); err != nil {
		slog.WarnContext(ctx, "failed to archive dead letter", "error", err)
	}
}
