package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	cferrors "github.com/cadflow/cadflow/pkg/errors"
	"github.com/cadflow/cadflow/pkg/telemetry"
)

// Config describes the RabbitMQ connection.
type Config struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// Handler runs one job. Errors decide whether the message is requeued.
type Handler func(ctx context.Context, job Job) error

// RabbitMQ publishes and consumes jobs on one queue.
type RabbitMQ struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	logger *slog.Logger
}

// Dial connects and declares the queue.
func Dial(cfg Config, logger *slog.Logger) (*RabbitMQ, error) {
	if cfg.URL == "" {
		return nil, errors.New("queue: AMQP URL is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "cadflow.jobs"
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("queue: connect: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("queue: open channel: %w", err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("queue: set qos: %w", err)
		}
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("queue: declare %s: %w", queue, err)
	}
	return &RabbitMQ{conn: conn, ch: ch, queue: queue, logger: logger}, nil
}

// Publish sends job, carrying the trace context of ctx.
func (q *RabbitMQ) Publish(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	carrier := telemetry.Carrier{}
	telemetry.Inject(ctx, carrier)
	if len(carrier) > 0 {
		job.Trace = carrier
	}
	body, err := Encode(job)
	if err != nil {
		return err
	}
	return q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    job.Submitted,
		Body:         body,
	})
}

// Consume runs handler on workers goroutines until ctx is done.
func (q *RabbitMQ) Consume(ctx context.Context, workers int, handler Handler) error {
	if workers <= 0 {
		workers = 1
	}
	msgs, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue: consume %s: %w", q.queue, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					q.deliver(ctx, msg, handler)
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// deliver runs one message and settles it: ack on success, requeue once for
// failures that may pass on another attempt, drop otherwise.
func (q *RabbitMQ) deliver(ctx context.Context, msg amqp.Delivery, handler Handler) {
	job, err := Decode(msg.Body)
	if err != nil {
		q.logger.WarnContext(ctx, "dropping malformed job", "message_id", msg.MessageId, "error", err)
		_ = msg.Nack(false, false)
		return
	}

	jctx := ctx
	if len(job.Trace) > 0 {
		jctx = telemetry.Extract(ctx, telemetry.Carrier(job.Trace))
	}
	err = handler(jctx, job)
	switch {
	case err == nil:
		_ = msg.Ack(false)
	case Retryable(err) && !msg.Redelivered:
		q.logger.WarnContext(ctx, "job failed, requeueing", "job", job.ID, "error", err)
		_ = msg.Nack(false, true)
	default:
		q.logger.ErrorContext(ctx, "job failed", "job", job.ID, "code", cferrors.GetCode(err), "error", err)
		_ = msg.Nack(false, false)
	}
}

// Retryable reports whether a job failing with err may succeed later.
// Format resolution and configuration errors never do.
func Retryable(err error) bool {
	switch cferrors.GetCode(err) {
	case cferrors.CodeUnknownFormat, cferrors.CodeUnsupportedFormat, cferrors.CodeDuplicateFormat,
		cferrors.CodeNoSupportingWriter, cferrors.CodeInvalidValue, cferrors.CodeUnknownProperty,
		cferrors.CodePanic:
		return false
	}
	return true
}

// Close closes the channel and connection.
func (q *RabbitMQ) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
