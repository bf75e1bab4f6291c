package consumer

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/md-rashed-zaman/reachflow/libs/kafkax"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Handler func(ctx context.Context, msg kafka.Message) error

// Dedup records processed event ids; Record returns false for a duplicate. Forget undoes a
// Record whose handler never succeeded, so a replay of the event is processed again.
type Dedup interface {
	Record(ctx context.Context, eventID string, eventType string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	reader  reader
	logger  *slog.Logger
	inbox   Dedup
	handler Handler
	cfg     Config
}

type Config struct {
	Brokers string
	GroupID string
	Topic   string
	// MaxAttempts bounds handler retries for one message before it is skipped.
	MaxAttempts uint
	// RetryInitial is the first backoff interval between handler attempts.
	RetryInitial time.Duration
}

func New(logger *slog.Logger, inbox Dedup, cfg Config, handler Handler) *Consumer {
	brokers := kafkax.SplitBrokers(cfg.Brokers)
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return newConsumer(r, logger, inbox, cfg, handler)
}

func newConsumer(r reader, logger *slog.Logger, inbox Dedup, cfg Config, handler Handler) *Consumer {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 500 * time.Millisecond
	}
	return &Consumer{
		reader:  r,
		logger:  logger.With("topic", cfg.Topic),
		inbox:   inbox,
		handler: handler,
		cfg:     cfg,
	}
}

func (c *Consumer) Run(ctx context.Context) {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("kafka read error", "err", err)
			time.Sleep(1 * time.Second)
			continue
		}
		if !c.handle(ctx, msg) || ctx.Err() != nil {
			// Uncommitted; the group redelivers it after the restart.
			return
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("kafka commit error", "err", err, "offset", msg.Offset)
		}
	}
}

// handle reports whether the message is settled and its offset may be committed. It is not
// settled while the inbox cannot be reached; that is retried until ctx is done.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) bool {
	ctxMsg := kafkax.ExtractTraceContext(ctx, msg)
	ctxSpan, span := otel.Tracer("kafka").Start(ctxMsg, "kafka.consume",
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
		),
	)
	defer span.End()

	meta := kafkax.ExtractEventMeta(msg)
	if meta.EventID == "" {
		c.logger.Warn("event without id; dedup skipped", "event_type", meta.EventType, "offset", msg.Offset)
	} else {
		ok, err := c.record(ctxSpan, meta)
		if err != nil {
			span.RecordError(err)
			return false
		}
		if !ok {
			c.logger.Info("duplicate event ignored", "event_id", meta.EventID, "event_type", meta.EventType)
			return true
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInitial
	attempt := 0
	_, err := backoff.Retry(ctxSpan, func() (struct{}, error) {
		attempt++
		err := c.handler(ctxSpan, msg)
		if err != nil {
			c.logger.Warn("handler attempt failed", "err", err, "event_id", meta.EventID, "attempt", attempt)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.cfg.MaxAttempts))
	if err == nil {
		return true
	}

	span.RecordError(err)
	c.forget(meta.EventID)
	if ctx.Err() != nil {
		return false
	}
	c.logger.Error("handler gave up; event skipped", "err", err, "event_id", meta.EventID, "attempts", attempt)
	return true
}

func (c *Consumer) record(ctx context.Context, meta kafkax.EventMeta) (bool, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInitial
	attempt := 0
	return backoff.Retry(ctx, func() (bool, error) {
		attempt++
		ok, err := c.inbox.Record(ctx, meta.EventID, meta.EventType)
		if err != nil {
			c.logger.Error("inbox record failed", "err", err, "event_id", meta.EventID, "attempt", attempt)
		}
		return ok, err
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(0))
}

func (c *Consumer) forget(eventID string) {
	if eventID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.inbox.Forget(ctx, eventID); err != nil {
		c.logger.Error("inbox forget failed", "err", err, "event_id", eventID)
	}
}
