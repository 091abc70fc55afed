package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	apperrors "automation-engine/internal/errors"
	"automation-engine/internal/trigger"
	"automation-engine/internal/workflow"
)

// MessageReader is the subset of *kafka.Reader the consumer depends on.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventRouter routes an inbound event to every matching rule.
type EventRouter interface {
	DetectAndRoute(ctx context.Context, ev trigger.Event) ([]*workflow.Execution, error)
}

// Consumer reads events from the event topic and routes each one through
// detection. Malformed events are committed and counted as rejected so they
// cannot stall the partition. A transient routing failure holds the
// partition: the same message is retried with backoff and only committed
// once it routes, so an offset past it is never committed first.
type Consumer struct {
	reader  MessageReader
	router  EventRouter
	config  *Config
	logger  *slog.Logger
	metrics consumerMetrics
	started atomic.Bool
	closed  atomic.Bool

	retryBase time.Duration
	retryMax  time.Duration
}

type consumerMetrics struct {
	messagesConsumed atomic.Int64
	bytesConsumed    atomic.Int64
	errors           atomic.Int64
	rejected         atomic.Int64
	lastError        atomic.Value
	lastErrorTime    atomic.Value
}

// NewConsumer creates a consumer-group reader on the event topic.
func NewConsumer(config *Config, router EventRouter, logger *slog.Logger) (*Consumer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.EventTopic == "" {
		return nil, errors.New("kafka: event topic is required for the consumer")
	}
	if router == nil {
		return nil, errors.New("kafka: event router is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer, err := config.GetDialer()
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:           config.Brokers,
		GroupID:           config.ConsumerGroup,
		Topic:             config.EventTopic,
		Dialer:            dialer,
		MinBytes:          config.ConsumerMinBytes,
		MaxBytes:          config.ConsumerMaxBytes,
		MaxWait:           config.ConsumerMaxWait,
		CommitInterval:    config.CommitInterval,
		StartOffset:       config.StartOffset,
		HeartbeatInterval: config.HeartbeatInterval,
		SessionTimeout:    config.SessionTimeout,
		ReadBackoffMin:    100 * time.Millisecond,
		ReadBackoffMax:    time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	logger.Info("kafka consumer initialized",
		"brokers", config.Brokers,
		"topic", config.EventTopic,
		"group", config.ConsumerGroup,
	)
	return newConsumer(reader, router, config, logger), nil
}

func newConsumer(r MessageReader, router EventRouter, config *Config, logger *slog.Logger) *Consumer {
	return &Consumer{
		reader:    r,
		router:    router,
		config:    config,
		logger:    logger,
		retryBase: time.Second,
		retryMax:  30 * time.Second,
	}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if c.closed.Load() {
		return ErrConsumerClosed
	}
	if c.started.Swap(true) {
		return errors.New("kafka: consumer already started")
	}

	c.logger.Info("starting kafka consumer", "topic", c.config.EventTopic)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || c.closed.Load() || errors.Is(err, io.EOF) {
				return nil
			}
			c.recordError(err)
			c.logger.Error("failed to fetch message", "error", err, "topic", c.config.EventTopic)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
				continue
			}
		}

		c.metrics.messagesConsumed.Add(1)
		c.metrics.bytesConsumed.Add(int64(len(msg.Value) + len(msg.Key)))

		if err := c.processUntilRouted(ctx, msg); err != nil {
			if !isRejection(err) {
				// Stopped while retrying. The message stays uncommitted and is
				// redelivered to the group.
				return nil
			}
			c.metrics.rejected.Add(1)
			c.logger.Warn("rejected inbound event",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.recordError(err)
			c.logger.Error("failed to commit offset", "error", err, "offset", msg.Offset)
		}
	}
}

// processUntilRouted retries transient failures of one message until it
// routes, is rejected, or the consumer stops.
func (c *Consumer) processUntilRouted(ctx context.Context, msg kafka.Message) error {
	delay := c.retryBase
	for attempt := 1; ; attempt++ {
		err := c.process(ctx, msg)
		if err == nil || isRejection(err) {
			return err
		}

		c.recordError(err)
		c.logger.Error("failed to route event, retrying",
			"error", err,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"attempt", attempt,
			"retry_in", delay,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if c.closed.Load() {
			return ErrConsumerClosed
		}
		delay = min(delay*2, c.retryMax)
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	ev, err := DecodeEvent(msg)
	if err != nil {
		return err
	}

	timeout := c.config.HandlerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execs, err := c.router.DetectAndRoute(hctx, ev)
	if err != nil {
		return err
	}
	c.logger.Debug("event routed",
		"event_id", ev.ID,
		"type", ev.Type,
		"executions", len(execs),
	)
	return nil
}

// DecodeEvent parses a message value as a trigger event. The message key
// stands in for a missing event id.
func DecodeEvent(msg kafka.Message) (trigger.Event, error) {
	var ev trigger.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return trigger.Event{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if ev.Type == "" {
		return trigger.Event{}, fmt.Errorf("%w: event type is required", ErrInvalidMessage)
	}
	if ev.ID == "" && len(msg.Key) > 0 {
		ev.ID = string(msg.Key)
	}
	if ev.OccurredAt.IsZero() && !msg.Time.IsZero() {
		ev.OccurredAt = msg.Time.UTC()
	}
	return ev, nil
}

func isRejection(err error) bool {
	return errors.Is(err, ErrInvalidMessage) || errors.Is(err, apperrors.ErrValidation)
}

func (c *Consumer) recordError(err error) {
	c.metrics.errors.Add(1)
	c.metrics.lastError.Store(err)
	c.metrics.lastErrorTime.Store(time.Now())
}

// GetMetrics returns current consumer metrics.
func (c *Consumer) GetMetrics() Metrics {
	m := Metrics{
		MessagesConsumed: c.metrics.messagesConsumed.Load(),
		BytesConsumed:    c.metrics.bytesConsumed.Load(),
		Errors:           c.metrics.errors.Load(),
		Rejected:         c.metrics.rejected.Load(),
	}
	if err, ok := c.metrics.lastError.Load().(error); ok {
		m.LastError = err
	}
	if t, ok := c.metrics.lastErrorTime.Load().(time.Time); ok {
		m.LastErrorTime = t
	}
	return m
}

// HealthCheck verifies the consumer can reach a broker.
func (c *Consumer) HealthCheck(ctx context.Context) HealthStatus {
	if c.closed.Load() {
		return HealthStatus{LastCheck: time.Now(), Error: "consumer is closed"}
	}
	status := probe(ctx, c.config)
	status.Healthy = status.Healthy && c.started.Load()
	return status
}

// Close closes the reader. Run returns once its pending fetch unblocks.
func (c *Consumer) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.logger.Info("stopping kafka consumer",
		"messages_consumed", c.metrics.messagesConsumed.Load(),
		"rejected", c.metrics.rejected.Load(),
	)
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close consumer: %w", err)
	}
	return nil
}
