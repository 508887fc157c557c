package mqx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"drone-delivery-dispatch/shared/config"
	"drone-delivery-dispatch/shared/events"
	"drone-delivery-dispatch/shared/logx"
	"drone-delivery-dispatch/shared/metricsx"
)

const attemptsHeader = "attempts"

// Handler processes one event. A nil return acknowledges the message; an
// error requeues it until the attempt bound is reached, after which it is
// dead-lettered.
type Handler func(ctx context.Context, env events.Envelope) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Stats() kafka.ReaderStats
	Close() error
}

type publisher interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// Subscriber is one worker bound to one topic. Redelivery after a failed
// handler goes through a republish with an incremented attempts header, so
// per-entity ordering is preserved on the happy path and only relaxed for
// messages already being retried.
type Subscriber struct {
	topic       string
	group       string
	reader      messageReader
	producer    publisher
	logger      logx.Logger
	maxAttempts int
	retryWait   time.Duration
}

func NewSubscriber(cfg config.Config, topic string, groupID string, producer *Producer, logger logx.Logger) (*Subscriber, error) {
	reader, err := NewConsumer(cfg, topic, groupID)
	if err != nil {
		return nil, err
	}
	if groupID == "" {
		groupID = cfg.KafkaGroupID
	}
	return &Subscriber{
		topic:       topic,
		group:       groupID,
		reader:      reader,
		producer:    producer,
		logger:      logger.With(slog.String("topic", topic)),
		maxAttempts: cfg.HandlerMaxAttempts,
		retryWait:   500 * time.Millisecond,
	}, nil
}

func (s *Subscriber) Close() error {
	if s == nil || s.reader == nil {
		return nil
	}
	return s.reader.Close()
}

// Run consumes until the context is cancelled. Transport errors never kill
// the loop; they back off and retry.
func (s *Subscriber) Run(ctx context.Context, handler Handler) error {
	s.logger.Info(ctx, "consumer_start", "consumer started", slog.String("group", s.group))
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				s.logger.Info(context.Background(), "consumer_stop", "consumer stopped")
				return nil
			}
			s.logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message",
				slog.String("error_code", "CHANNEL_UNAVAILABLE"),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.retryWait):
			}
			continue
		}

		s.process(ctx, msg, handler)

		stats := s.reader.Stats()
		metricsx.SetKafkaLag(s.topic, s.group, stats.Lag)
	}
}

func (s *Subscriber) process(ctx context.Context, msg kafka.Message, handler Handler) {
	ctx, span := otel.Tracer("mqx").Start(ctx, "kafka.consume")
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", s.topic),
	)
	defer span.End()

	var env events.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		s.deadLetter(ctx, msg, "undecodable payload: "+err.Error())
		return
	}
	if err := env.Validate(); err != nil {
		s.deadLetter(ctx, msg, "invalid envelope: "+err.Error())
		return
	}

	err := handler(ctx, env)
	if err == nil {
		s.commit(ctx, msg)
		return
	}

	attempts := attemptsFrom(msg) + 1
	if attempts >= s.maxAttempts {
		s.logger.Warn(ctx, "message_dead", "handler exhausted retries",
			slog.String("idempotency_key", env.IdempotencyKey),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)
		s.deadLetter(ctx, msg, err.Error())
		return
	}

	s.logger.Warn(ctx, "message_requeue", "handler failed, requeueing",
		slog.String("idempotency_key", env.IdempotencyKey),
		slog.Int("attempts", attempts),
		slog.String("error", err.Error()),
	)
	headers := headerMap(msg)
	headers[attemptsHeader] = strconv.Itoa(attempts)
	if pubErr := s.producer.Publish(ctx, s.topic, msg.Key, msg.Value, headers); pubErr != nil {
		// Leave the message uncommitted; the broker redelivers it.
		s.logger.Error(ctx, "requeue_failed", "failed to requeue message",
			slog.String("error_code", "CHANNEL_UNAVAILABLE"),
			slog.String("error", pubErr.Error()),
		)
		return
	}
	s.commit(ctx, msg)
}

func (s *Subscriber) deadLetter(ctx context.Context, msg kafka.Message, reason string) {
	dlTopic := events.DeadLetterTopic(s.topic)
	headers := headerMap(msg)
	headers["deadletter_reason"] = reason
	headers["source_topic"] = s.topic
	if err := s.producer.Publish(ctx, dlTopic, msg.Key, msg.Value, headers); err != nil {
		s.logger.Error(ctx, "deadletter_publish_failed", "failed to publish to dead-letter topic",
			slog.String("error_code", "CHANNEL_UNAVAILABLE"),
			slog.String("error", err.Error()),
		)
		return
	}
	metricsx.IncDeadLetter(s.topic)
	s.commit(ctx, msg)
}

func (s *Subscriber) commit(ctx context.Context, msg kafka.Message) {
	if err := s.reader.CommitMessages(ctx, msg); err != nil {
		s.logger.Error(ctx, "kafka_commit_failed", "failed to commit message",
			slog.String("error_code", "CHANNEL_UNAVAILABLE"),
			slog.String("error", err.Error()),
		)
	}
}

func attemptsFrom(msg kafka.Message) int {
	for _, h := range msg.Headers {
		if h.Key == attemptsHeader {
			if n, err := strconv.Atoi(string(h.Value)); err == nil && n >= 0 {
				return n
			}
			return 0
		}
	}
	return 0
}

func headerMap(msg kafka.Message) map[string]string {
	out := make(map[string]string, len(msg.Headers)+2)
	for _, h := range msg.Headers {
		out[h.Key] = string(h.Value)
	}
	return out
}
