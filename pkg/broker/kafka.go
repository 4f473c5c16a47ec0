package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Energinet-DataHub/opengeh-edi-sub022/config"
)

const (
	HeaderEventID   = "event_id"
	HeaderEventType = "event_type"

	// dead-letter headers
	HeaderError        = "edi_error"
	HeaderSourceTopic  = "edi_source_topic"
	HeaderSourceOffset = "edi_source_offset"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(cfg config.KafkaConfig) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	headers := []kafka.Header{
		{Key: HeaderEventID, Value: []byte(msg.ID)},
		{Key: HeaderEventType, Value: []byte(msg.Type)},
	}
	for k, v := range msg.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	headers = injectTrace(ctx, headers)

	err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(msg.Key),
		Value:   msg.Payload,
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("kafka publish %s: %w", msg.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }

func injectTrace(ctx context.Context, headers []kafka.Header) []kafka.Header {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for k, v := range carrier {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return headers
}

func extractTrace(ctx context.Context, headers []kafka.Header) context.Context {
	carrier := propagation.MapCarrier{}
	for _, h := range headers {
		carrier[h.Key] = string(h.Value)
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// Handler processes one inbound message.
type Handler func(ctx context.Context, msg Message) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer commits an offset only after its handler succeeded or the
// message was parked on the dead-letter topic.
type KafkaConsumer struct {
	reader     messageReader
	deadLetter messageWriter
	handler    Handler
	logger     *zap.Logger
	tracer     trace.Tracer
	maxRetries uint
	backoff    func() backoff.BackOff
	// committed is called after every committed offset.
	committed func()
}

func NewKafkaConsumer(cfg config.KafkaConfig, handler Handler, logger *zap.Logger) *KafkaConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.InboundTopic,
		GroupID: cfg.GroupID,
	})
	c := newKafkaConsumer(reader, handler, logger)
	if cfg.DeadLetterTopic != "" {
		c.deadLetter = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.DeadLetterTopic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		}
	}
	return c
}

func newKafkaConsumer(reader messageReader, handler Handler, logger *zap.Logger) *KafkaConsumer {
	return &KafkaConsumer{
		reader:     reader,
		handler:    handler,
		logger:     logger,
		tracer:     otel.Tracer("edi-inbox-consumer"),
		maxRetries: 10,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			return b
		},
		committed: func() {},
	}
}

// Run consumes until ctx is cancelled or a message cannot be settled. A
// permanently failing message is parked on the dead-letter topic and
// committed. Without a dead-letter topic, or when retries run out, Run
// returns with the offset uncommitted so the message is redelivered.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	defer c.close()

	for {
		km, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		msg := Message{Key: string(km.Key), Payload: km.Value, Headers: map[string]string{}}
		for _, h := range km.Headers {
			msg.Headers[h.Key] = string(h.Value)
		}
		msg.ID = msg.Headers[HeaderEventID]
		msg.Type = msg.Headers[HeaderEventType]

		msgCtx, span := c.tracer.Start(extractTrace(ctx, km.Headers), "edi.inbox.consume")
		err = c.handle(msgCtx, msg)
		span.End()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !errors.Is(err, ErrPermanent) || c.deadLetter == nil {
				c.logger.Error("inbound message not settled, stopping consumer",
					zap.String("event_id", msg.ID),
					zap.String("event_type", msg.Type),
					zap.Int64("offset", km.Offset),
					zap.Error(err))
				return err
			}
			if perr := c.park(ctx, km, err); perr != nil {
				return perr
			}
			c.logger.Error("inbound message parked on dead-letter topic",
				zap.String("event_id", msg.ID),
				zap.String("event_type", msg.Type),
				zap.Int64("offset", km.Offset),
				zap.Error(err))
		}
		if err := c.reader.CommitMessages(ctx, km); err != nil {
			return fmt.Errorf("commit offset %d: %w", km.Offset, err)
		}
		c.committed()
	}
}

func (c *KafkaConsumer) park(ctx context.Context, km kafka.Message, cause error) error {
	headers := append([]kafka.Header{}, km.Headers...)
	headers = append(headers,
		kafka.Header{Key: HeaderError, Value: []byte(cause.Error())},
		kafka.Header{Key: HeaderSourceTopic, Value: []byte(km.Topic)},
		kafka.Header{Key: HeaderSourceOffset, Value: []byte(strconv.FormatInt(km.Offset, 10))},
	)
	err := c.deadLetter.WriteMessages(ctx, kafka.Message{Key: km.Key, Value: km.Value, Headers: headers})
	if err != nil {
		return fmt.Errorf("park offset %d: %w", km.Offset, err)
	}
	return nil
}

func (c *KafkaConsumer) close() {
	if err := c.reader.Close(); err != nil {
		c.logger.Warn("close kafka reader", zap.Error(err))
	}
	if c.deadLetter != nil {
		if err := c.deadLetter.Close(); err != nil {
			c.logger.Warn("close dead-letter writer", zap.Error(err))
		}
	}
}

func (c *KafkaConsumer) handle(ctx context.Context, msg Message) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.handler(ctx, msg)
		if err != nil && errors.Is(err, ErrPermanent) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(c.backoff()),
		backoff.WithMaxTries(c.maxRetries),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("inbound message failed, retrying",
				zap.String("event_id", msg.ID), zap.Duration("next", next), zap.Error(err))
		}),
	)
	return err
}
