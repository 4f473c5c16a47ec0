// Package broker publishes integration events to, and consumes them from,
// the external message transport.
package broker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Energinet-DataHub/opengeh-edi-sub022/config"
)

// ErrPermanent marks a handler failure that retrying cannot fix.
var ErrPermanent = errors.New("permanent failure")

// Message is one event on the wire.
type Message struct {
	ID      string
	Type    string
	Key     string
	Payload []byte
	Headers map[string]string
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// LogPublisher only logs; for local runs without a broker.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, msg Message) error {
	p.logger.Info("integration event published",
		zap.String("event_id", msg.ID),
		zap.String("event_type", msg.Type),
		zap.String("key", msg.Key),
		zap.Int("bytes", len(msg.Payload)))
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// NewPublisher builds the configured publisher wrapped in a circuit breaker.
func NewPublisher(cfg config.BrokerConfig, logger *zap.Logger) (Publisher, error) {
	var inner Publisher
	switch cfg.Type {
	case "kafka":
		inner = NewKafkaPublisher(cfg.Kafka)
	case "rabbitmq":
		p, err := NewRabbitPublisher(cfg.RabbitMQ)
		if err != nil {
			return nil, err
		}
		inner = p
	case "log", "":
		return NewLogPublisher(logger), nil
	default:
		return nil, fmt.Errorf("unknown broker type %q", cfg.Type)
	}
	return NewBreakerPublisher(inner, cfg.Type, cfg.Breaker, logger), nil
}
