package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/Energinet-DataHub/opengeh-edi-sub022/config"
)

var ErrBrokerUnavailable = errors.New("broker unavailable")

// BreakerPublisher fails fast while the downstream publisher keeps failing.
// A rejected publish is an ordinary error: the outbox entry stays pending.
type BreakerPublisher struct {
	inner   Publisher
	breaker *gobreaker.CircuitBreaker
}

func NewBreakerPublisher(inner Publisher, name string, cfg config.BreakerConfig, logger *zap.Logger) *BreakerPublisher {
	failures := cfg.ConsecutiveFailures
	if failures == 0 {
		failures = 5
	}
	settings := gobreaker.Settings{
		Name:        "broker-" + name,
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &BreakerPublisher{inner: inner, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (p *BreakerPublisher) Publish(ctx context.Context, msg Message) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.inner.Publish(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	return err
}

func (p *BreakerPublisher) State() gobreaker.State { return p.breaker.State() }

func (p *BreakerPublisher) Close() error { return p.inner.Close() }
