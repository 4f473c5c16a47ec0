package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ConsumerSupervisor keeps an inbound consumer running. A consumer that stops
// is rebuilt after RestartDelay; until it commits again, Ping reports the
// failure so /health shows the inbound side as down while HTTP keeps serving.
type ConsumerSupervisor struct {
	build        func() *KafkaConsumer
	restartDelay time.Duration
	logger       *zap.Logger

	mu       sync.Mutex
	lastErr  error
	restarts int
}

func NewConsumerSupervisor(build func() *KafkaConsumer, restartDelay time.Duration, logger *zap.Logger) *ConsumerSupervisor {
	if restartDelay <= 0 {
		restartDelay = 30 * time.Second
	}
	return &ConsumerSupervisor{build: build, restartDelay: restartDelay, logger: logger}
}

// Run blocks until ctx is cancelled.
func (s *ConsumerSupervisor) Run(ctx context.Context) {
	for {
		c := s.build()
		c.committed = s.recovered
		err := c.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = fmt.Errorf("consumer returned without error")
		}
		s.mu.Lock()
		s.lastErr = err
		s.restarts++
		restarts := s.restarts
		s.mu.Unlock()
		s.logger.Error("inbound consumer stopped, restarting later",
			zap.Int("restarts", restarts), zap.Duration("delay", s.restartDelay), zap.Error(err))

		t := time.NewTimer(s.restartDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (s *ConsumerSupervisor) recovered() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastErr != nil {
		s.logger.Info("inbound consumer recovered", zap.Int("restarts", s.restarts))
		s.lastErr = nil
	}
}

// Ping implements the health check contract.
func (s *ConsumerSupervisor) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastErr != nil {
		return fmt.Errorf("inbound consumer stopped: %w", s.lastErr)
	}
	return nil
}
