package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/model"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/repository"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/pkg/lock"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/pkg/tracing"
)

// OutboxHandler performs the external effect of one entry. It must be idempotent.
type OutboxHandler func(ctx context.Context, msg *model.OutboxMessage) error

// OutboxDispatcher drains one outbox category oldest-first. A lock per
// category keeps a second worker from publishing the same entries.
type OutboxDispatcher struct {
	category     model.OutboxCategory
	store        *repository.Store
	locker       lock.Locker
	handlers     map[string]OutboxHandler
	pollInterval time.Duration
	batchSize    int
	logger       *zap.Logger
	now          func() time.Time
}

func NewOutboxDispatcher(category model.OutboxCategory, store *repository.Store, locker lock.Locker, pollInterval time.Duration, logger *zap.Logger) *OutboxDispatcher {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &OutboxDispatcher{
		category:     category,
		store:        store,
		locker:       locker,
		handlers:     make(map[string]OutboxHandler),
		pollInterval: pollInterval,
		batchSize:    500,
		logger:       logger.With(zap.String("category", string(category))),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Register must be called before Start.
func (d *OutboxDispatcher) Register(msgType string, h OutboxHandler) error {
	if _, ok := d.handlers[msgType]; ok {
		return fmt.Errorf("outbox handler for %q already registered", msgType)
	}
	d.handlers[msgType] = h
	return nil
}

func (d *OutboxDispatcher) LockKey() string { return "outbox-dispatcher:" + string(d.category) }

// DispatchOnce processes pending entries until none remain, a handler fails,
// the lock cannot be renewed, or the batch limit is reached. Each entry is marked on its own, so a crash
// resumes at the first unmarked entry. A failed entry stays pending and ends
// the pass; an entry of an unregistered type is parked.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) (int, error) {
	h, acquired, err := d.locker.TryLock(ctx, d.LockKey())
	if err != nil {
		return 0, err
	}
	if !acquired {
		return 0, nil
	}
	defer func() {
		if err := h.Unlock(context.Background()); err != nil {
			d.logger.Warn("release dispatcher lock failed", zap.Error(err))
		}
	}()

	ctx, span := tracing.Tracer().Start(ctx, "edi.outbox.dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("edi.outbox.category", string(d.category)))

	processed := 0
	for processed < d.batchSize {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if err := h.Extend(ctx); err != nil {
			d.logger.Warn("dispatcher lock lost, ending pass", zap.Int("processed", processed), zap.Error(err))
			return processed, err
		}
		msg, err := d.store.Outbox.NextPending(ctx, d.category)
		if errors.Is(err, repository.ErrNotFound) {
			return processed, nil
		}
		if err != nil {
			return processed, err
		}

		handler, ok := d.handlers[msg.Type]
		if !ok {
			d.logger.Error("no handler for outbox type, parking entry",
				zap.String("outbox_id", msg.ID), zap.String("type", msg.Type))
			if err := d.store.Outbox.RecordFailure(ctx, msg.ID, fmt.Errorf("%w: %s", ErrUnknownEventType, msg.Type), true, d.now()); err != nil {
				return processed, err
			}
			continue
		}

		if err := handler(ctx, msg); err != nil {
			park := errors.Is(err, ErrPoisonMessage) || errors.Is(err, model.ErrInvalidMessage)
			if rerr := d.store.Outbox.RecordFailure(ctx, msg.ID, err, park, d.now()); rerr != nil {
				return processed, rerr
			}
			if park {
				d.logger.Error("unprocessable outbox entry parked", zap.String("outbox_id", msg.ID), zap.String("type", msg.Type), zap.Error(err))
				continue
			}
			d.logger.Warn("outbox handler failed, entry stays pending",
				zap.String("outbox_id", msg.ID), zap.String("type", msg.Type), zap.Int("errors", msg.ErrorCount+1), zap.Error(err))
			return processed, err
		}

		if err := d.store.Outbox.MarkProcessed(ctx, msg.ID, d.now()); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

// Start 启动轮询；返回停止函数，等待当前一轮结束
func (d *OutboxDispatcher) Start() func(context.Context) error {
	stop := make(chan struct{})
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(done)
		d.loop(ctx, stop)
	}()

	var once sync.Once
	return func(waitCtx context.Context) error {
		once.Do(func() { close(stop) })
		select {
		case <-done:
			cancel()
			return nil
		case <-waitCtx.Done():
			cancel()
			<-done
			return waitCtx.Err()
		}
	}
}

func (d *OutboxDispatcher) loop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n, err := d.DispatchOnce(ctx)
			if err != nil && ctx.Err() == nil {
				d.logger.Warn("outbox dispatch pass ended with error", zap.Int("processed", n), zap.Error(err))
			} else if n > 0 {
				d.logger.Debug("outbox dispatch pass", zap.Int("processed", n))
			}
		}
	}
}
