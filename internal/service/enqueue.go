package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Energinet-DataHub/opengeh-edi-sub022/config"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/model"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/repository"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/pkg/tracing"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/pkg/transaction"
)

// EnqueueMessageService routes outgoing messages into their receiver's queue.
type EnqueueMessageService struct {
	store    *repository.Store
	tx       *transaction.ResilientTransaction
	cfg      config.BundlingConfig
	validate *validator.Validate
	logger   *zap.Logger
	now      func() time.Time
}

func NewEnqueueMessageService(store *repository.Store, tx *transaction.ResilientTransaction, cfg config.BundlingConfig, logger *zap.Logger) *EnqueueMessageService {
	return &EnqueueMessageService{
		store:    store,
		tx:       tx,
		cfg:      cfg,
		validate: validator.New(),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue stores msg in its own resilient transaction. Redelivery of a
// message id that was ever enqueued is a no-op, even after its bundle was dequeued.
func (s *EnqueueMessageService) Enqueue(ctx context.Context, msg *model.OutgoingMessage) error {
	ctx, span := tracing.Tracer().Start(ctx, "edi.enqueue")
	defer span.End()

	if err := s.prepare(msg); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(
		attribute.String("edi.message_id", msg.ID),
		attribute.String("edi.receiver", msg.Receiver().String()),
		attribute.String("edi.category", string(msg.Category)),
	)

	var stored model.OutgoingMessage
	err := s.tx.Execute(ctx, func(ctx context.Context, tx *gorm.DB) error {
		// fresh copy per attempt; Add mutates BundleID
		stored = *msg
		return s.EnqueueInTx(ctx, s.store.WithTx(tx), &stored)
	}, transaction.WithName("enqueue"))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("enqueue %s: %w", msg.ID, err)
	}
	msg.BundleID = stored.BundleID
	return nil
}

// EnqueueInTx runs the enqueue steps on an existing transaction store.
func (s *EnqueueMessageService) EnqueueInTx(ctx context.Context, store *repository.Store, msg *model.OutgoingMessage) error {
	// The ledger row outlives dequeue, which deletes the message row itself.
	fresh, err := store.Inbox.Register(ctx, &model.InboxEvent{
		EventID:    EnqueueLedgerID(msg.ID),
		EventType:  MessageEnqueueOutgoingMessage,
		ReceivedAt: s.now(),
	})
	if err != nil {
		return err
	}
	if !fresh {
		s.logger.Debug("message already enqueued", zap.String("message_id", msg.ID))
		return nil
	}

	queue, err := OpenQueue(ctx, store, msg.Receiver())
	if err != nil {
		return err
	}
	bundle, err := queue.Add(ctx, msg, s.cfg.MaxMessageCount, s.now())
	if err != nil {
		return err
	}
	s.logger.Debug("message enqueued",
		zap.String("message_id", msg.ID),
		zap.String("bundle_id", bundle.ID),
		zap.Int("bundle_size", bundle.MessageCount),
		zap.Bool("bundle_closed", bundle.Closed))
	return nil
}

// EnqueueLedgerID is the inbox key recording that a message id was enqueued.
func EnqueueLedgerID(messageID string) string { return "outgoing-message:" + messageID }

func (s *EnqueueMessageService) prepare(msg *model.OutgoingMessage) error {
	if err := msg.Normalize(); err != nil {
		return err
	}
	if err := s.validate.Struct(msg); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidMessage, err)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	msg.BundleID = nil
	return nil
}
