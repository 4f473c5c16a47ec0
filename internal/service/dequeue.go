package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/model"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/repository"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/storage"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/pkg/tracing"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/pkg/transaction"
)

type DequeueService struct {
	store   *repository.Store
	tx      *transaction.ResilientTransaction
	storage storage.DocumentStorage
	logger  *zap.Logger
	now     func() time.Time
}

func NewDequeueService(store *repository.Store, tx *transaction.ResilientTransaction, docs storage.DocumentStorage, logger *zap.Logger) *DequeueService {
	return &DequeueService{
		store:   store,
		tx:      tx,
		storage: docs,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Dequeue acknowledges a delivered document. The rows and an
// ActorMessageDequeued outbox entry commit together; the stored bytes are
// removed afterwards. ErrBundleNotFound means it was already dequeued.
func (s *DequeueService) Dequeue(ctx context.Context, receiver model.Receiver, messageID string) error {
	ctx, span := tracing.Tracer().Start(ctx, "edi.dequeue")
	defer span.End()
	span.SetAttributes(attribute.String("edi.receiver", receiver.String()), attribute.String("edi.message_id", messageID))

	var bundle *model.Bundle
	err := s.tx.Execute(ctx, func(ctx context.Context, tx *gorm.DB) error {
		store := s.store.WithTx(tx)
		queue, err := LookupQueue(ctx, store, receiver)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrBundleNotFound
		}
		if err != nil {
			return err
		}
		bundle, err = queue.Dequeue(ctx, messageID)
		if err != nil {
			return err
		}

		now := s.now()
		payload, err := json.Marshal(ActorMessageDequeued{
			MessageID:      messageID,
			BundleID:       bundle.ID,
			ReceiverNumber: bundle.ReceiverNumber,
			ReceiverRole:   string(bundle.ReceiverRole),
			DocumentType:   string(bundle.DocumentType),
			Category:       string(bundle.Category),
			MessageCount:   bundle.MessageCount,
			DequeuedAt:     now,
		})
		if err != nil {
			return err
		}
		return store.Outbox.Add(ctx, model.NewOutboxMessage(model.OutboxIntegrationEvent, EventActorMessageDequeued, payload, now))
	}, transaction.WithName("dequeue"))
	if err != nil {
		return err
	}

	if err := s.storage.Delete(ctx, model.DocumentStorageKey(bundle.ID)); err != nil {
		s.logger.Warn("delete stored document failed", zap.String("bundle_id", bundle.ID), zap.Error(err))
	}
	return nil
}
