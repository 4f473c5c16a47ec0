package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	"gorm.io/gorm"

	"github.com/Energinet-DataHub/opengeh-edi-sub022/config"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/document"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/model"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/repository"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/storage"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/pkg/tracing"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/pkg/transaction"
)

// PeekResult is the rendered document of the bundle at the head of a queue.
type PeekResult struct {
	MessageID    string
	BundleID     string
	DocumentType model.DocumentType
	Format       model.DocumentFormat
	ContentType  string
	ContentHash  string
	Content      []byte
}

// PeekService renders a bundle on its first peek and serves the stored
// document afterwards.
type PeekService struct {
	store   *repository.Store
	tx      *transaction.ResilientTransaction
	storage storage.DocumentStorage
	factory document.Factory
	sender  config.AppConfig
	logger  *zap.Logger
	now     func() time.Time
}

func NewPeekService(store *repository.Store, tx *transaction.ResilientTransaction, docs storage.DocumentStorage, factory document.Factory, sender config.AppConfig, logger *zap.Logger) *PeekService {
	return &PeekService{
		store:   store,
		tx:      tx,
		storage: docs,
		factory: factory,
		sender:  sender,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Peek returns ErrNoContent when nothing is ready. A cached document keeps the
// format it was first rendered in. A bundle dequeued while the peek is in
// flight also yields ErrNoContent.
func (s *PeekService) Peek(ctx context.Context, receiver model.Receiver, category model.MessageCategory, format model.DocumentFormat) (*PeekResult, error) {
	ctx, span := tracing.Tracer().Start(ctx, "edi.peek")
	defer span.End()
	span.SetAttributes(attribute.String("edi.receiver", receiver.String()), attribute.String("edi.category", string(category)))

	var (
		bundle *model.Bundle
		doc    *model.MarketDocument
	)
	err := s.tx.Execute(ctx, func(ctx context.Context, tx *gorm.DB) error {
		store := s.store.WithTx(tx)
		queue, err := LookupQueue(ctx, store, receiver)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNoContent
		}
		if err != nil {
			return err
		}
		bundle, err = queue.Peek(ctx, category, s.now())
		if err != nil {
			return err
		}
		doc, err = store.Documents.Get(ctx, bundle.ID)
		if errors.Is(err, repository.ErrNotFound) {
			doc = nil
			return nil
		}
		return err
	}, transaction.WithName("peek"))
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("edi.bundle_id", bundle.ID))

	if doc != nil {
		content, err := s.storage.Get(ctx, doc.StorageKey)
		if err == nil {
			return newPeekResult(bundle, doc, content), nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		s.logger.Warn("stored document missing, rendering again",
			zap.String("bundle_id", bundle.ID), zap.String("key", doc.StorageKey))
		format = doc.Format
	}

	return s.materialize(ctx, bundle.ID, format)
}

// materialize renders and records the document of a closed bundle. The bundle
// row is locked for the whole step, so a dequeue either completes before it
// (ErrNoContent) or waits until the document is committed and then removes it.
func (s *PeekService) materialize(ctx context.Context, bundleID string, format model.DocumentFormat) (*PeekResult, error) {
	var (
		bundle   *model.Bundle
		doc      *model.MarketDocument
		stored   *model.MarketDocument
		content  []byte
		uploaded bool
	)
	err := s.tx.Execute(ctx, func(ctx context.Context, tx *gorm.DB) error {
		store := s.store.WithTx(tx)
		var err error
		bundle, err = store.Bundles.GetForUpdate(ctx, bundleID)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNoContent
		}
		if err != nil {
			return err
		}
		messages, err := store.Messages.ListByBundle(ctx, bundle.ID)
		if err != nil {
			return err
		}
		if len(messages) == 0 {
			return ErrNoContent
		}

		doc, content, err = s.render(ctx, bundle, messages, format)
		if err != nil {
			return err
		}
		created, err := store.Documents.CreateIfAbsent(ctx, doc)
		if err != nil {
			return err
		}
		if created {
			stored = doc
			return nil
		}
		stored, err = store.Documents.Get(ctx, bundle.ID)
		return err
	}, transaction.WithName("materialize"), transaction.WithPreCommit(func(ctx context.Context) error {
		// Upload before commit: a visible row always has its bytes in storage.
		if stored.ContentHash != doc.ContentHash {
			return nil
		}
		uploaded = true
		return s.storage.Put(ctx, doc.StorageKey, content)
	}))
	if err != nil {
		if uploaded {
			if derr := s.storage.Delete(context.Background(), model.DocumentStorageKey(bundleID)); derr != nil {
				s.logger.Warn("remove uncommitted document failed", zap.String("bundle_id", bundleID), zap.Error(derr))
			}
		}
		if errors.Is(err, ErrNoContent) {
			s.logger.Debug("bundle dequeued during peek", zap.String("bundle_id", bundleID))
		}
		return nil, err
	}

	if stored.ContentHash != doc.ContentHash {
		// a concurrent peek rendered it first, in another format
		content, err = s.storage.Get(ctx, stored.StorageKey)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNoContent
		}
		if err != nil {
			return nil, err
		}
	}
	return newPeekResult(bundle, stored, content), nil
}

func (s *PeekService) render(ctx context.Context, bundle *model.Bundle, messages []*model.OutgoingMessage, format model.DocumentFormat) (*model.MarketDocument, []byte, error) {
	records := make([]string, 0, len(messages))
	for _, m := range messages {
		records = append(records, m.Payload)
	}

	header := document.Header{
		MessageID:      bundle.DocumentID(),
		DocumentType:   bundle.DocumentType,
		BusinessReason: bundle.BusinessReason,
		SenderNumber:   s.sender.SenderNumber,
		SenderRole:     s.sender.SenderRole,
		ReceiverNumber: bundle.ReceiverNumber,
		ReceiverRole:   bundle.ReceiverRole,
	}
	if bundle.RelatedToMessageID != nil {
		header.RelatedToMessageID = *bundle.RelatedToMessageID
	}
	if bundle.ClosedAt != nil {
		header.CreatedAt = *bundle.ClosedAt
	}

	content, err := s.factory.Create(ctx, header, records, format)
	if err != nil {
		// 上层 handler 会上报 Sentry，这里只记 Warn
		s.logger.Warn("render document failed", zap.String("bundle_id", bundle.ID), zap.String("format", string(format)), zap.Error(err))
		return nil, nil, fmt.Errorf("%w: bundle %s: %v", ErrRenderFailed, bundle.ID, err)
	}
	sum := blake2b.Sum256(content)
	return &model.MarketDocument{
		BundleID:    bundle.ID,
		StorageKey:  model.DocumentStorageKey(bundle.ID),
		Format:      format,
		ContentHash: hex.EncodeToString(sum[:]),
		Size:        int64(len(content)),
		CreatedAt:   s.now(),
	}, content, nil
}

func newPeekResult(bundle *model.Bundle, doc *model.MarketDocument, content []byte) *PeekResult {
	return &PeekResult{
		MessageID:    bundle.DocumentID(),
		BundleID:     bundle.ID,
		DocumentType: bundle.DocumentType,
		Format:       doc.Format,
		ContentType:  doc.Format.ContentType(),
		ContentHash:  doc.ContentHash,
		Content:      content,
	}
}
