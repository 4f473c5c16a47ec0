package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/model"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/repository"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/pkg/broker"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/pkg/tracing"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/pkg/transaction"
)

// InboxHandler turns an inbound event into local state. It runs inside the
// transaction that records the event id.
type InboxHandler func(ctx context.Context, store *repository.Store, payload []byte) error

// Inbox deduplicates inbound integration events by event id.
type Inbox struct {
	store    *repository.Store
	tx       *transaction.ResilientTransaction
	handlers map[string]InboxHandler
	logger   *zap.Logger
	now      func() time.Time
}

func NewInbox(store *repository.Store, tx *transaction.ResilientTransaction, logger *zap.Logger) *Inbox {
	return &Inbox{
		store:    store,
		tx:       tx,
		handlers: make(map[string]InboxHandler),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (in *Inbox) Register(eventType string, h InboxHandler) error {
	if _, ok := in.handlers[eventType]; ok {
		return fmt.Errorf("inbox handler for %q already registered", eventType)
	}
	in.handlers[eventType] = h
	return nil
}

// RegisterDefaults wires the handlers for the calculation and measurement events.
func (in *Inbox) RegisterDefaults() error {
	if err := in.Register(EventEnergyResultProduced, HandleEnergyResultProduced(in.now)); err != nil {
		return err
	}
	return in.Register(EventMeteredDataForwarded, HandleMeteredDataForwarded(in.now))
}

// Receive processes an event once. It returns false for a duplicate.
func (in *Inbox) Receive(ctx context.Context, eventID, eventType string, payload []byte) (bool, error) {
	ctx, span := tracing.Tracer().Start(ctx, "edi.inbox.receive")
	defer span.End()
	span.SetAttributes(attribute.String("edi.event_id", eventID), attribute.String("edi.event_type", eventType))

	if eventID == "" {
		return false, fmt.Errorf("%w: missing event id", ErrPoisonMessage)
	}
	handler, ok := in.handlers[eventType]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}

	var fresh bool
	err := in.tx.Execute(ctx, func(ctx context.Context, tx *gorm.DB) error {
		store := in.store.WithTx(tx)
		var err error
		fresh, err = store.Inbox.Register(ctx, &model.InboxEvent{
			EventID:    eventID,
			EventType:  eventType,
			Payload:    string(payload),
			ReceivedAt: in.now(),
		})
		if err != nil || !fresh {
			return err
		}
		return handler(ctx, store, payload)
	}, transaction.WithName("inbox"))
	if err != nil {
		return false, err
	}
	if !fresh {
		in.logger.Debug("duplicate inbound event ignored", zap.String("event_id", eventID), zap.String("event_type", eventType))
	}
	return fresh, nil
}

// Handle adapts Receive to the broker consumer. Failures that redelivery
// cannot fix are reported as broker.ErrPermanent.
func (in *Inbox) Handle(ctx context.Context, msg broker.Message) error {
	_, err := in.Receive(ctx, msg.ID, msg.Type, msg.Payload)
	if errors.Is(err, ErrUnknownEventType) || errors.Is(err, ErrPoisonMessage) {
		in.logger.Error("inbound event rejected", zap.String("event_id", msg.ID), zap.String("event_type", msg.Type), zap.Error(err))
		return fmt.Errorf("%w: %v", broker.ErrPermanent, err)
	}
	return err
}

// HandleEnergyResultProduced fans a calculation result out to one
// NotifyAggregatedMeasureData message per receiver.
func HandleEnergyResultProduced(now func() time.Time) InboxHandler {
	return func(ctx context.Context, store *repository.Store, payload []byte) error {
		var ev EnergyResultProduced
		if err := json.Unmarshal(payload, &ev); err != nil {
			return fmt.Errorf("%w: %v", ErrPoisonMessage, err)
		}
		return scheduleOutgoing(ctx, store, model.DocumentNotifyAggregatedMeasureData, ev.BusinessReason, ev.Results, now())
	}
}

// HandleMeteredDataForwarded produces NotifyValidatedMeasureData messages.
func HandleMeteredDataForwarded(now func() time.Time) InboxHandler {
	return func(ctx context.Context, store *repository.Store, payload []byte) error {
		var ev MeteredDataForwarded
		if err := json.Unmarshal(payload, &ev); err != nil {
			return fmt.Errorf("%w: %v", ErrPoisonMessage, err)
		}
		return scheduleOutgoing(ctx, store, model.DocumentNotifyValidatedMeasureData, ev.BusinessReason, ev.Results, now())
	}
}

// scheduleOutgoing writes one EnqueueOutgoingMessage outbox entry per result.
// The message id is fixed here so the enqueue step is idempotent.
func scheduleOutgoing(ctx context.Context, store *repository.Store, docType model.DocumentType, reason string, results []InboundResult, now time.Time) error {
	if len(results) == 0 {
		return fmt.Errorf("%w: event carries no results", ErrPoisonMessage)
	}
	for i, r := range results {
		msg := &model.OutgoingMessage{
			ID:             uuid.New().String(),
			ReceiverNumber: r.ReceiverNumber,
			ReceiverRole:   model.ActorRole(r.ReceiverRole),
			DocumentType:   docType,
			BusinessReason: reason,
			Payload:        string(r.Series),
			CreatedAt:      now,
		}
		if r.RelatedToMessageID != "" {
			related := r.RelatedToMessageID
			msg.RelatedToMessageID = &related
		}
		if err := msg.Normalize(); err != nil {
			return fmt.Errorf("%w: result %d: %v", ErrPoisonMessage, i, err)
		}

		body, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := store.Outbox.Add(ctx, model.NewOutboxMessage(model.OutboxActorMessage, MessageEnqueueOutgoingMessage, body, now)); err != nil {
			return err
		}
	}
	return nil
}
