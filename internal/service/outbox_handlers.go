package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/model"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/pkg/broker"
)

// PublishIntegrationEvent forwards an entry to the broker. The outbox id is the
// event id, so consumers can deduplicate redeliveries. Events of one receiver
// share a partition key.
func PublishIntegrationEvent(publisher broker.Publisher) OutboxHandler {
	return func(ctx context.Context, msg *model.OutboxMessage) error {
		return publisher.Publish(ctx, broker.Message{
			ID:      msg.ID,
			Type:    msg.Type,
			Key:     partitionKey(msg),
			Payload: []byte(msg.Payload),
		})
	}
}

// EnqueueOutgoingMessageHandler enqueues the outgoing message carried by an
// actor-message entry. Redelivery is a no-op since the message id is fixed.
func EnqueueOutgoingMessageHandler(enqueue *EnqueueMessageService) OutboxHandler {
	return func(ctx context.Context, msg *model.OutboxMessage) error {
		var out model.OutgoingMessage
		if err := json.Unmarshal([]byte(msg.Payload), &out); err != nil {
			return fmt.Errorf("%w: outbox %s: %v", ErrPoisonMessage, msg.ID, err)
		}
		return enqueue.Enqueue(ctx, &out)
	}
}

func partitionKey(msg *model.OutboxMessage) string {
	var keyed struct {
		ReceiverNumber string `json:"receiver_number"`
		ReceiverRole   string `json:"receiver_role"`
	}
	if err := json.Unmarshal([]byte(msg.Payload), &keyed); err != nil || keyed.ReceiverNumber == "" {
		return msg.ID
	}
	return keyed.ReceiverNumber + ":" + keyed.ReceiverRole
}
