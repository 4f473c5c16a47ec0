package service

import (
	"encoding/json"
	"time"
)

// Outbox and inbox type discriminators.
const (
	EventActorMessageDequeued     = "ActorMessageDequeued"
	EventEnergyResultProduced     = "EnergyResultProduced"
	EventMeteredDataForwarded     = "MeteredDataForwarded"
	MessageEnqueueOutgoingMessage = "EnqueueOutgoingMessage"
)

// ActorMessageDequeued is published once a receiver acknowledged a document.
type ActorMessageDequeued struct {
	MessageID      string    `json:"message_id"`
	BundleID       string    `json:"bundle_id"`
	ReceiverNumber string    `json:"receiver_number"`
	ReceiverRole   string    `json:"receiver_role"`
	DocumentType   string    `json:"document_type"`
	Category       string    `json:"category"`
	MessageCount   int       `json:"message_count"`
	DequeuedAt     time.Time `json:"dequeued_at"`
}

// InboundResult is one receiver's share of an inbound event. Series is opaque.
type InboundResult struct {
	ReceiverNumber     string          `json:"receiver_number"`
	ReceiverRole       string          `json:"receiver_role"`
	RelatedToMessageID string          `json:"related_to_message_id,omitempty"`
	Series             json.RawMessage `json:"series"`
}

// EnergyResultProduced arrives from the calculation engine.
type EnergyResultProduced struct {
	CalculationID  string          `json:"calculation_id"`
	BusinessReason string          `json:"business_reason"`
	Results        []InboundResult `json:"results"`
}

// MeteredDataForwarded arrives when validated measurements must be forwarded.
type MeteredDataForwarded struct {
	BusinessReason string          `json:"business_reason"`
	Results        []InboundResult `json:"results"`
}
