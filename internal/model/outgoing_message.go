package model

import (
	"fmt"
	"time"
)

// OutgoingMessage 一条待投递给接收方的业务报文片段
type OutgoingMessage struct {
	ID                 string          `gorm:"primaryKey;type:varchar(36)" json:"id" validate:"required,uuid"`
	ReceiverNumber     string          `gorm:"type:varchar(16);index:idx_outgoing_receiver" json:"receiver_number" validate:"required,numeric,min=13,max=16"`
	ReceiverRole       ActorRole       `gorm:"type:varchar(8);index:idx_outgoing_receiver" json:"receiver_role" validate:"required"`
	DocumentType       DocumentType    `gorm:"type:varchar(64)" json:"document_type" validate:"required"`
	Category           MessageCategory `gorm:"type:varchar(32)" json:"category"`
	BusinessReason     string          `gorm:"type:varchar(64)" json:"business_reason" validate:"required"`
	RelatedToMessageID *string         `gorm:"type:varchar(36)" json:"related_to_message_id,omitempty"`
	Payload            string          `gorm:"type:text" json:"payload" validate:"required"`
	// BundleID 入包前为空
	BundleID  *string   `gorm:"type:varchar(36);index:idx_outgoing_bundle" json:"bundle_id,omitempty"`
	CreatedAt time.Time `gorm:"index:idx_outgoing_bundle" json:"created_at"`
}

func (OutgoingMessage) TableName() string { return "outgoing_messages" }

// Receiver returns the actor the message is addressed to.
func (m *OutgoingMessage) Receiver() Receiver {
	return Receiver{Number: m.ReceiverNumber, Role: m.ReceiverRole}
}

// Normalize derives the category from the document type and validates the role.
func (m *OutgoingMessage) Normalize() error {
	role, err := ParseActorRole(string(m.ReceiverRole))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	m.ReceiverRole = role

	category, err := m.DocumentType.Category()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if m.Category != "" && m.Category != category {
		return fmt.Errorf("%w: category %q does not match document type %q", ErrInvalidMessage, m.Category, m.DocumentType)
	}
	m.Category = category
	if m.RelatedToMessageID != nil && *m.RelatedToMessageID == "" {
		m.RelatedToMessageID = nil
	}
	return nil
}

func (m *OutgoingMessage) relatedTo() string {
	if m.RelatedToMessageID == nil {
		return ""
	}
	return *m.RelatedToMessageID
}
