package model

import (
	"time"

	"github.com/google/uuid"
)

// OutboxCategory partitions the outbox; each category is drained by one dispatcher.
type OutboxCategory string

const (
	OutboxIntegrationEvent OutboxCategory = "integration-event"
	OutboxActorMessage     OutboxCategory = "actor-message"
)

// Outbox 事件外发盒：与业务状态在同一本地事务内写入，由 dispatcher 异步投递
type OutboxMessage struct {
	ID          string         `gorm:"primaryKey;type:varchar(36)"`
	Type        string         `gorm:"type:varchar(128)"`
	Category    OutboxCategory `gorm:"type:varchar(32);index:idx_outbox_pending"`
	Payload     string         `gorm:"type:text"`
	CreatedAt   time.Time      `gorm:"index:idx_outbox_pending"`
	ProcessedAt *time.Time     `gorm:"index:idx_outbox_pending"`
	// FailedAt 非空表示类型未注册，已停放等待人工处理
	FailedAt   *time.Time
	ErrorCount int
	LastError  string `gorm:"type:text"`
}

func (OutboxMessage) TableName() string { return "outbox_messages" }

func NewOutboxMessage(category OutboxCategory, messageType string, payload []byte, now time.Time) *OutboxMessage {
	return &OutboxMessage{
		ID:        uuid.New().String(),
		Type:      messageType,
		Category:  category,
		Payload:   string(payload),
		CreatedAt: now.UTC(),
	}
}

func (m *OutboxMessage) Processed() bool { return m.ProcessedAt != nil }
