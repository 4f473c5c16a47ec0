package model

import (
	"time"

	"github.com/google/uuid"
)

// Bundle 同一接收方、同一类别下待合并成一份文档的报文集合。
// 打开状态下 OpenKey = queueID/category，唯一索引保证每个 (queue, category) 至多一个打开的包；
// 关闭后置 NULL，NULL 之间不冲突。
type Bundle struct {
	ID                 string          `gorm:"primaryKey;type:varchar(36)"`
	QueueID            string          `gorm:"type:varchar(36);index:idx_bundle_queue_category"`
	ReceiverNumber     string          `gorm:"type:varchar(16)"`
	ReceiverRole       ActorRole       `gorm:"type:varchar(8)"`
	Category           MessageCategory `gorm:"type:varchar(32);index:idx_bundle_queue_category"`
	DocumentType       DocumentType    `gorm:"type:varchar(64)"`
	BusinessReason     string          `gorm:"type:varchar(64)"`
	RelatedToMessageID *string         `gorm:"type:varchar(36)"`
	OpenKey            *string         `gorm:"type:varchar(80);uniqueIndex:ux_bundle_open_key"`
	Closed             bool            `gorm:"index:idx_bundle_queue_category"`
	ClosedAt           *time.Time
	// MessageID 关闭时分配，对外 peek/dequeue 的标识
	MessageID       *string `gorm:"type:varchar(36);uniqueIndex:ux_bundle_message_id"`
	MessageCount    int
	MaxMessageCount int
	Version         int       `gorm:"not null;default:0"`
	CreatedAt       time.Time `gorm:"index:idx_bundle_queue_category"`
}

func (Bundle) TableName() string { return "bundles" }

// OpenKeyFor is the uniqueness key held by the open bundle of a queue and category.
func OpenKeyFor(queueID string, category MessageCategory) string {
	return queueID + "/" + string(category)
}

// NewBundle opens a bundle shaped after msg.
func NewBundle(queue *ActorMessageQueue, msg *OutgoingMessage, maxMessages int, now time.Time) *Bundle {
	if maxMessages < 1 {
		maxMessages = 1
	}
	key := OpenKeyFor(queue.ID, msg.Category)
	return &Bundle{
		ID:                 uuid.New().String(),
		QueueID:            queue.ID,
		ReceiverNumber:     queue.ActorNumber,
		ReceiverRole:       queue.ActorRole,
		Category:           msg.Category,
		DocumentType:       msg.DocumentType,
		BusinessReason:     msg.BusinessReason,
		RelatedToMessageID: msg.RelatedToMessageID,
		OpenKey:            &key,
		MaxMessageCount:    maxMessages,
		CreatedAt:          now,
	}
}

// Matches reports whether msg may join this bundle.
func (b *Bundle) Matches(msg *OutgoingMessage) bool {
	related := ""
	if b.RelatedToMessageID != nil {
		related = *b.RelatedToMessageID
	}
	return b.ReceiverNumber == msg.ReceiverNumber &&
		b.ReceiverRole == msg.ReceiverRole &&
		b.Category == msg.Category &&
		b.DocumentType == msg.DocumentType &&
		b.BusinessReason == msg.BusinessReason &&
		related == msg.relatedTo()
}

// Add assigns msg to the bundle and closes it once full.
func (b *Bundle) Add(msg *OutgoingMessage, now time.Time) error {
	if b.Closed {
		return ErrBundleClosed
	}
	if !b.Matches(msg) {
		return ErrBundleMismatch
	}
	id := b.ID
	msg.BundleID = &id
	b.MessageCount++
	if b.MessageCount >= b.MaxMessageCount {
		b.Close(now)
	}
	return nil
}

// Close is idempotent; a closed bundle never reopens.
func (b *Bundle) Close(now time.Time) {
	if b.Closed {
		return
	}
	at := now.UTC()
	messageID := uuid.New().String()
	b.Closed = true
	b.ClosedAt = &at
	b.MessageID = &messageID
	b.OpenKey = nil
}

// DocumentID is the identifier handed to the receiver; empty while open.
func (b *Bundle) DocumentID() string {
	if b.MessageID == nil {
		return ""
	}
	return *b.MessageID
}

func (b *Bundle) Receiver() Receiver {
	return Receiver{Number: b.ReceiverNumber, Role: b.ReceiverRole}
}
