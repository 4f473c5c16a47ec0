package model

import "time"

// InboxEvent 外部事件去重账本，EventID 全局唯一
type InboxEvent struct {
	EventID    string    `gorm:"primaryKey;type:varchar(128)"`
	EventType  string    `gorm:"type:varchar(128)"`
	Payload    string    `gorm:"type:text"`
	ReceivedAt time.Time `gorm:"index"`
}

func (InboxEvent) TableName() string { return "inbox_events" }
