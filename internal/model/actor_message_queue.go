package model

import "time"

// ActorMessageQueue 每个 (actor number, role) 一条队列，首次入队时创建
type ActorMessageQueue struct {
	ID          string    `gorm:"primaryKey;type:varchar(36)"`
	ActorNumber string    `gorm:"type:varchar(16);uniqueIndex:ux_queue_actor"`
	ActorRole   ActorRole `gorm:"type:varchar(8);uniqueIndex:ux_queue_actor"`
	CreatedAt   time.Time
}

func (ActorMessageQueue) TableName() string { return "actor_message_queues" }

func (q *ActorMessageQueue) Receiver() Receiver {
	return Receiver{Number: q.ActorNumber, Role: q.ActorRole}
}
