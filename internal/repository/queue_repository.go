package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/model"
)

type QueueRepository interface {
	// FindOrCreate 不存在则插入（唯一约束 + ON CONFLICT DO NOTHING），再读取
	FindOrCreate(ctx context.Context, receiver model.Receiver) (*model.ActorMessageQueue, error)
	Find(ctx context.Context, receiver model.Receiver) (*model.ActorMessageQueue, error)
}

type queueRepository struct{ db *gorm.DB }

func NewQueueRepository(db *gorm.DB) QueueRepository { return &queueRepository{db: db} }

func (r *queueRepository) FindOrCreate(ctx context.Context, receiver model.Receiver) (*model.ActorMessageQueue, error) {
	q := &model.ActorMessageQueue{
		ID:          uuid.New().String(),
		ActorNumber: receiver.Number,
		ActorRole:   receiver.Role,
		CreatedAt:   time.Now().UTC(),
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "actor_number"}, {Name: "actor_role"}}, DoNothing: true}).
		Create(q).Error
	if err != nil {
		return nil, translate(err)
	}
	return r.Find(ctx, receiver)
}

func (r *queueRepository) Find(ctx context.Context, receiver model.Receiver) (*model.ActorMessageQueue, error) {
	var q model.ActorMessageQueue
	err := r.db.WithContext(ctx).
		Where("actor_number = ? AND actor_role = ?", receiver.Number, receiver.Role).
		First(&q).Error
	if err != nil {
		return nil, translate(err)
	}
	return &q, nil
}
