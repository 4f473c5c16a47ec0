package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/model"
)

type InboxRepository interface {
	// Register 首次出现返回 true；重复投递返回 false 且不写入
	Register(ctx context.Context, e *model.InboxEvent) (bool, error)
	Exists(ctx context.Context, eventID string) (bool, error)
}

type inboxRepository struct{ db *gorm.DB }

func NewInboxRepository(db *gorm.DB) InboxRepository { return &inboxRepository{db: db} }

func (r *inboxRepository) Register(ctx context.Context, e *model.InboxEvent) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(e)
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *inboxRepository) Exists(ctx context.Context, eventID string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.InboxEvent{}).Where("event_id = ?", eventID).Count(&n).Error
	return n > 0, err
}
