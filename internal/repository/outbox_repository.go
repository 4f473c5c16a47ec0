package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/model"
)

const maxErrorLength = 2000

type OutboxRepository interface {
	Add(ctx context.Context, m *model.OutboxMessage) error
	Get(ctx context.Context, id string) (*model.OutboxMessage, error)
	// NextPending 最早的未处理且未停放的条目
	NextPending(ctx context.Context, category model.OutboxCategory) (*model.OutboxMessage, error)
	MarkProcessed(ctx context.Context, id string, at time.Time) error
	// RecordFailure 记录错误；park=true 时设置 failed_at，条目不再被拉取
	RecordFailure(ctx context.Context, id string, cause error, park bool, at time.Time) error
	CountPending(ctx context.Context, category model.OutboxCategory) (int64, error)
}

type outboxRepository struct{ db *gorm.DB }

func NewOutboxRepository(db *gorm.DB) OutboxRepository { return &outboxRepository{db: db} }

func (r *outboxRepository) Add(ctx context.Context, m *model.OutboxMessage) error {
	return translate(r.db.WithContext(ctx).Create(m).Error)
}

func (r *outboxRepository) Get(ctx context.Context, id string) (*model.OutboxMessage, error) {
	var m model.OutboxMessage
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, translate(err)
	}
	return &m, nil
}

func (r *outboxRepository) pending(ctx context.Context, category model.OutboxCategory) *gorm.DB {
	return r.db.WithContext(ctx).Model(&model.OutboxMessage{}).
		Where("category = ? AND processed_at IS NULL AND failed_at IS NULL", category)
}

func (r *outboxRepository) NextPending(ctx context.Context, category model.OutboxCategory) (*model.OutboxMessage, error) {
	var m model.OutboxMessage
	if err := r.pending(ctx, category).Order("created_at").Order("id").First(&m).Error; err != nil {
		return nil, translate(err)
	}
	return &m, nil
}

func (r *outboxRepository) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&model.OutboxMessage{}).
		Where("id = ? AND processed_at IS NULL", id).
		Update("processed_at", at.UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *outboxRepository) RecordFailure(ctx context.Context, id string, cause error, park bool, at time.Time) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
		if len(msg) > maxErrorLength {
			msg = msg[:maxErrorLength]
		}
	}
	updates := map[string]any{
		"error_count": gorm.Expr("error_count + 1"),
		"last_error":  msg,
	}
	if park {
		updates["failed_at"] = at.UTC()
	}
	return r.db.WithContext(ctx).Model(&model.OutboxMessage{}).Where("id = ?", id).Updates(updates).Error
}

func (r *outboxRepository) CountPending(ctx context.Context, category model.OutboxCategory) (int64, error) {
	var n int64
	err := r.pending(ctx, category).Count(&n).Error
	return n, err
}
