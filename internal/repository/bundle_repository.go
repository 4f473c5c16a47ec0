package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/model"
)

type BundleRepository interface {
	// Create 唯一索引冲突（并发创建打开的包）返回 ErrConflict
	Create(ctx context.Context, b *model.Bundle) error
	// Update 乐观锁：version 不匹配返回 ErrConflict
	Update(ctx context.Context, b *model.Bundle) error
	Get(ctx context.Context, id string) (*model.Bundle, error)
	// GetForUpdate 行锁读取（SQLite 下退化为普通读取，单写者本身串行）
	GetForUpdate(ctx context.Context, id string) (*model.Bundle, error)
	GetByMessageID(ctx context.Context, messageID string) (*model.Bundle, error)
	FindOpen(ctx context.Context, queueID string, category model.MessageCategory) (*model.Bundle, error)
	OldestClosed(ctx context.Context, queueID string, category model.MessageCategory) (*model.Bundle, error)
	OldestOpen(ctx context.Context, queueID string, category model.MessageCategory) (*model.Bundle, error)
	ListByQueue(ctx context.Context, queueID string) ([]*model.Bundle, error)
	// Delete 返回是否实际删除了一行
	Delete(ctx context.Context, id string) (bool, error)
}

type bundleRepository struct{ db *gorm.DB }

func NewBundleRepository(db *gorm.DB) BundleRepository { return &bundleRepository{db: db} }

func (r *bundleRepository) Create(ctx context.Context, b *model.Bundle) error {
	return translate(r.db.WithContext(ctx).Create(b).Error)
}

func (r *bundleRepository) Update(ctx context.Context, b *model.Bundle) error {
	res := r.db.WithContext(ctx).Model(&model.Bundle{}).
		Where("id = ? AND version = ?", b.ID, b.Version).
		Updates(map[string]any{
			"open_key":      b.OpenKey,
			"closed":        b.Closed,
			"closed_at":     b.ClosedAt,
			"message_id":    b.MessageID,
			"message_count": b.MessageCount,
			"version":       b.Version + 1,
		})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	b.Version++
	return nil
}

func (r *bundleRepository) first(ctx context.Context, query *gorm.DB) (*model.Bundle, error) {
	var b model.Bundle
	if err := query.WithContext(ctx).First(&b).Error; err != nil {
		return nil, translate(err)
	}
	return &b, nil
}

func (r *bundleRepository) Get(ctx context.Context, id string) (*model.Bundle, error) {
	return r.first(ctx, r.db.Where("id = ?", id))
}

func (r *bundleRepository) GetForUpdate(ctx context.Context, id string) (*model.Bundle, error) {
	return r.first(ctx, r.db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id))
}

func (r *bundleRepository) GetByMessageID(ctx context.Context, messageID string) (*model.Bundle, error) {
	return r.first(ctx, r.db.Where("message_id = ?", messageID))
}

func (r *bundleRepository) FindOpen(ctx context.Context, queueID string, category model.MessageCategory) (*model.Bundle, error) {
	return r.first(ctx, r.db.Where("open_key = ?", model.OpenKeyFor(queueID, category)))
}

func (r *bundleRepository) OldestClosed(ctx context.Context, queueID string, category model.MessageCategory) (*model.Bundle, error) {
	return r.first(ctx, r.db.
		Where("queue_id = ? AND category = ? AND closed = ?", queueID, category, true).
		Order("created_at").Order("id"))
}

func (r *bundleRepository) OldestOpen(ctx context.Context, queueID string, category model.MessageCategory) (*model.Bundle, error) {
	return r.first(ctx, r.db.
		Where("queue_id = ? AND category = ? AND closed = ?", queueID, category, false).
		Order("created_at").Order("id"))
}

func (r *bundleRepository) ListByQueue(ctx context.Context, queueID string) ([]*model.Bundle, error) {
	var res []*model.Bundle
	err := r.db.WithContext(ctx).Where("queue_id = ?", queueID).Order("created_at").Order("id").Find(&res).Error
	return res, err
}

func (r *bundleRepository) Delete(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.Bundle{})
	return res.RowsAffected > 0, res.Error
}
