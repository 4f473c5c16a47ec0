package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/model"
)

type OutgoingMessageRepository interface {
	Create(ctx context.Context, m *model.OutgoingMessage) error
	// ListByBundle 按创建顺序返回，渲染结果因此稳定
	ListByBundle(ctx context.Context, bundleID string) ([]*model.OutgoingMessage, error)
	DeleteByBundle(ctx context.Context, bundleID string) (int64, error)
	CountByReceiver(ctx context.Context, receiver model.Receiver) (int64, error)
}

type outgoingMessageRepository struct{ db *gorm.DB }

func NewOutgoingMessageRepository(db *gorm.DB) OutgoingMessageRepository {
	return &outgoingMessageRepository{db: db}
}

func (r *outgoingMessageRepository) Create(ctx context.Context, m *model.OutgoingMessage) error {
	return translate(r.db.WithContext(ctx).Create(m).Error)
}

func (r *outgoingMessageRepository) ListByBundle(ctx context.Context, bundleID string) ([]*model.OutgoingMessage, error) {
	var res []*model.OutgoingMessage
	err := r.db.WithContext(ctx).Where("bundle_id = ?", bundleID).Order("created_at").Order("id").Find(&res).Error
	return res, err
}

func (r *outgoingMessageRepository) DeleteByBundle(ctx context.Context, bundleID string) (int64, error) {
	res := r.db.WithContext(ctx).Where("bundle_id = ?", bundleID).Delete(&model.OutgoingMessage{})
	return res.RowsAffected, res.Error
}

func (r *outgoingMessageRepository) CountByReceiver(ctx context.Context, receiver model.Receiver) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.OutgoingMessage{}).
		Where("receiver_number = ? AND receiver_role = ?", receiver.Number, receiver.Role).
		Count(&n).Error
	return n, err
}
