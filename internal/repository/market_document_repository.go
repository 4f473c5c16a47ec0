package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/model"
)

type MarketDocumentRepository interface {
	Get(ctx context.Context, bundleID string) (*model.MarketDocument, error)
	// CreateIfAbsent 主键冲突时不写入，created=false
	CreateIfAbsent(ctx context.Context, doc *model.MarketDocument) (created bool, err error)
	Delete(ctx context.Context, bundleID string) error
}

type marketDocumentRepository struct{ db *gorm.DB }

func NewMarketDocumentRepository(db *gorm.DB) MarketDocumentRepository {
	return &marketDocumentRepository{db: db}
}

func (r *marketDocumentRepository) Get(ctx context.Context, bundleID string) (*model.MarketDocument, error) {
	var doc model.MarketDocument
	if err := r.db.WithContext(ctx).Where("bundle_id = ?", bundleID).First(&doc).Error; err != nil {
		return nil, translate(err)
	}
	return &doc, nil
}

func (r *marketDocumentRepository) CreateIfAbsent(ctx context.Context, doc *model.MarketDocument) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(doc)
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *marketDocumentRepository) Delete(ctx context.Context, bundleID string) error {
	return r.db.WithContext(ctx).Where("bundle_id = ?", bundleID).Delete(&model.MarketDocument{}).Error
}
