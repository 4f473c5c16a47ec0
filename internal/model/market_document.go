package model

import "time"

// MarketDocument 已渲染文档的索引，字节内容存放在 DocumentStorage
type MarketDocument struct {
	BundleID    string         `gorm:"primaryKey;type:varchar(36)"`
	Bundle      *Bundle        `gorm:"foreignKey:BundleID;references:ID;constraint:OnDelete:CASCADE" json:"-"`
	StorageKey  string         `gorm:"type:varchar(128)"`
	Format      DocumentFormat `gorm:"type:varchar(8)"`
	ContentHash string         `gorm:"type:varchar(64)"`
	Size        int64
	CreatedAt   time.Time
}

func (MarketDocument) TableName() string { return "market_documents" }

// DocumentStorageKey is the durable storage key of a bundle's rendered document.
func DocumentStorageKey(bundleID string) string {
	return "market-documents/" + bundleID
}
