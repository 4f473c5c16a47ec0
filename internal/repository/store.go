package repository

import "gorm.io/gorm"

// Store groups the repositories that share one *gorm.DB, typically a transaction.
type Store struct {
	db        *gorm.DB
	Queues    QueueRepository
	Bundles   BundleRepository
	Messages  OutgoingMessageRepository
	Documents MarketDocumentRepository
	Outbox    OutboxRepository
	Inbox     InboxRepository
}

func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:        db,
		Queues:    NewQueueRepository(db),
		Bundles:   NewBundleRepository(db),
		Messages:  NewOutgoingMessageRepository(db),
		Documents: NewMarketDocumentRepository(db),
		Outbox:    NewOutboxRepository(db),
		Inbox:     NewInboxRepository(db),
	}
}

// WithTx returns a Store whose repositories all run on tx.
func (s *Store) WithTx(tx *gorm.DB) *Store { return NewStore(tx) }

func (s *Store) DB() *gorm.DB { return s.db }
