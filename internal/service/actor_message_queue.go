package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/model"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/repository"
)

// ActorMessageQueue is the per-receiver aggregate. All methods run on the
// store it was opened with, normally one transaction.
type ActorMessageQueue struct {
	queue *model.ActorMessageQueue
	store *repository.Store
}

// OpenQueue finds or creates the receiver's queue.
func OpenQueue(ctx context.Context, store *repository.Store, receiver model.Receiver) (*ActorMessageQueue, error) {
	q, err := store.Queues.FindOrCreate(ctx, receiver)
	if err != nil {
		return nil, fmt.Errorf("open queue %s: %w", receiver, err)
	}
	return &ActorMessageQueue{queue: q, store: store}, nil
}

// LookupQueue returns repository.ErrNotFound for receivers that never got a message.
func LookupQueue(ctx context.Context, store *repository.Store, receiver model.Receiver) (*ActorMessageQueue, error) {
	q, err := store.Queues.Find(ctx, receiver)
	if err != nil {
		return nil, err
	}
	return &ActorMessageQueue{queue: q, store: store}, nil
}

func (q *ActorMessageQueue) ID() string { return q.queue.ID }

func (q *ActorMessageQueue) Receiver() model.Receiver { return q.queue.Receiver() }

// Add routes msg into the open bundle of its category. A non-matching open
// bundle is closed first and a new one is opened. Losing the race for the open
// slot surfaces as repository.ErrConflict and the caller retries.
func (q *ActorMessageQueue) Add(ctx context.Context, msg *model.OutgoingMessage, maxMessages int, now time.Time) (*model.Bundle, error) {
	if msg.ReceiverNumber != q.queue.ActorNumber || msg.ReceiverRole != q.queue.ActorRole {
		return nil, fmt.Errorf("%w: receiver %s does not own queue %s", model.ErrInvalidMessage, msg.Receiver(), q.queue.ID)
	}

	open, err := q.store.Bundles.FindOpen(ctx, q.queue.ID, msg.Category)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		open = nil
	case err != nil:
		return nil, err
	case !open.Matches(msg):
		open.Close(now)
		if err := q.store.Bundles.Update(ctx, open); err != nil {
			return nil, err
		}
		open = nil
	}

	if open == nil {
		bundle := model.NewBundle(q.queue, msg, maxMessages, now)
		if err := bundle.Add(msg, now); err != nil {
			return nil, err
		}
		if err := q.store.Bundles.Create(ctx, bundle); err != nil {
			return nil, err
		}
		open = bundle
	} else {
		if err := open.Add(msg, now); err != nil {
			return nil, err
		}
		if err := q.store.Bundles.Update(ctx, open); err != nil {
			return nil, err
		}
	}

	if err := q.store.Messages.Create(ctx, msg); err != nil {
		return nil, err
	}
	return open, nil
}

// Peek returns the oldest closed bundle of the category. Without one, the
// oldest open bundle is closed so that partial batches still get delivered.
// Repeated peeks return the same bundle until it is dequeued.
func (q *ActorMessageQueue) Peek(ctx context.Context, category model.MessageCategory, now time.Time) (*model.Bundle, error) {
	b, err := q.store.Bundles.OldestClosed(ctx, q.queue.ID, category)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	b, err = q.store.Bundles.OldestOpen(ctx, q.queue.ID, category)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNoContent
	}
	if err != nil {
		return nil, err
	}
	b.Close(now)
	if err := q.store.Bundles.Update(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Dequeue removes the bundle, its messages and its document row. The bundle
// row is locked first, so a concurrent dequeue of the same id sees it gone.
func (q *ActorMessageQueue) Dequeue(ctx context.Context, messageID string) (*model.Bundle, error) {
	b, err := q.store.Bundles.GetByMessageID(ctx, messageID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrBundleNotFound
	}
	if err != nil {
		return nil, err
	}
	if b.QueueID != q.queue.ID {
		return nil, ErrBundleNotFound
	}
	// serializes with a peek that is materializing the same bundle
	b, err = q.store.Bundles.GetForUpdate(ctx, b.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrBundleNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := q.store.Documents.Delete(ctx, b.ID); err != nil {
		return nil, err
	}
	if _, err := q.store.Messages.DeleteByBundle(ctx, b.ID); err != nil {
		return nil, err
	}
	deleted, err := q.store.Bundles.Delete(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	if !deleted {
		return nil, ErrBundleNotFound
	}
	return b, nil
}
