package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/model"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/pkg/database/dbtest"
)

func BenchmarkBundleAppend(b *testing.B) {
	store := NewStore(dbtest.Open(b))
	ctx := context.Background()
	queue, err := store.Queues.FindOrCreate(ctx, gridOperator)
	if err != nil {
		b.Fatalf("queue: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		now := time.Now().UTC()
		msg := &model.OutgoingMessage{
			ID:             uuid.NewString(),
			ReceiverNumber: gridOperator.Number,
			ReceiverRole:   gridOperator.Role,
			DocumentType:   model.DocumentNotifyAggregatedMeasureData,
			Category:       model.CategoryAggregations,
			BusinessReason: "D04",
			Payload:        `{"q":1}`,
			CreatedAt:      now,
		}
		open, err := store.Bundles.FindOpen(ctx, queue.ID, model.CategoryAggregations)
		if err != nil {
			open = model.NewBundle(queue, msg, 100, now)
			_ = open.Add(msg, now)
			if err := store.Bundles.Create(ctx, open); err != nil {
				b.Fatalf("create bundle: %v", err)
			}
		} else {
			_ = open.Add(msg, now)
			if err := store.Bundles.Update(ctx, open); err != nil {
				b.Fatalf("update bundle: %v", err)
			}
		}
		if err := store.Messages.Create(ctx, msg); err != nil {
			b.Fatalf("create message: %v", err)
		}
	}
}

func BenchmarkOldestClosed(b *testing.B) {
	store := NewStore(dbtest.Open(b))
	ctx := context.Background()

	// 构造：一个队列积压 N 个已关闭 bundle
	const N = 2000
	queue, err := store.Queues.FindOrCreate(ctx, gridOperator)
	if err != nil {
		b.Fatalf("queue: %v", err)
	}
	base := time.Now().UTC()
	for i := 0; i < N; i++ {
		at := base.Add(time.Duration(i) * time.Millisecond)
		msg := &model.OutgoingMessage{
			ID:             uuid.NewString(),
			ReceiverNumber: gridOperator.Number,
			ReceiverRole:   gridOperator.Role,
			DocumentType:   model.DocumentNotifyAggregatedMeasureData,
			Category:       model.CategoryAggregations,
			BusinessReason: fmt.Sprintf("D%02d", i%10),
		}
		bundle := model.NewBundle(queue, msg, 1, at)
		bundle.Close(at)
		if err := store.Bundles.Create(ctx, bundle); err != nil {
			b.Fatalf("seed: %v", err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := store.Bundles.OldestClosed(ctx, queue.ID, model.CategoryAggregations); err != nil {
			b.Fatalf("oldest closed: %v", err)
		}
	}
}
