package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Energinet-DataHub/opengeh-edi-sub022/config"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/document"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/model"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/repository"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/storage"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/pkg/database/dbtest"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/pkg/transaction"
)

var (
	supplier = model.Receiver{Number: "5790000000002", Role: model.RoleEnergySupplier}
	sender   = config.AppConfig{Name: "edi", Env: "test", SenderNumber: "5790001330583", SenderRole: "DGL"}
)

type harness struct {
	store   *repository.Store
	tx      *transaction.ResilientTransaction
	mr      *miniredis.Miniredis
	docs    storage.DocumentStorage
	enqueue *EnqueueMessageService
	peek    *PeekService
	dequeue *DequeueService
	logger  *zap.Logger
}

func newHarness(t *testing.T, factory document.Factory) *harness {
	t.Helper()
	logger := zap.NewNop()
	db := dbtest.Open(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	if factory == nil {
		factory = document.NewDocumentFactory()
	}
	store := repository.NewStore(db)
	tx := transaction.New(db, config.TransactionConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxAttempts:     5,
		MaxElapsedTime:  5 * time.Second,
	}, logger)
	docs := storage.NewRedisStorage(client, "edi:")
	return &harness{
		store:   store,
		tx:      tx,
		mr:      mr,
		docs:    docs,
		enqueue: NewEnqueueMessageService(store, tx, config.BundlingConfig{MaxMessageCount: 2}, logger),
		peek:    NewPeekService(store, tx, docs, factory, sender, logger),
		dequeue: NewDequeueService(store, tx, docs, logger),
		logger:  logger,
	}
}

func outgoing(reason string) *model.OutgoingMessage {
	return &model.OutgoingMessage{
		ID:             uuid.NewString(),
		ReceiverNumber: supplier.Number,
		ReceiverRole:   supplier.Role,
		DocumentType:   model.DocumentNotifyAggregatedMeasureData,
		BusinessReason: reason,
		Payload:        `{"quantity":"42.000","resolution":"PT15M"}`,
	}
}

func TestPeekDequeueLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, h.enqueue.Enqueue(ctx, outgoing("D04")))
	}

	first, err := h.peek.Peek(ctx, supplier, model.CategoryAggregations, model.FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "application/json", first.ContentType)
	records, err := h.store.Messages.ListByBundle(ctx, first.BundleID)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	again, err := h.peek.Peek(ctx, supplier, model.CategoryAggregations, model.FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, first.MessageID, again.MessageID)
	assert.Equal(t, first.Content, again.Content)
	assert.Equal(t, first.ContentHash, again.ContentHash)

	require.NoError(t, h.dequeue.Dequeue(ctx, supplier, first.MessageID))
	assert.False(t, h.mr.Exists("edi:"+model.DocumentStorageKey(first.BundleID)))

	second, err := h.peek.Peek(ctx, supplier, model.CategoryAggregations, model.FormatJSON)
	require.NoError(t, err)
	assert.NotEqual(t, first.MessageID, second.MessageID)
	records, err = h.store.Messages.ListByBundle(ctx, second.BundleID)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	err = h.dequeue.Dequeue(ctx, supplier, first.MessageID)
	assert.ErrorIs(t, err, ErrBundleNotFound)

	require.NoError(t, h.dequeue.Dequeue(ctx, supplier, second.MessageID))
	_, err = h.peek.Peek(ctx, supplier, model.CategoryAggregations, model.FormatJSON)
	assert.ErrorIs(t, err, ErrNoContent)

	pending, err := h.store.Outbox.CountPending(ctx, model.OutboxIntegrationEvent)
	require.NoError(t, err)
	assert.EqualValues(t, 2, pending)
}

func TestPeekUnknownReceiverHasNoContent(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.peek.Peek(context.Background(), supplier, model.CategoryMeasureData, model.FormatXML)
	assert.ErrorIs(t, err, ErrNoContent)

	err = h.dequeue.Dequeue(context.Background(), supplier, uuid.NewString())
	assert.ErrorIs(t, err, ErrBundleNotFound)
}

func TestDequeueOfOtherReceiversBundleIsNotFound(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.enqueue.Enqueue(ctx, outgoing("D04")))
	res, err := h.peek.Peek(ctx, supplier, model.CategoryAggregations, model.FormatXML)
	require.NoError(t, err)

	other := model.Receiver{Number: "5790000000003", Role: model.RoleEnergySupplier}
	other2 := outgoing("D04")
	other2.ReceiverNumber = other.Number
	require.NoError(t, h.enqueue.Enqueue(ctx, other2))

	assert.ErrorIs(t, h.dequeue.Dequeue(ctx, other, res.MessageID), ErrBundleNotFound)
	require.NoError(t, h.dequeue.Dequeue(ctx, supplier, res.MessageID))
}

func TestEnqueueIsIdempotentPerMessageID(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	msg := outgoing("D04")
	dup := *msg

	require.NoError(t, h.enqueue.Enqueue(ctx, msg))
	require.NoError(t, h.enqueue.Enqueue(ctx, &dup))

	n, err := h.store.Messages.CountByReceiver(ctx, supplier)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestEnqueueRejectsInvalidMessage(t *testing.T) {
	h := newHarness(t, nil)
	msg := outgoing("D04")
	msg.ReceiverRole = "XYZ"
	assert.ErrorIs(t, h.enqueue.Enqueue(context.Background(), msg), model.ErrInvalidMessage)

	msg = outgoing("D04")
	msg.Payload = ""
	assert.ErrorIs(t, h.enqueue.Enqueue(context.Background(), msg), model.ErrInvalidMessage)
}

func TestNonMatchingMessageStartsNewBundle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	a := outgoing("D04")
	b := outgoing("D05")
	require.NoError(t, h.enqueue.Enqueue(ctx, a))
	require.NoError(t, h.enqueue.Enqueue(ctx, b))
	require.NotNil(t, a.BundleID)
	require.NotNil(t, b.BundleID)
	assert.NotEqual(t, *a.BundleID, *b.BundleID)

	first, err := h.store.Bundles.Get(ctx, *a.BundleID)
	require.NoError(t, err)
	assert.True(t, first.Closed)
	assert.Equal(t, 1, first.MessageCount)
}

func TestConcurrentEnqueueLosesNothing(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	const n = 15
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.enqueue.Enqueue(ctx, outgoing("D04"))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	queue, err := h.store.Queues.Find(ctx, supplier)
	require.NoError(t, err)
	bundles, err := h.store.Bundles.ListByQueue(ctx, queue.ID)
	require.NoError(t, err)
	total, open := 0, 0
	for _, b := range bundles {
		total += b.MessageCount
		assert.LessOrEqual(t, b.MessageCount, 2)
		if !b.Closed {
			open++
		}
	}
	assert.Equal(t, n, total)
	assert.LessOrEqual(t, open, 1)
}

type flakyFactory struct {
	inner document.Factory
	fails int
}

func (f *flakyFactory) Create(ctx context.Context, header document.Header, records []string, format model.DocumentFormat) ([]byte, error) {
	if f.fails > 0 {
		f.fails--
		return nil, errors.New("template error")
	}
	return f.inner.Create(ctx, header, records, format)
}

func TestRenderFailureIsRetriedOnNextPeek(t *testing.T) {
	h := newHarness(t, &flakyFactory{inner: document.NewDocumentFactory(), fails: 1})
	ctx := context.Background()
	require.NoError(t, h.enqueue.Enqueue(ctx, outgoing("D04")))

	_, err := h.peek.Peek(ctx, supplier, model.CategoryAggregations, model.FormatEbix)
	assert.ErrorIs(t, err, ErrRenderFailed)

	res, err := h.peek.Peek(ctx, supplier, model.CategoryAggregations, model.FormatEbix)
	require.NoError(t, err)
	assert.Equal(t, model.FormatEbix, res.Format)
	assert.NotEmpty(t, res.Content)
}

func TestMissingStoredDocumentIsRenderedAgain(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.enqueue.Enqueue(ctx, outgoing("D04")))

	first, err := h.peek.Peek(ctx, supplier, model.CategoryAggregations, model.FormatXML)
	require.NoError(t, err)
	key := "edi:" + model.DocumentStorageKey(first.BundleID)
	require.True(t, h.mr.Del(key))

	// the stored format wins over the requested one
	again, err := h.peek.Peek(ctx, supplier, model.CategoryAggregations, model.FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, model.FormatXML, again.Format)
	assert.Equal(t, first.Content, again.Content)
	assert.True(t, h.mr.Exists(key))
}

func TestEnqueueAfterDequeueIsStillIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	msg := outgoing("D04")
	redelivered := *msg

	require.NoError(t, h.enqueue.Enqueue(ctx, msg))
	res, err := h.peek.Peek(ctx, supplier, model.CategoryAggregations, model.FormatJSON)
	require.NoError(t, err)
	require.NoError(t, h.dequeue.Dequeue(ctx, supplier, res.MessageID))

	require.NoError(t, h.enqueue.Enqueue(ctx, &redelivered))
	n, err := h.store.Messages.CountByReceiver(ctx, supplier)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = h.peek.Peek(ctx, supplier, model.CategoryAggregations, model.FormatJSON)
	assert.ErrorIs(t, err, ErrNoContent)
}

func TestConcurrentPeeksShareOneDocument(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.enqueue.Enqueue(ctx, outgoing("D04")))
	require.NoError(t, h.enqueue.Enqueue(ctx, outgoing("D04")))

	const n = 6
	results := make([]*PeekResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.peek.Peek(ctx, supplier, model.CategoryAggregations, model.FormatXML)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].MessageID, results[i].MessageID)
		assert.Equal(t, results[0].ContentHash, results[i].ContentHash)
		assert.Equal(t, results[0].Content, results[i].Content)
	}
	var docs int64
	require.NoError(t, h.store.DB().Model(&model.MarketDocument{}).Count(&docs).Error)
	assert.EqualValues(t, 1, docs)
}

func TestConcurrentDequeueSucceedsOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.enqueue.Enqueue(ctx, outgoing("D04")))
	res, err := h.peek.Peek(ctx, supplier, model.CategoryAggregations, model.FormatJSON)
	require.NoError(t, err)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.dequeue.Dequeue(ctx, supplier, res.MessageID)
		}()
	}
	wg.Wait()
	close(errs)

	var ok, notFound int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrBundleNotFound):
			notFound++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, notFound)

	pending, err := h.store.Outbox.CountPending(ctx, model.OutboxIntegrationEvent)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)
}

func TestMaterializingDequeuedBundleLeavesNothingBehind(t *testing.T) {
	h := newHarness(t, &flakyFactory{inner: document.NewDocumentFactory(), fails: 1})
	ctx := context.Background()
	require.NoError(t, h.enqueue.Enqueue(ctx, outgoing("D04")))

	// first peek closes the bundle but cannot render it
	_, err := h.peek.Peek(ctx, supplier, model.CategoryAggregations, model.FormatXML)
	require.ErrorIs(t, err, ErrRenderFailed)
	queue, err := h.store.Queues.Find(ctx, supplier)
	require.NoError(t, err)
	bundles, err := h.store.Bundles.ListByQueue(ctx, queue.ID)
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	b := bundles[0]
	require.NotNil(t, b.MessageID)

	require.NoError(t, h.dequeue.Dequeue(ctx, supplier, *b.MessageID))

	_, err = h.peek.materialize(ctx, b.ID, model.FormatXML)
	assert.ErrorIs(t, err, ErrNoContent)
	_, err = h.store.Documents.Get(ctx, b.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.False(t, h.mr.Exists("edi:"+model.DocumentStorageKey(b.ID)))
}

// dequeueingStorage acknowledges the document the moment a peek reads it.
type dequeueingStorage struct {
	storage.DocumentStorage
	once    sync.Once
	dequeue func()
}

func (s *dequeueingStorage) Get(ctx context.Context, key string) ([]byte, error) {
	s.once.Do(s.dequeue)
	return s.DocumentStorage.Get(ctx, key)
}

func TestPeekRacingDequeueHasNoContent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.enqueue.Enqueue(ctx, outgoing("D04")))
	first, err := h.peek.Peek(ctx, supplier, model.CategoryAggregations, model.FormatJSON)
	require.NoError(t, err)

	racing := &dequeueingStorage{DocumentStorage: h.docs, dequeue: func() {
		require.NoError(t, h.dequeue.Dequeue(ctx, supplier, first.MessageID))
	}}
	peek := NewPeekService(h.store, h.tx, racing, document.NewDocumentFactory(), sender, h.logger)

	_, err = peek.Peek(ctx, supplier, model.CategoryAggregations, model.FormatJSON)
	assert.ErrorIs(t, err, ErrNoContent)
	_, err = h.store.Documents.Get(ctx, first.BundleID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.False(t, h.mr.Exists("edi:"+model.DocumentStorageKey(first.BundleID)))
}

func TestPeekAndDequeueChurnLeavesNoOrphans(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, h.enqueue.Enqueue(ctx, outgoing("D04")))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			res, err := h.peek.Peek(ctx, supplier, model.CategoryAggregations, model.FormatJSON)
			if errors.Is(err, ErrNoContent) {
				return
			}
			if !assert.NoError(t, err) {
				return
			}
			if !assert.NoError(t, h.dequeue.Dequeue(ctx, supplier, res.MessageID)) {
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_, err := h.peek.Peek(ctx, supplier, model.CategoryAggregations, model.FormatEbix)
			if errors.Is(err, ErrNoContent) {
				return
			}
			if !assert.NoError(t, err) {
				return
			}
		}
	}()
	wg.Wait()

	var docs int64
	require.NoError(t, h.store.DB().Model(&model.MarketDocument{}).Count(&docs).Error)
	assert.Zero(t, docs)
	assert.Empty(t, h.mr.Keys())
}

func TestRenderFailureIsLoggedAsWarning(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.enqueue.Enqueue(ctx, outgoing("D04")))

	core, logs := observer.New(zapcore.DebugLevel)
	factory := &flakyFactory{inner: document.NewDocumentFactory(), fails: 1}
	peek := NewPeekService(h.store, h.tx, h.docs, factory, sender, zap.New(core))

	_, err := peek.Peek(ctx, supplier, model.CategoryAggregations, model.FormatXML)
	require.ErrorIs(t, err, ErrRenderFailed)

	failures := logs.FilterMessage("render document failed").All()
	require.Len(t, failures, 1)
	assert.Equal(t, zapcore.WarnLevel, failures[0].Level)
	assert.Zero(t, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
}
