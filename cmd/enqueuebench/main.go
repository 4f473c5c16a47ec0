package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Energinet-DataHub/opengeh-edi-sub022/config"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/document"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/model"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/repository"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/service"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/storage"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/pkg/database"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/pkg/lock"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/pkg/transaction"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func envInt(key string, def int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// 并发入队同一接收方，测量入队延迟、冲突重试开销以及 peek/dequeue 排空耗时
func main() {
	ctx := context.Background()
	cfg := must(config.Load())
	log := zap.NewNop()

	N := envInt("N", 5000)
	CONC := envInt("CONC", 8)
	cfg.Bundling.MaxMessageCount = envInt("MAX", cfg.Bundling.MaxMessageCount)

	db := must(database.InitDB(cfg.Database))
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	locker := lock.NewRedisLocker(rdb, cfg.Redis.KeyPrefix, lock.DefaultOptions(), log)
	if err := database.Migrate(ctx, db, locker); err != nil {
		panic(err)
	}

	store := repository.NewStore(db)
	tx := transaction.New(db, cfg.Transaction, log)
	docs := storage.NewRedisStorage(rdb, cfg.Redis.KeyPrefix+"bench:")
	enqueue := service.NewEnqueueMessageService(store, tx, cfg.Bundling, log)
	peek := service.NewPeekService(store, tx, docs, document.NewDocumentFactory(), cfg.App, log)
	dequeue := service.NewDequeueService(store, tx, docs, log)

	// 每次运行使用新的接收方，避免历史数据干扰
	receiver := model.Receiver{Number: fmt.Sprintf("57%011d", time.Now().UnixNano()%1e11), Role: model.RoleEnergySupplier}

	feed := make(chan int, N)
	for i := 0; i < N; i++ {
		feed <- i
	}
	close(feed)

	var (
		mu      sync.Mutex
		lats    = make([]time.Duration, 0, N)
		failed  int
		wg      sync.WaitGroup
		workers = CONC
	)
	if workers > N {
		workers = N
	}
	t0 := time.Now()
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range feed {
				msg := &model.OutgoingMessage{
					ID:             uuid.NewString(),
					ReceiverNumber: receiver.Number,
					ReceiverRole:   receiver.Role,
					DocumentType:   model.DocumentNotifyAggregatedMeasureData,
					BusinessReason: "D04",
					Payload:        fmt.Sprintf(`{"position":%d,"quantity":"%d.000"}`, i, i%97),
				}
				st := time.Now()
				err := enqueue.Enqueue(ctx, msg)
				d := time.Since(st)
				mu.Lock()
				if err != nil {
					failed++
				} else {
					lats = append(lats, d)
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	enqueueDur := time.Since(t0)

	t1 := time.Now()
	documents, delivered := 0, 0
	for {
		res, err := peek.Peek(ctx, receiver, model.CategoryAggregations, model.FormatJSON)
		if err == service.ErrNoContent {
			break
		}
		if err != nil {
			panic(err)
		}
		records, err := store.Messages.ListByBundle(ctx, res.BundleID)
		if err != nil {
			panic(err)
		}
		delivered += len(records)
		documents++
		if err := dequeue.Dequeue(ctx, receiver, res.MessageID); err != nil {
			panic(err)
		}
	}
	drainDur := time.Since(t1)

	pct := func(vs []time.Duration, p float64) time.Duration {
		if len(vs) == 0 {
			return 0
		}
		xs := append([]time.Duration(nil), vs...)
		sort.Slice(xs, func(i, j int) bool { return xs[i] < xs[j] })
		k := int(math.Ceil(p*float64(len(xs)))) - 1
		if k < 0 {
			k = 0
		}
		if k >= len(xs) {
			k = len(xs) - 1
		}
		return xs[k]
	}

	fmt.Printf("N=%d, CONC=%d, MAX=%d, driver=%s\n", N, CONC, cfg.Bundling.MaxMessageCount, cfg.Database.Driver)
	fmt.Printf("Enqueue total: %v, per op: %v, p50: %v, p95: %v, p99: %v, failed: %d\n",
		enqueueDur, enqueueDur/time.Duration(N), pct(lats, 0.50), pct(lats, 0.95), pct(lats, 0.99), failed)
	fmt.Printf("Drain: documents=%d, messages=%d, total=%v\n", documents, delivered, drainDur)
	if delivered != N-failed {
		fmt.Printf("LOST MESSAGES: enqueued=%d delivered=%d\n", N-failed, delivered)
		os.Exit(1)
	}
}
