package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
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

func mustDo(err error) {
	if err != nil {
		panic(err)
	}
}

type scenario struct {
	name  string
	first []time.Duration
	again []time.Duration
}

// 对比首次 peek（渲染并写入存储）与重复 peek（读取已存文档）的延迟
func main() {
	ctx := context.Background()
	cfg := must(config.Load())
	log := zap.NewNop()

	receivers := 200
	if s := os.Getenv("RECEIVERS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			receivers = n
		}
	}
	repeats := 5

	db := must(database.InitDB(cfg.Database))
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	mustDo(rdb.Ping(ctx).Err())
	mustDo(database.Migrate(ctx, db, lock.NewRedisLocker(rdb, cfg.Redis.KeyPrefix, lock.DefaultOptions(), log)))

	store := repository.NewStore(db)
	tx := transaction.New(db, cfg.Transaction, log)
	docs := storage.NewRedisStorage(rdb, cfg.Redis.KeyPrefix+"bench:")
	enqueue := service.NewEnqueueMessageService(store, tx, cfg.Bundling, log)
	peek := service.NewPeekService(store, tx, docs, document.NewDocumentFactory(), cfg.App, log)
	dequeue := service.NewDequeueService(store, tx, docs, log)

	fmt.Println("Setting up test data...")
	run := time.Now().UnixNano() % 1e9
	targets := make([]model.Receiver, receivers)
	for i := range targets {
		targets[i] = model.Receiver{Number: fmt.Sprintf("579%010d", run*1000+int64(i)), Role: model.RoleGridOperator}
		for j := 0; j < cfg.Bundling.MaxMessageCount; j++ {
			mustDo(enqueue.Enqueue(ctx, &model.OutgoingMessage{
				ID:             uuid.NewString(),
				ReceiverNumber: targets[i].Number,
				ReceiverRole:   targets[i].Role,
				DocumentType:   model.DocumentNotifyAggregatedMeasureData,
				BusinessReason: "D04",
				Payload:        fmt.Sprintf(`{"position":%d,"quantity":"%d.125"}`, j, j),
			}))
		}
	}

	results := make([]*scenario, 0, 3)
	for _, format := range []model.DocumentFormat{model.FormatXML, model.FormatJSON, model.FormatEbix} {
		sc := &scenario{name: string(format)}
		for _, r := range targets {
			st := time.Now()
			res := must(peek.Peek(ctx, r, model.CategoryAggregations, format))
			sc.first = append(sc.first, time.Since(st))
			for k := 0; k < repeats; k++ {
				st = time.Now()
				again := must(peek.Peek(ctx, r, model.CategoryAggregations, format))
				sc.again = append(sc.again, time.Since(st))
				if again.ContentHash != res.ContentHash {
					panic(fmt.Sprintf("peek not stable for %s", r))
				}
			}
			mustDo(dequeue.Dequeue(ctx, r, res.MessageID))
		}
		results = append(results, sc)
		// 下一轮格式重新灌入数据
		for _, r := range targets {
			mustDo(enqueue.Enqueue(ctx, &model.OutgoingMessage{
				ID:             uuid.NewString(),
				ReceiverNumber: r.Number,
				ReceiverRole:   r.Role,
				DocumentType:   model.DocumentNotifyAggregatedMeasureData,
				BusinessReason: "D04",
				Payload:        `{"quantity":"1.000"}`,
			}))
		}
	}

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

	fmt.Printf("receivers=%d, bundle size=%d, repeats=%d\n", receivers, cfg.Bundling.MaxMessageCount, repeats)
	for _, sc := range results {
		fmt.Printf("%-5s first peek p50=%v p95=%v p99=%v | cached peek p50=%v p95=%v p99=%v\n",
			sc.name, pct(sc.first, 0.5), pct(sc.first, 0.95), pct(sc.first, 0.99),
			pct(sc.again, 0.5), pct(sc.again, 0.95), pct(sc.again, 0.99))
	}
}
