package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Energinet-DataHub/opengeh-edi-sub022/config"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/api"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/api/handler"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/document"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/model"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/repository"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/service"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/storage"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/pkg/broker"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/pkg/database"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/pkg/lock"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/pkg/logger"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/pkg/tracing"
	"github.com/Energinet-DataHub/opengeh-edi-sub022/pkg/transaction"
)

// @title EDI Message Hub API
// @version 1.0
// @description Peek and dequeue market documents addressed to a market actor.
// @BasePath /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(cfg); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, cfg.App.Name)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Sentry.DSN,
			Environment:      cfg.App.Env,
			EnableTracing:    cfg.Sentry.TracesSampleRate > 0,
			TracesSampleRate: cfg.Sentry.TracesSampleRate,
		}); err != nil {
			return fmt.Errorf("init sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	db, err := database.InitDB(cfg.Database)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	locker := lock.NewRedisLocker(rdb, cfg.Redis.KeyPrefix, lock.DefaultOptions(), log.Named("lock"))

	if err := database.Migrate(ctx, db, locker); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	store := repository.NewStore(db)
	tx := transaction.New(db, cfg.Transaction, log.Named("transaction"))
	docs := storage.NewRedisStorage(rdb, cfg.Redis.KeyPrefix)

	enqueue := service.NewEnqueueMessageService(store, tx, cfg.Bundling, log.Named("enqueue"))
	peek := service.NewPeekService(store, tx, docs, document.NewDocumentFactory(), cfg.App, log.Named("peek"))
	dequeue := service.NewDequeueService(store, tx, docs, log.Named("dequeue"))

	publisher, err := broker.NewPublisher(cfg.Broker, log.Named("broker"))
	if err != nil {
		return err
	}
	defer publisher.Close()

	events := service.NewOutboxDispatcher(model.OutboxIntegrationEvent, store, locker, cfg.Outbox.Interval, log.Named("outbox"))
	if err := events.Register(service.EventActorMessageDequeued, service.PublishIntegrationEvent(publisher)); err != nil {
		return err
	}
	actorMessages := service.NewOutboxDispatcher(model.OutboxActorMessage, store, locker, cfg.Outbox.Interval, log.Named("outbox"))
	if err := actorMessages.Register(service.MessageEnqueueOutgoingMessage, service.EnqueueOutgoingMessageHandler(enqueue)); err != nil {
		return err
	}
	stopEvents := events.Start()
	stopActorMessages := actorMessages.Start()

	inbox := service.NewInbox(store, tx, log.Named("inbox"))
	if err := inbox.RegisterDefaults(); err != nil {
		return err
	}
	checks := map[string]handler.Pinger{
		"database": handler.PingFunc(sqlDB.PingContext),
		"redis":    handler.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
	}
	consumerDone := make(chan struct{})
	if cfg.Broker.Type == "kafka" && cfg.Broker.Kafka.ConsumeEvents {
		supervisor := broker.NewConsumerSupervisor(func() *broker.KafkaConsumer {
			return broker.NewKafkaConsumer(cfg.Broker.Kafka, inbox.Handle, log.Named("consumer"))
		}, cfg.Broker.Kafka.RestartDelay, log.Named("consumer"))
		checks["inbound_consumer"] = supervisor
		go func() {
			defer close(consumerDone)
			supervisor.Run(ctx)
		}()
	} else {
		close(consumerDone)
	}

	h := handler.NewHandler(peek, dequeue, checks)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(cfg, h, log.Named("http")),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	serverErr := make(chan error, 1)
	go func() {
		log.Info("http listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErr:
		log.Error("http server failed", zap.Error(runErr))
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := stopEvents(shutdownCtx); err != nil {
		log.Warn("stop integration event dispatcher", zap.Error(err))
	}
	if err := stopActorMessages(shutdownCtx); err != nil {
		log.Warn("stop actor message dispatcher", zap.Error(err))
	}
	select {
	case <-consumerDone:
	case <-shutdownCtx.Done():
		log.Warn("inbound consumer did not stop in time")
	}
	log.Info("shutdown complete")
	return runErr
}
