package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"drone-delivery-dispatch/delivery/internal/dispatch"
	"drone-delivery-dispatch/delivery/internal/registry"
	"drone-delivery-dispatch/delivery/internal/store"
	"drone-delivery-dispatch/shared/cachex"
	"drone-delivery-dispatch/shared/config"
	"drone-delivery-dispatch/shared/dbx"
	"drone-delivery-dispatch/shared/events"
	"drone-delivery-dispatch/shared/logx"
	"drone-delivery-dispatch/shared/metricsx"
	"drone-delivery-dispatch/shared/mqx"
	"drone-delivery-dispatch/shared/observability"
	"drone-delivery-dispatch/shared/outboxx"
)

const consumerGroup = "delivery-dispatcher"

func main() {
	cfg, problems := config.Load("delivery-dispatcher", 8081)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	for _, p := range problems {
		logger.Warn(context.Background(), "config_problem", "configuration problem",
			slog.String("field", p.Field),
			slog.String("message", p.Message),
		)
	}

	shutdownTracer, err := observability.InitTracer(context.Background(), observability.TracerConfig{
		ServiceName: cfg.ServiceName,
		Env:         cfg.Env,
		Endpoint:    cfg.OtelEndpoint,
		Insecure:    cfg.OtelInsecure,
		SampleRatio: cfg.OtelSampleRatio,
	})
	if err != nil {
		logger.Error(context.Background(), "otel_init_failed", "tracer init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		shutdownTracer = func(context.Context) error { return nil }
	}

	var dbPool *pgxpool.Pool
	dbPool, err = dbx.NewPool(cfg)
	if err != nil {
		logger.Error(context.Background(), "db_init_failed", "database init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	var cache *cachex.Client
	if cfg.RedisAddr != "" {
		cache, err = cachex.New(cfg)
		if err != nil {
			logger.Error(context.Background(), "redis_init_failed", "redis init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}

	producer, err := mqx.NewProducer(cfg)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "producer init failed",
			slog.String("error_code", "CHANNEL_UNAVAILABLE"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	metricsx.Register()

	outbox := outboxx.NewStore(dbPool)
	ordersRepo := store.NewOrdersRepo(dbPool, outbox)
	droneView := registry.New(cache, time.Duration(cfg.DroneViewTTLSec)*time.Second, logger)
	droneView.WarmStart(context.Background())

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	scheduler := dispatch.NewAsynqScheduler(redisOpt, cfg.AsynqQueue)
	dispatcher := dispatch.New(cfg, ordersRepo, droneView, scheduler, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subscriptions := []struct {
		topic   string
		handler mqx.Handler
	}{
		{events.TopicOrderCreated, dispatcher.HandleOrderCreated},
		{events.TopicDroneAssignRejected, dispatcher.HandleAssignRejected},
		{events.TopicDroneStatusUpdated, dispatcher.HandleDroneStatus},
	}

	var wg sync.WaitGroup
	for _, sub := range subscriptions {
		subscriber, err := mqx.NewSubscriber(cfg, sub.topic, consumerGroup, producer, logger)
		if err != nil {
			logger.Error(ctx, "subscriber_init_failed", "subscriber init failed",
				slog.String("topic", sub.topic),
				slog.String("error_code", "CHANNEL_UNAVAILABLE"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
		wg.Add(1)
		go func(s *mqx.Subscriber, h mqx.Handler) {
			defer wg.Done()
			defer s.Close()
			if err := s.Run(ctx, h); err != nil {
				logger.Error(ctx, "consumer_failed", "consumer stopped with error",
					slog.String("error_code", "INTERNAL_ERROR"),
					slog.String("error", err.Error()),
				)
			}
		}(subscriber, sub.handler)
	}

	// Deferred allocation retries land here.
	asynqServer := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues:      map[string]int{cfg.AsynqQueue: 1},
	})
	asynqMux := asynq.NewServeMux()
	asynqMux.HandleFunc(dispatch.TaskAssignRetry, dispatcher.HandleAssignRetryTask)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := asynqServer.Run(asynqMux); err != nil {
			logger.Error(ctx, "asynq_failed", "task server stopped with error",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
	}()

	logger.Info(ctx, "service_start", "dispatcher started",
		slog.String("group", consumerGroup),
		slog.Int("subscriptions", len(subscriptions)),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))

	cancel()
	asynqServer.Shutdown()
	wg.Wait()

	_ = scheduler.Close()
	_ = producer.Close()
	if cache != nil {
		_ = cache.Close()
	}
	dbPool.Close()
	_ = shutdownTracer(context.Background())
	logger.Info(context.Background(), "service_stop", "dispatcher stopped")
}
