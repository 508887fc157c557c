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

	"drone-delivery-dispatch/fleet/internal/coordinator"
	"drone-delivery-dispatch/fleet/internal/store"
	"drone-delivery-dispatch/shared/cachex"
	"drone-delivery-dispatch/shared/config"
	"drone-delivery-dispatch/shared/dbx"
	"drone-delivery-dispatch/shared/events"
	"drone-delivery-dispatch/shared/influxx"
	"drone-delivery-dispatch/shared/logx"
	"drone-delivery-dispatch/shared/metricsx"
	"drone-delivery-dispatch/shared/mqx"
	"drone-delivery-dispatch/shared/observability"
	"drone-delivery-dispatch/shared/outboxx"
)

const consumerGroup = "fleet-coordinator"

func main() {
	cfg, problems := config.Load("fleet-coordinator", 8091)
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

	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		logger.Error(context.Background(), "db_init_failed", "database init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	cache, err := cachex.New(cfg)
	if err != nil {
		logger.Error(context.Background(), "redis_init_failed", "redis init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	producer, err := mqx.NewProducer(cfg)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "producer init failed",
			slog.String("error_code", "CHANNEL_UNAVAILABLE"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	var sink coordinator.TelemetrySink
	if cfg.InfluxURL != "" {
		influx, err := influxx.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "influx_init_failed", "telemetry history disabled",
				slog.String("error", err.Error()),
			)
		} else {
			sink = influx
			defer influx.Close()
		}
	}

	metricsx.Register()

	outbox := outboxx.NewStore(dbPool)
	dronesRepo := store.NewDronesRepo(dbPool, outbox)
	guard := coordinator.NewRedisCancelGuard(cache, time.Duration(cfg.DroneViewTTLSec)*time.Second)
	coord := coordinator.New(cfg, dronesRepo, guard, sink, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subscriptions := []struct {
		topic   string
		handler mqx.Handler
	}{
		{events.TopicDroneAssign, coord.HandleAssign},
		{events.TopicOrderCancelled, coord.HandleOrderCancelled},
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

	logger.Info(ctx, "service_start", "coordinator started",
		slog.String("group", consumerGroup),
		slog.Int("subscriptions", len(subscriptions)),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))

	cancel()
	wg.Wait()

	_ = producer.Close()
	_ = cache.Close()
	dbPool.Close()
	_ = shutdownTracer(context.Background())
	logger.Info(context.Background(), "service_stop", "coordinator stopped")
}
