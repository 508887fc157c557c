package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"drone-delivery-dispatch/shared/config"
	"drone-delivery-dispatch/shared/dbx"
	"drone-delivery-dispatch/shared/logx"
	"drone-delivery-dispatch/shared/metricsx"
	"drone-delivery-dispatch/shared/mqx"
	"drone-delivery-dispatch/shared/outboxx"
)

func main() {
	cfg, problems := config.Load("fleet-outbox-worker", 8092)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	for _, p := range problems {
		logger.Warn(context.Background(), "config_problem", "configuration problem",
			slog.String("field", p.Field),
			slog.String("message", p.Message),
		)
	}

	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		logger.Error(context.Background(), "db_init_failed", "database init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer dbPool.Close()

	producer, err := mqx.NewProducer(cfg)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "producer init failed",
			slog.String("error_code", "CHANNEL_UNAVAILABLE"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer producer.Close()

	metricsx.Register()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
		cancel()
	}()

	relay := outboxx.NewRelay(cfg, outboxx.NewStore(dbPool), producer, logger)
	if err := relay.Run(ctx); err != nil {
		logger.Error(context.Background(), "relay_failed", "outbox relay stopped with error",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	logger.Info(context.Background(), "service_stop", "outbox relay stopped")
}
