package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"drone-delivery-dispatch/delivery/internal/dispatch"
	"drone-delivery-dispatch/delivery/internal/domain"
	"drone-delivery-dispatch/delivery/internal/registry"
	"drone-delivery-dispatch/delivery/internal/store"
	"drone-delivery-dispatch/shared/cachex"
	"drone-delivery-dispatch/shared/config"
	"drone-delivery-dispatch/shared/dbx"
	"drone-delivery-dispatch/shared/httpx"
	"drone-delivery-dispatch/shared/logx"
	"drone-delivery-dispatch/shared/metricsx"
	"drone-delivery-dispatch/shared/observability"
	"drone-delivery-dispatch/shared/outboxx"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func main() {
	cfg, readyProblems := config.Load("delivery-api", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
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
	if cfg.DatabaseURL != "" {
		dbPool, err = dbx.NewPool(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "failed to connect to database"})
			logger.Error(context.Background(), "db_init_failed", "database init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
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

	outbox := outboxx.NewStore(dbPool)
	ordersRepo := store.NewOrdersRepo(dbPool, outbox)
	droneView := registry.New(cache, time.Duration(cfg.DroneViewTTLSec)*time.Second, logger)
	droneView.WarmStart(context.Background())

	scheduler := dispatch.NewAsynqScheduler(asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}, cfg.AsynqQueue)
	dispatcher := dispatch.New(cfg, ordersRepo, droneView, scheduler, logger)

	metricsx.Register()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		if err := dbx.Ping(r.Context(), dbPool); err != nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
				"service not ready: database unavailable",
				map[string]any{"problem": "db_ping_failed"},
			)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	mux.HandleFunc("POST /api/v1/orders", func(w http.ResponseWriter, r *http.Request) {
		var req dispatch.IntakeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid json body", nil)
			return
		}
		idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		order, created, problems, err := dispatcher.Intake(r.Context(), req, idempotencyKey)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to create order", nil)
			return
		}
		if len(problems) > 0 {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid order",
				map[string]any{"problems": problems},
			)
			return
		}
		status := http.StatusCreated
		if !created {
			status = http.StatusOK
		}
		httpx.WriteJSON(w, status, orderResponse(order))
	})

	mux.HandleFunc("GET /api/v1/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		orderID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid order id", nil)
			return
		}
		order, err := dispatcher.Get(r.Context(), orderID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
				return
			}
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load order", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, orderResponse(order))
	})

	mux.HandleFunc("GET /api/v1/orders", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		orders, err := dispatcher.List(r.Context(), r.URL.Query().Get("status"), limit, offset)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list orders", nil)
			return
		}
		items := make([]map[string]any, 0, len(orders))
		for _, order := range orders {
			items = append(items, orderResponse(order))
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"orders": items})
	})

	mux.HandleFunc("POST /api/v1/orders/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		orderID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid order id", nil)
			return
		}
		var body struct {
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Reason == "" {
			body.Reason = "requested"
		}
		order, err := dispatcher.Cancel(r.Context(), orderID, body.Reason)
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrNotFound):
				httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
			case errors.Is(err, domain.ErrInvalidTransition):
				httpx.WriteError(w, r, http.StatusConflict, "FAILED_PRECONDITION", "order is not cancellable", nil)
			case errors.Is(err, domain.ErrVersionConflict):
				httpx.WriteError(w, r, http.StatusConflict, "ABORTED", "concurrent update, retry", nil)
			default:
				httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to cancel order", nil)
			}
			return
		}
		httpx.WriteJSON(w, http.StatusOK, orderResponse(order))
	})

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	skipInfra := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics"
	}

	handler := httpx.WrapServeMux(mux, notFound)
	handler = httpx.RateLimitMiddleware{
		Limiter: httpx.NewIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 2*time.Minute),
		Skip:    skipInfra,
	}.Wrap(handler)
	handler = metricsx.Instrument(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	handler = otelhttp.NewHandler(handler, "delivery-api")

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	_ = scheduler.Close()
	if cache != nil {
		_ = cache.Close()
	}
	if dbPool != nil {
		dbPool.Close()
	}
	_ = shutdownTracer(context.Background())
	logger.Info(context.Background(), "service_stop", "service stopped")
}

func orderResponse(order domain.Order) map[string]any {
	resp := map[string]any{
		"order_id":   order.OrderID,
		"status":     order.Status,
		"origin":     order.Origin,
		"dest":       order.Dest,
		"weight_kg":  order.WeightKg,
		"volume_l":   order.VolumeL,
		"version":    order.Version,
		"created_at": order.CreatedAt,
		"updated_at": order.UpdatedAt,
	}
	if order.AssignedDroneID != nil {
		resp["assigned_drone_id"] = order.AssignedDroneID
	}
	if order.FailReason != nil {
		resp["fail_reason"] = order.FailReason
	}
	if order.AssignedAt != nil {
		resp["assigned_at"] = order.AssignedAt
	}
	if order.InTransitAt != nil {
		resp["in_transit_at"] = order.InTransitAt
	}
	if order.CompletedAt != nil {
		resp["completed_at"] = order.CompletedAt
	}
	return resp
}
