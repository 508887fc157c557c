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
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"drone-delivery-dispatch/fleet/internal/coordinator"
	"drone-delivery-dispatch/fleet/internal/domain"
	"drone-delivery-dispatch/fleet/internal/store"
	"drone-delivery-dispatch/shared/cachex"
	"drone-delivery-dispatch/shared/config"
	"drone-delivery-dispatch/shared/dbx"
	"drone-delivery-dispatch/shared/httpx"
	"drone-delivery-dispatch/shared/influxx"
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
	cfg, readyProblems := config.Load("fleet-api", 8090)
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
			readyProblems = append(readyProblems, config.Problem{Field: "REDIS_ADDR", Message: "failed to connect to redis"})
			logger.Error(context.Background(), "redis_init_failed", "redis init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
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

	outbox := outboxx.NewStore(dbPool)
	dronesRepo := store.NewDronesRepo(dbPool, outbox)
	guard := coordinator.NewRedisCancelGuard(cache, time.Duration(cfg.DroneViewTTLSec)*time.Second)
	coord := coordinator.New(cfg, dronesRepo, guard, sink, logger)

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

	mux.HandleFunc("POST /api/v1/drones", func(w http.ResponseWriter, r *http.Request) {
		var req coordinator.RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid json body", nil)
			return
		}
		drone, problems, err := coord.Register(r.Context(), req)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to register drone", nil)
			return
		}
		if len(problems) > 0 {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid drone",
				map[string]any{"problems": problems},
			)
			return
		}
		httpx.WriteJSON(w, http.StatusCreated, droneResponse(drone))
	})

	mux.HandleFunc("GET /api/v1/drones/{id}", func(w http.ResponseWriter, r *http.Request) {
		droneID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid drone id", nil)
			return
		}
		drone, err := coord.Get(r.Context(), droneID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "drone not found", nil)
				return
			}
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load drone", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, droneResponse(drone))
	})

	mux.HandleFunc("GET /api/v1/drones", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		drones, err := coord.List(r.Context(), r.URL.Query().Get("status"), limit, offset)
		if err != nil {
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list drones", nil)
			return
		}
		items := make([]map[string]any, 0, len(drones))
		for _, drone := range drones {
			items = append(items, droneResponse(drone))
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"drones": items})
	})

	mux.HandleFunc("POST /api/v1/drones/{id}/telemetry", func(w http.ResponseWriter, r *http.Request) {
		droneID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid drone id", nil)
			return
		}
		var body struct {
			BatteryPct float64 `json:"battery_pct"`
			Lat        float64 `json:"lat"`
			Lng        float64 `json:"lng"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid json body", nil)
			return
		}
		drone, err := coord.Telemetry(r.Context(), droneID, body.BatteryPct, body.Lat, body.Lng)
		if err != nil {
			writeDroneError(w, r, err, "failed to apply telemetry")
			return
		}
		httpx.WriteJSON(w, http.StatusOK, droneResponse(drone))
	})

	type transitionFunc func(ctx context.Context, droneID uuid.UUID) (domain.Drone, error)
	transition := func(op transitionFunc, failMsg string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			droneID, err := uuid.Parse(r.PathValue("id"))
			if err != nil {
				httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid drone id", nil)
				return
			}
			drone, err := op(r.Context(), droneID)
			if err != nil {
				writeDroneError(w, r, err, failMsg)
				return
			}
			httpx.WriteJSON(w, http.StatusOK, droneResponse(drone))
		}
	}

	mux.HandleFunc("POST /api/v1/drones/{id}/depart", transition(coord.Depart, "failed to depart"))
	mux.HandleFunc("POST /api/v1/drones/{id}/delivered", transition(coord.CompleteDelivery, "failed to mark delivered"))
	mux.HandleFunc("POST /api/v1/drones/{id}/returned", transition(coord.CompleteReturn, "failed to complete return"))
	mux.HandleFunc("POST /api/v1/drones/{id}/offline", transition(coord.MarkOffline, "failed to mark offline"))
	mux.HandleFunc("POST /api/v1/drones/{id}/recover", transition(coord.Recover, "failed to recover"))
	mux.HandleFunc("POST /api/v1/drones/{id}/charge", transition(coord.StartCharging, "failed to start charging"))

	mux.HandleFunc("POST /api/v1/drones/{id}/recharged", func(w http.ResponseWriter, r *http.Request) {
		droneID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid drone id", nil)
			return
		}
		var body struct {
			BatteryPct float64 `json:"battery_pct"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid json body", nil)
			return
		}
		drone, err := coord.FinishCharging(r.Context(), droneID, body.BatteryPct)
		if err != nil {
			writeDroneError(w, r, err, "failed to finish charging")
			return
		}
		httpx.WriteJSON(w, http.StatusOK, droneResponse(drone))
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
	handler = otelhttp.NewHandler(handler, "fleet-api")

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
	if cache != nil {
		_ = cache.Close()
	}
	if dbPool != nil {
		dbPool.Close()
	}
	_ = shutdownTracer(context.Background())
	logger.Info(context.Background(), "service_stop", "service stopped")
}

func writeDroneError(w http.ResponseWriter, r *http.Request, err error, failMsg string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "drone not found", nil)
	case errors.Is(err, domain.ErrInvalidTransition):
		httpx.WriteError(w, r, http.StatusConflict, "FAILED_PRECONDITION", "invalid drone state for operation", nil)
	case errors.Is(err, domain.ErrVersionConflict):
		httpx.WriteError(w, r, http.StatusConflict, "ABORTED", "concurrent update, retry", nil)
	default:
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", failMsg, nil)
	}
}

func droneResponse(drone domain.Drone) map[string]any {
	resp := map[string]any{
		"drone_id":    drone.DroneID,
		"status":      drone.Status,
		"battery_pct": drone.BatteryPct,
		"location":    drone.Location,
		"capacity_kg": drone.CapacityKg,
		"capacity_l":  drone.CapacityL,
		"version":     drone.Version,
		"created_at":  drone.CreatedAt,
		"updated_at":  drone.UpdatedAt,
	}
	if drone.CurrentOrderID != nil {
		resp["current_order_id"] = drone.CurrentOrderID
	}
	return resp
}
