package outboxx

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"drone-delivery-dispatch/shared/config"
	"drone-delivery-dispatch/shared/logx"
	"drone-delivery-dispatch/shared/metricsx"
	"drone-delivery-dispatch/shared/mqx"
)

const (
	taskOutboxScan     = "outbox.scan"
	taskOutboxDispatch = "outbox.dispatch"

	staleSendingAfter = 5 * time.Minute
)

type dispatchPayload struct {
	EventID string `json:"event_id"`
}

// Relay drains the outbox into Kafka. A periodic scan claims pending rows
// and fans them out as asynq dispatch tasks; each dispatch publishes one
// event and marks it delivered, retrying with quadratic backoff and parking
// repeatedly failing rows as dead.
type Relay struct {
	cfg      config.Config
	store    *Store
	producer *mqx.Producer
	logger   logx.Logger
	redisOpt asynq.RedisClientOpt
}

func NewRelay(cfg config.Config, store *Store, producer *mqx.Producer, logger logx.Logger) *Relay {
	return &Relay{
		cfg:      cfg,
		store:    store,
		producer: producer,
		logger:   logger,
		redisOpt: asynq.RedisClientOpt{
			Addr:     cfg.AsynqRedisAddr,
			Password: cfg.AsynqRedisPass,
			DB:       cfg.AsynqRedisDB,
		},
	}
}

// Run blocks until the context is cancelled or the asynq server fails.
func (r *Relay) Run(ctx context.Context) error {
	server := asynq.NewServer(r.redisOpt, asynq.Config{
		Concurrency: r.cfg.AsynqConcurrency,
		Queues: map[string]int{
			r.cfg.AsynqQueue: 1,
		},
	})
	defer server.Shutdown()

	mux := asynq.NewServeMux()
	mux.HandleFunc(taskOutboxScan, r.handleScan)
	mux.HandleFunc(taskOutboxDispatch, r.handleDispatch)

	scheduler := asynq.NewScheduler(r.redisOpt, &asynq.SchedulerOpts{Location: time.UTC})
	defer scheduler.Shutdown()
	if _, err := scheduler.Register("@every "+strconv.Itoa(r.cfg.OutboxScanSec)+"s", asynq.NewTask(taskOutboxScan, nil, asynq.Queue(r.cfg.AsynqQueue))); err != nil {
		return err
	}
	if err := scheduler.Start(); err != nil {
		return err
	}

	inspector := asynq.NewInspector(r.redisOpt)
	defer inspector.Close()
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				info, err := inspector.GetQueueInfo(r.cfg.AsynqQueue)
				if err != nil {
					continue
				}
				metricsx.SetAsynqQueueDepth(r.cfg.AsynqQueue, info.Size)
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		r.logger.Info(context.Background(), "relay_start", "outbox relay started",
			slog.String("queue", r.cfg.AsynqQueue),
			slog.Int("concurrency", r.cfg.AsynqConcurrency),
		)
		errCh <- server.Run(mux)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (r *Relay) handleScan(ctx context.Context, t *asynq.Task) error {
	reclaimed, err := r.store.ReclaimStale(ctx, staleSendingAfter)
	if err != nil {
		return err
	}
	if reclaimed > 0 {
		r.logger.Warn(ctx, "outbox_reclaimed", "stale sending rows returned to pending",
			slog.Int64("rows", reclaimed),
		)
	}

	claimed, err := r.store.ClaimPending(ctx, r.cfg.ServiceName, r.cfg.OutboxBatchSize)
	if err != nil {
		return err
	}
	client := asynq.NewClient(r.redisOpt)
	defer client.Close()
	for _, event := range claimed {
		payload, _ := json.Marshal(dispatchPayload{EventID: event.EventID.String()})
		task := asynq.NewTask(taskOutboxDispatch, payload, asynq.Queue(r.cfg.AsynqQueue))
		if _, err := client.Enqueue(task); err != nil {
			r.logger.Error(ctx, "enqueue_failed", "failed to enqueue outbox dispatch",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			attempts := event.Attempts + 1
			nextRetry := time.Now().UTC().Add(retryDelay(attempts))
			_ = r.store.MarkFailed(ctx, event.EventID, attempts, &nextRetry, err.Error(), attempts >= r.cfg.OutboxMaxAttempts)
		}
	}
	return nil
}

func (r *Relay) handleDispatch(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("asynq").Start(ctx, "outbox.dispatch")
	span.SetAttributes(attribute.String("queue", r.cfg.AsynqQueue))
	defer span.End()

	var payload dispatchPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	eventID, err := uuid.Parse(strings.TrimSpace(payload.EventID))
	if err != nil {
		return err
	}
	event, err := r.store.GetByID(ctx, eventID)
	if err != nil {
		return err
	}
	if event.Status == StatusDelivered || event.Status == StatusDead {
		return nil
	}
	headers := map[string]string{
		"event_id":     event.EventID.String(),
		"entity_id":    event.EntityID.String(),
		"published_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := r.producer.Publish(ctx, event.Topic, []byte(event.EntityID.String()), event.Payload, headers); err != nil {
		attempts := event.Attempts + 1
		nextRetry := time.Now().UTC().Add(retryDelay(attempts))
		dead := attempts >= r.cfg.OutboxMaxAttempts
		_ = r.store.MarkFailed(ctx, event.EventID, attempts, &nextRetry, err.Error(), dead)
		if dead {
			r.logger.Warn(ctx, "outbox_dead", "outbox event moved to dead state",
				slog.String("event_id", event.EventID.String()),
				slog.Int("attempts", attempts),
			)
			metricsx.IncDeadLetter(event.Topic)
			return nil
		}
		return err
	}
	return r.store.MarkDelivered(ctx, event.EventID)
}

func retryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 5 * time.Second
	}
	delay := time.Duration(attempt*attempt) * 5 * time.Second
	if delay > 5*time.Minute {
		return 5 * time.Minute
	}
	return delay
}
