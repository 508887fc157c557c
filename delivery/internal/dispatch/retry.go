package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// TaskAssignRetry is the asynq task type for deferred allocation attempts.
const TaskAssignRetry = "dispatch.assign_retry"

type assignRetryPayload struct {
	OrderID string `json:"order_id"`
	Attempt int    `json:"attempt"`
}

// AsynqScheduler schedules allocation retries through the task queue.
type AsynqScheduler struct {
	client *asynq.Client
	queue  string
}

func NewAsynqScheduler(redisOpt asynq.RedisClientOpt, queue string) *AsynqScheduler {
	return &AsynqScheduler{
		client: asynq.NewClient(redisOpt),
		queue:  queue,
	}
}

func (s *AsynqScheduler) EnqueueAssignRetry(ctx context.Context, orderID uuid.UUID, attempt int, delay time.Duration) error {
	payload, err := json.Marshal(assignRetryPayload{OrderID: orderID.String(), Attempt: attempt})
	if err != nil {
		return err
	}
	task := asynq.NewTask(TaskAssignRetry, payload, asynq.Queue(s.queue), asynq.ProcessIn(delay))
	_, err = s.client.EnqueueContext(ctx, task)
	return err
}

func (s *AsynqScheduler) Close() error {
	return s.client.Close()
}

// HandleAssignRetryTask is the asynq handler counterpart of
// EnqueueAssignRetry.
func (d *Dispatcher) HandleAssignRetryTask(ctx context.Context, t *asynq.Task) error {
	var payload assignRetryPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	orderID, err := uuid.Parse(payload.OrderID)
	if err != nil {
		return err
	}
	if payload.Attempt < 1 {
		payload.Attempt = 1
	}
	return d.TryAssign(ctx, orderID, payload.Attempt)
}
