package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"drone-delivery-dispatch/delivery/internal/domain"
	"drone-delivery-dispatch/delivery/internal/registry"
	"drone-delivery-dispatch/shared/config"
	"drone-delivery-dispatch/shared/events"
	"drone-delivery-dispatch/shared/geo"
	"drone-delivery-dispatch/shared/logx"
	"drone-delivery-dispatch/shared/metricsx"
	"drone-delivery-dispatch/shared/outboxx"
)

// OrderStore is the persistence surface the dispatcher needs. The pgx repo
// implements it in production; tests use an in-memory double.
type OrderStore interface {
	Create(ctx context.Context, order domain.Order, idempotencyKey string, evs ...outboxx.Event) (domain.Order, bool, error)
	GetByID(ctx context.Context, orderID uuid.UUID) (domain.Order, error)
	List(ctx context.Context, status string, limit int, offset int) ([]domain.Order, error)
	UpdateCAS(ctx context.Context, order domain.Order, expectedVersion int64, evs ...outboxx.Event) (domain.Order, error)
}

// RetryScheduler defers an allocation retry. Kafka has no delayed delivery,
// so retries ride the task queue instead of being republished.
type RetryScheduler interface {
	EnqueueAssignRetry(ctx context.Context, orderID uuid.UUID, attempt int, delay time.Duration) error
}

// Dispatcher owns the order side of the flow: intake, allocation, and the
// reactions to fleet events. All state changes go through version CAS on the
// store; there are no locks anywhere in the path.
type Dispatcher struct {
	cfg      config.Config
	orders   OrderStore
	registry *registry.Registry
	retries  RetryScheduler
	logger   logx.Logger
	now      func() time.Time
}

func New(cfg config.Config, orders OrderStore, reg *registry.Registry, retries RetryScheduler, logger logx.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		orders:   orders,
		registry: reg,
		retries:  retries,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type IntakeRequest struct {
	OriginLat float64 `json:"origin_lat"`
	OriginLng float64 `json:"origin_lng"`
	DestLat   float64 `json:"dest_lat"`
	DestLng   float64 `json:"dest_lng"`
	WeightKg  float64 `json:"weight_kg"`
	VolumeL   float64 `json:"volume_l"`
}

// Intake validates and persists a new order together with its order.created
// event. A repeated idempotency key returns the stored order unchanged.
func (d *Dispatcher) Intake(ctx context.Context, req IntakeRequest, idempotencyKey string) (domain.Order, bool, []domain.Problem, error) {
	order, problems := domain.NewOrder(
		coordinate(req.OriginLat, req.OriginLng),
		coordinate(req.DestLat, req.DestLng),
		req.WeightKg, req.VolumeL,
	)
	if len(problems) > 0 {
		return domain.Order{}, false, problems, nil
	}

	ev, err := outboxEvent(events.TopicOrderCreated, order.OrderID, domain.TransitionCreate, events.OrderCreatedPayload{
		OrderID:   order.OrderID,
		OriginLat: order.Origin.Lat,
		OriginLng: order.Origin.Lng,
		DestLat:   order.Dest.Lat,
		DestLng:   order.Dest.Lng,
		WeightKg:  order.WeightKg,
		VolumeL:   order.VolumeL,
	})
	if err != nil {
		return domain.Order{}, false, nil, err
	}

	stored, created, err := d.orders.Create(ctx, order, idempotencyKey, ev)
	if err != nil {
		return domain.Order{}, false, nil, err
	}
	if created {
		metricsx.IncOrdersCreated()
		d.logger.Info(ctx, "order_created", "order accepted",
			slog.String("order_id", stored.OrderID.String()),
		)
	}
	return stored, created, nil, nil
}

func (d *Dispatcher) Get(ctx context.Context, orderID uuid.UUID) (domain.Order, error) {
	return d.orders.GetByID(ctx, orderID)
}

func (d *Dispatcher) List(ctx context.Context, status string, limit int, offset int) ([]domain.Order, error) {
	return d.orders.List(ctx, status, limit, offset)
}

// Cancel moves a created or assigned order to cancelled and emits
// order.cancelled. In-transit and terminal orders are not cancellable.
func (d *Dispatcher) Cancel(ctx context.Context, orderID uuid.UUID, reason string) (domain.Order, error) {
	for attempt := 0; attempt < d.cfg.CASRetryMax; attempt++ {
		order, err := d.orders.GetByID(ctx, orderID)
		if err != nil {
			return domain.Order{}, err
		}
		if order.Status == domain.StatusCancelled {
			return order, nil
		}
		if err := order.Cancel(d.now()); err != nil {
			return domain.Order{}, err
		}
		ev, err := outboxEvent(events.TopicOrderCancelled, orderID, domain.TransitionCancel, events.OrderCancelledPayload{
			OrderID: orderID,
			Reason:  reason,
		})
		if err != nil {
			return domain.Order{}, err
		}
		stored, err := d.orders.UpdateCAS(ctx, order, order.Version, ev)
		if errors.Is(err, domain.ErrVersionConflict) {
			metricsx.IncVersionConflict("order")
			continue
		}
		if err != nil {
			return domain.Order{}, err
		}
		d.logger.Info(ctx, "order_cancelled", "order cancelled",
			slog.String("order_id", orderID.String()),
			slog.String("reason", reason),
		)
		return stored, nil
	}
	return domain.Order{}, domain.ErrVersionConflict
}

// HandleOrderCreated consumes order.created and runs the first allocation
// attempt.
func (d *Dispatcher) HandleOrderCreated(ctx context.Context, env events.Envelope) error {
	var payload events.OrderCreatedPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return err
	}
	return d.TryAssign(ctx, payload.OrderID, 1)
}

// TryAssign allocates a drone for the order, or schedules a later attempt,
// or fails the order once the attempt budget is spent. Re-delivery of the
// same event is harmless: any order no longer in created is left alone.
func (d *Dispatcher) TryAssign(ctx context.Context, orderID uuid.UUID, attempt int) error {
	for cas := 0; cas < d.cfg.CASRetryMax; cas++ {
		order, err := d.orders.GetByID(ctx, orderID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			return err
		}
		if order.Status != domain.StatusCreated {
			return nil
		}

		chosen, selErr := SelectDrone(d.registry.Idle(), order, AllocationPolicy{
			BatteryFloorPct:  d.cfg.BatteryFloorPct,
			BatteryCostPerKm: d.cfg.BatteryCostPerKm,
		})
		if selErr != nil {
			if !errors.Is(selErr, ErrNoCapacity) {
				return selErr
			}
			return d.handleNoCapacity(ctx, order, attempt)
		}

		now := d.now()
		if err := order.Assign(chosen.DroneID, now); err != nil {
			return nil
		}
		order.AssignAttempts = attempt
		ev, err := outboxEvent(events.TopicDroneAssign, orderID, domain.TransitionAssign, events.DroneAssignPayload{
			OrderID: orderID,
			DroneID: chosen.DroneID,
		})
		if err != nil {
			return err
		}
		stored, err := d.orders.UpdateCAS(ctx, order, order.Version, ev)
		if errors.Is(err, domain.ErrVersionConflict) {
			metricsx.IncVersionConflict("order")
			continue
		}
		if err != nil {
			return err
		}
		metricsx.ObserveAssignmentLatency(now.Sub(stored.CreatedAt))
		d.logger.Info(ctx, "order_assigned", "drone assigned to order",
			slog.String("order_id", orderID.String()),
			slog.String("drone_id", chosen.DroneID.String()),
			slog.Int("attempt", attempt),
		)
		return nil
	}
	return domain.ErrVersionConflict
}

func (d *Dispatcher) handleNoCapacity(ctx context.Context, order domain.Order, attempt int) error {
	if attempt < d.cfg.AssignMaxAttempts {
		delay := d.cfg.AssignBackoff(attempt)
		d.logger.Info(ctx, "assign_deferred", "no eligible drone, retry scheduled",
			slog.String("order_id", order.OrderID.String()),
			slog.Int("attempt", attempt),
			slog.Int64("delay_ms", delay.Milliseconds()),
		)
		return d.retries.EnqueueAssignRetry(ctx, order.OrderID, attempt+1, delay)
	}

	if err := order.Fail(domain.FailReasonNoCapacity, d.now()); err != nil {
		return nil
	}
	order.AssignAttempts = attempt
	_, err := d.orders.UpdateCAS(ctx, order, order.Version)
	if errors.Is(err, domain.ErrVersionConflict) {
		metricsx.IncVersionConflict("order")
		return nil
	}
	if err != nil {
		return err
	}
	metricsx.IncOrdersFailed(domain.FailReasonNoCapacity)
	d.logger.Warn(ctx, "order_failed", "allocation attempts exhausted",
		slog.String("order_id", order.OrderID.String()),
		slog.Int("attempts", attempt),
	)
	return nil
}

// HandleAssignRejected consumes drone.assign.rejected. For an assigned order
// the drone never took off: the order goes back to the pool and allocation is
// retried against the remaining attempt budget. For an in-transit order the
// drone went offline mid-flight with the package on board, so the order fails
// with a machine-readable reason instead of being silently dropped.
func (d *Dispatcher) HandleAssignRejected(ctx context.Context, env events.Envelope) error {
	var payload events.DroneAssignRejectedPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return err
	}
	for cas := 0; cas < d.cfg.CASRetryMax; cas++ {
		order, err := d.orders.GetByID(ctx, payload.OrderID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			return err
		}
		if order.AssignedDroneID == nil || *order.AssignedDroneID != payload.DroneID {
			return nil
		}
		if order.Status == domain.StatusInTransit {
			if err := order.Fail(domain.FailReasonDroneLost, d.now()); err != nil {
				return nil
			}
			_, err := d.orders.UpdateCAS(ctx, order, order.Version)
			if errors.Is(err, domain.ErrVersionConflict) {
				metricsx.IncVersionConflict("order")
				continue
			}
			if err != nil {
				return err
			}
			metricsx.IncOrdersFailed(domain.FailReasonDroneLost)
			d.logger.Warn(ctx, "order_failed", "drone lost in transit",
				slog.String("order_id", payload.OrderID.String()),
				slog.String("drone_id", payload.DroneID.String()),
				slog.String("reason", payload.Reason),
			)
			return nil
		}
		if order.Status != domain.StatusAssigned {
			return nil
		}
		attempt := order.AssignAttempts
		if err := order.Unassign(d.now()); err != nil {
			return nil
		}
		stored, err := d.orders.UpdateCAS(ctx, order, order.Version)
		if errors.Is(err, domain.ErrVersionConflict) {
			metricsx.IncVersionConflict("order")
			continue
		}
		if err != nil {
			return err
		}
		d.logger.Info(ctx, "assign_rejected", "assignment rejected by fleet",
			slog.String("order_id", payload.OrderID.String()),
			slog.String("drone_id", payload.DroneID.String()),
			slog.String("reason", payload.Reason),
		)
		if attempt >= d.cfg.AssignMaxAttempts {
			return d.handleNoCapacity(ctx, stored, attempt)
		}
		return d.retries.EnqueueAssignRetry(ctx, payload.OrderID, attempt+1, d.cfg.AssignBackoff(attempt))
	}
	return domain.ErrVersionConflict
}

// HandleDroneStatus consumes drone.status.updated: it refreshes the drone
// view and walks the bound order forward when the drone departs or closes
// out a delivery.
func (d *Dispatcher) HandleDroneStatus(ctx context.Context, env events.Envelope) error {
	var payload events.DroneStatusPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return err
	}
	d.registry.Apply(ctx, payload, env.ProducedAt)

	if payload.OrderID == nil {
		return nil
	}
	switch {
	case payload.Status == "flying":
		return d.markInTransit(ctx, *payload.OrderID, payload.DroneID)
	case payload.Delivered:
		return d.markDelivered(ctx, *payload.OrderID, payload.DroneID)
	}
	return nil
}

func (d *Dispatcher) markInTransit(ctx context.Context, orderID uuid.UUID, droneID uuid.UUID) error {
	for cas := 0; cas < d.cfg.CASRetryMax; cas++ {
		order, err := d.orders.GetByID(ctx, orderID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			return err
		}
		if order.Status != domain.StatusAssigned {
			return nil
		}
		if order.AssignedDroneID == nil || *order.AssignedDroneID != droneID {
			return nil
		}
		if err := order.Depart(d.now()); err != nil {
			return nil
		}
		_, err = d.orders.UpdateCAS(ctx, order, order.Version)
		if errors.Is(err, domain.ErrVersionConflict) {
			metricsx.IncVersionConflict("order")
			continue
		}
		return err
	}
	return domain.ErrVersionConflict
}

func (d *Dispatcher) markDelivered(ctx context.Context, orderID uuid.UUID, droneID uuid.UUID) error {
	for cas := 0; cas < d.cfg.CASRetryMax; cas++ {
		order, err := d.orders.GetByID(ctx, orderID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			return err
		}
		if order.Status == domain.StatusDelivered {
			return nil
		}
		if order.AssignedDroneID == nil || *order.AssignedDroneID != droneID {
			return nil
		}
		if err := order.Deliver(d.now()); err != nil {
			return nil
		}
		_, err = d.orders.UpdateCAS(ctx, order, order.Version)
		if errors.Is(err, domain.ErrVersionConflict) {
			metricsx.IncVersionConflict("order")
			continue
		}
		if err != nil {
			return err
		}
		d.logger.Info(ctx, "order_delivered", "order delivered",
			slog.String("order_id", orderID.String()),
		)
		return nil
	}
	return domain.ErrVersionConflict
}

func coordinate(lat float64, lng float64) geo.Coordinate {
	return geo.Coordinate{Lat: lat, Lng: lng}
}

func outboxEvent(topic string, entityID uuid.UUID, transition string, payload any) (outboxx.Event, error) {
	env, err := events.New(entityID, topic, transition, payload)
	if err != nil {
		return outboxx.Event{}, err
	}
	return outboxx.FromEnvelope(topic, env)
}
