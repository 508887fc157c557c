package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"drone-delivery-dispatch/fleet/internal/domain"
	"drone-delivery-dispatch/shared/config"
	"drone-delivery-dispatch/shared/events"
	"drone-delivery-dispatch/shared/geo"
	"drone-delivery-dispatch/shared/logx"
	"drone-delivery-dispatch/shared/metricsx"
	"drone-delivery-dispatch/shared/outboxx"
)

// DroneStore is the persistence surface the coordinator needs.
type DroneStore interface {
	Create(ctx context.Context, drone domain.Drone, evs ...outboxx.Event) (domain.Drone, error)
	GetByID(ctx context.Context, droneID uuid.UUID) (domain.Drone, error)
	List(ctx context.Context, status string, limit int, offset int) ([]domain.Drone, error)
	FindByOrder(ctx context.Context, orderID uuid.UUID) (domain.Drone, error)
	UpdateCAS(ctx context.Context, drone domain.Drone, expectedVersion int64, evs ...outboxx.Event) (domain.Drone, error)
	StageEvents(ctx context.Context, evs ...outboxx.Event) error
}

// CancelGuard remembers recently cancelled orders so a late drone.assign for
// one of them is dropped instead of claiming a drone.
type CancelGuard interface {
	MarkCancelled(ctx context.Context, orderID uuid.UUID) error
	IsCancelled(ctx context.Context, orderID uuid.UUID) (bool, error)
}

// TelemetrySink records battery/location samples and status transitions for
// fleet history. Writes are best effort; failures count a metric and move on.
type TelemetrySink interface {
	WriteTelemetry(ctx context.Context, droneID string, batteryPct float64, lat float64, lng float64, ts time.Time) error
	WriteTransition(ctx context.Context, droneID string, fromStatus string, toStatus string, ts time.Time) error
}

// Coordinator owns the drone side of the flow: claiming drones for
// assignments, walking missions through their legs, and publishing a status
// event for every change so the delivery side can follow along.
type Coordinator struct {
	cfg    config.Config
	drones DroneStore
	guard  CancelGuard
	sink   TelemetrySink
	logger logx.Logger
	now    func() time.Time
}

func New(cfg config.Config, drones DroneStore, guard CancelGuard, sink TelemetrySink, logger logx.Logger) *Coordinator {
	return &Coordinator{
		cfg:    cfg,
		drones: drones,
		guard:  guard,
		sink:   sink,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type RegisterRequest struct {
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	BatteryPct float64 `json:"battery_pct"`
	CapacityKg float64 `json:"capacity_kg"`
	CapacityL  float64 `json:"capacity_l"`
}

// Register adds a drone to the fleet and announces it as idle.
func (c *Coordinator) Register(ctx context.Context, req RegisterRequest) (domain.Drone, []domain.Problem, error) {
	drone, problems := domain.NewDrone(geo.Coordinate{Lat: req.Lat, Lng: req.Lng}, req.BatteryPct, req.CapacityKg, req.CapacityL)
	if len(problems) > 0 {
		return domain.Drone{}, problems, nil
	}
	ev, err := statusEvent(drone, domain.TransitionRegister, nil, false)
	if err != nil {
		return domain.Drone{}, nil, err
	}
	stored, err := c.drones.Create(ctx, drone, ev)
	if err != nil {
		return domain.Drone{}, nil, err
	}
	c.logger.Info(ctx, "drone_registered", "drone registered",
		slog.String("drone_id", stored.DroneID.String()),
	)
	return stored, nil, nil
}

func (c *Coordinator) Get(ctx context.Context, droneID uuid.UUID) (domain.Drone, error) {
	return c.drones.GetByID(ctx, droneID)
}

func (c *Coordinator) List(ctx context.Context, status string, limit int, offset int) ([]domain.Drone, error) {
	return c.drones.List(ctx, status, limit, offset)
}

// HandleAssign consumes drone.assign. The claim is a CAS from idle; anything
// else produces drone.assign.rejected so the dispatcher reallocates. A
// command for an already cancelled order is dropped.
func (c *Coordinator) HandleAssign(ctx context.Context, env events.Envelope) error {
	var payload events.DroneAssignPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return err
	}

	cancelled, err := c.guard.IsCancelled(ctx, payload.OrderID)
	if err != nil {
		return err
	}
	if cancelled {
		c.logger.Info(ctx, "assign_dropped", "assignment for cancelled order dropped",
			slog.String("order_id", payload.OrderID.String()),
			slog.String("drone_id", payload.DroneID.String()),
		)
		return nil
	}

	for cas := 0; cas < c.cfg.CASRetryMax; cas++ {
		drone, err := c.drones.GetByID(ctx, payload.DroneID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return c.reject(ctx, payload, domain.RejectReasonOffline)
			}
			return err
		}
		if drone.CurrentOrderID != nil && *drone.CurrentOrderID == payload.OrderID {
			return nil
		}
		if drone.Status != domain.StatusIdle {
			return c.reject(ctx, payload, domain.RejectReasonNotIdle)
		}
		if drone.BatteryPct < c.cfg.BatteryFloorPct {
			return c.reject(ctx, payload, domain.RejectReasonBatteryLow)
		}

		if err := drone.Claim(payload.OrderID, c.now()); err != nil {
			return c.reject(ctx, payload, domain.RejectReasonNotIdle)
		}
		ev, err := statusEvent(drone, domain.TransitionClaim+":"+payload.OrderID.String(), drone.CurrentOrderID, false)
		if err != nil {
			return err
		}
		stored, err := c.drones.UpdateCAS(ctx, drone, drone.Version, ev)
		if errors.Is(err, domain.ErrVersionConflict) {
			metricsx.IncVersionConflict("drone")
			continue
		}
		if err != nil {
			return err
		}
		c.recordTransition(ctx, stored.DroneID, domain.StatusIdle, domain.StatusAssigned)
		c.logger.Info(ctx, "drone_claimed", "drone claimed for order",
			slog.String("drone_id", payload.DroneID.String()),
			slog.String("order_id", payload.OrderID.String()),
		)
		return nil
	}
	return c.reject(ctx, payload, domain.RejectReasonNotIdle)
}

func (c *Coordinator) reject(ctx context.Context, payload events.DroneAssignPayload, reason string) error {
	env, err := events.New(payload.OrderID, events.TopicDroneAssignRejected,
		"reject:"+payload.DroneID.String()+":"+reason,
		events.DroneAssignRejectedPayload{
			OrderID: payload.OrderID,
			DroneID: payload.DroneID,
			Reason:  reason,
		})
	if err != nil {
		return err
	}
	ev, err := outboxx.FromEnvelope(events.TopicDroneAssignRejected, env)
	if err != nil {
		return err
	}
	if err := c.drones.StageEvents(ctx, ev); err != nil {
		return err
	}
	c.logger.Info(ctx, "assign_rejected", "assignment rejected",
		slog.String("order_id", payload.OrderID.String()),
		slog.String("drone_id", payload.DroneID.String()),
		slog.String("reason", reason),
	)
	return nil
}

// HandleOrderCancelled consumes order.cancelled: it arms the guard against a
// late assignment and releases the drone if one is already claimed but has
// not departed.
func (c *Coordinator) HandleOrderCancelled(ctx context.Context, env events.Envelope) error {
	var payload events.OrderCancelledPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return err
	}
	if err := c.guard.MarkCancelled(ctx, payload.OrderID); err != nil {
		return err
	}

	for cas := 0; cas < c.cfg.CASRetryMax; cas++ {
		drone, err := c.drones.FindByOrder(ctx, payload.OrderID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			return err
		}
		if drone.Status != domain.StatusAssigned {
			return nil
		}
		if err := drone.Release(c.now()); err != nil {
			return nil
		}
		ev, err := statusEvent(drone, domain.TransitionRelease+":"+payload.OrderID.String(), nil, false)
		if err != nil {
			return err
		}
		_, err = c.drones.UpdateCAS(ctx, drone, drone.Version, ev)
		if errors.Is(err, domain.ErrVersionConflict) {
			metricsx.IncVersionConflict("drone")
			continue
		}
		if err != nil {
			return err
		}
		c.recordTransition(ctx, drone.DroneID, domain.StatusAssigned, domain.StatusIdle)
		c.logger.Info(ctx, "drone_released", "drone released after cancellation",
			slog.String("drone_id", drone.DroneID.String()),
			slog.String("order_id", payload.OrderID.String()),
		)
		return nil
	}
	return domain.ErrVersionConflict
}

// Depart moves an assigned drone into the air. The flying status event drives
// the order to in_transit on the delivery side.
func (c *Coordinator) Depart(ctx context.Context, droneID uuid.UUID) (domain.Drone, error) {
	return c.transition(ctx, droneID, func(drone *domain.Drone) (string, *uuid.UUID, bool, error) {
		orderID := drone.CurrentOrderID
		if err := drone.Depart(c.now()); err != nil {
			return "", nil, false, err
		}
		name := domain.TransitionDepart
		if orderID != nil {
			name += ":" + orderID.String()
		}
		return name, orderID, false, nil
	})
}

// CompleteDelivery marks the delivery leg done; the drone heads home.
func (c *Coordinator) CompleteDelivery(ctx context.Context, droneID uuid.UUID) (domain.Drone, error) {
	return c.transition(ctx, droneID, func(drone *domain.Drone) (string, *uuid.UUID, bool, error) {
		orderID := drone.CurrentOrderID
		if err := drone.StartReturn(c.now()); err != nil {
			return "", nil, false, err
		}
		name := domain.TransitionReturn
		if orderID != nil {
			name += ":" + orderID.String()
		}
		return name, nil, false, nil
	})
}

// CompleteReturn lands the drone. The closing status event carries the
// delivered order id and the terminal delivery flag.
func (c *Coordinator) CompleteReturn(ctx context.Context, droneID uuid.UUID) (domain.Drone, error) {
	return c.transition(ctx, droneID, func(drone *domain.Drone) (string, *uuid.UUID, bool, error) {
		delivered, err := drone.Complete(c.now())
		if err != nil {
			return "", nil, false, err
		}
		name := domain.TransitionComplete
		if delivered != nil {
			name += ":" + delivered.String()
		}
		return name, delivered, delivered != nil, nil
	})
}

// Telemetry applies a battery/location sample. The drone keeps its status but
// a fresh status event still goes out so the delivery-side view stays warm.
func (c *Coordinator) Telemetry(ctx context.Context, droneID uuid.UUID, batteryPct float64, lat float64, lng float64) (domain.Drone, error) {
	var stored domain.Drone
	for cas := 0; cas < c.cfg.CASRetryMax; cas++ {
		drone, err := c.drones.GetByID(ctx, droneID)
		if err != nil {
			return domain.Drone{}, err
		}
		sampledAt := c.now()
		if err := drone.ApplyTelemetry(batteryPct, geo.Coordinate{Lat: lat, Lng: lng}, sampledAt); err != nil {
			return domain.Drone{}, err
		}
		ev, err := statusEvent(drone, fmt.Sprintf("telemetry:%d", sampledAt.UnixNano()), drone.CurrentOrderID, false)
		if err != nil {
			return domain.Drone{}, err
		}
		stored, err = c.drones.UpdateCAS(ctx, drone, drone.Version, ev)
		if errors.Is(err, domain.ErrVersionConflict) {
			metricsx.IncVersionConflict("drone")
			continue
		}
		if err != nil {
			return domain.Drone{}, err
		}
		if c.sink != nil {
			if err := c.sink.WriteTelemetry(ctx, droneID.String(), batteryPct, lat, lng, sampledAt); err != nil {
				metricsx.IncInfluxWriteFailure()
				c.logger.Warn(ctx, "telemetry_sink_failed", "telemetry write failed",
					slog.String("drone_id", droneID.String()),
					slog.String("error", err.Error()),
				)
			}
		}
		return stored, nil
	}
	return domain.Drone{}, domain.ErrVersionConflict
}

// MarkOffline takes a drone out of service. If it was holding an order the
// dispatcher is told to reallocate via drone.assign.rejected.
func (c *Coordinator) MarkOffline(ctx context.Context, droneID uuid.UUID) (domain.Drone, error) {
	for cas := 0; cas < c.cfg.CASRetryMax; cas++ {
		drone, err := c.drones.GetByID(ctx, droneID)
		if err != nil {
			return domain.Drone{}, err
		}
		if drone.Status == domain.StatusOffline {
			return drone, nil
		}
		from := drone.Status
		orphaned := drone.MarkOffline(c.now())

		evs := make([]outboxx.Event, 0, 2)
		ev, err := statusEvent(drone, domain.TransitionOffline+":v"+fmt.Sprint(drone.Version), nil, false)
		if err != nil {
			return domain.Drone{}, err
		}
		evs = append(evs, ev)
		if orphaned != nil {
			env, err := events.New(*orphaned, events.TopicDroneAssignRejected,
				"reject:"+droneID.String()+":"+domain.RejectReasonOffline,
				events.DroneAssignRejectedPayload{
					OrderID: *orphaned,
					DroneID: droneID,
					Reason:  domain.RejectReasonOffline,
				})
			if err != nil {
				return domain.Drone{}, err
			}
			rejected, err := outboxx.FromEnvelope(events.TopicDroneAssignRejected, env)
			if err != nil {
				return domain.Drone{}, err
			}
			evs = append(evs, rejected)
		}

		stored, err := c.drones.UpdateCAS(ctx, drone, drone.Version, evs...)
		if errors.Is(err, domain.ErrVersionConflict) {
			metricsx.IncVersionConflict("drone")
			continue
		}
		if err != nil {
			return domain.Drone{}, err
		}
		c.recordTransition(ctx, droneID, from, domain.StatusOffline)
		c.logger.Warn(ctx, "drone_offline", "drone marked offline",
			slog.String("drone_id", droneID.String()),
		)
		return stored, nil
	}
	return domain.Drone{}, domain.ErrVersionConflict
}

// Recover brings an offline drone back to idle.
func (c *Coordinator) Recover(ctx context.Context, droneID uuid.UUID) (domain.Drone, error) {
	return c.transition(ctx, droneID, func(drone *domain.Drone) (string, *uuid.UUID, bool, error) {
		if err := drone.Recover(c.now()); err != nil {
			return "", nil, false, err
		}
		return domain.TransitionRecover + ":v" + fmt.Sprint(drone.Version), nil, false, nil
	})
}

func (c *Coordinator) StartCharging(ctx context.Context, droneID uuid.UUID) (domain.Drone, error) {
	return c.transition(ctx, droneID, func(drone *domain.Drone) (string, *uuid.UUID, bool, error) {
		if err := drone.StartCharging(c.now()); err != nil {
			return "", nil, false, err
		}
		return domain.TransitionCharge + ":v" + fmt.Sprint(drone.Version), nil, false, nil
	})
}

func (c *Coordinator) FinishCharging(ctx context.Context, droneID uuid.UUID, batteryPct float64) (domain.Drone, error) {
	return c.transition(ctx, droneID, func(drone *domain.Drone) (string, *uuid.UUID, bool, error) {
		if err := drone.FinishCharging(batteryPct, c.now()); err != nil {
			return "", nil, false, err
		}
		return domain.TransitionRecharge + ":v" + fmt.Sprint(drone.Version), nil, false, nil
	})
}

// transition runs a mutation under the CAS retry loop and publishes the
// resulting status event.
func (c *Coordinator) transition(ctx context.Context, droneID uuid.UUID, mutate func(*domain.Drone) (string, *uuid.UUID, bool, error)) (domain.Drone, error) {
	for cas := 0; cas < c.cfg.CASRetryMax; cas++ {
		drone, err := c.drones.GetByID(ctx, droneID)
		if err != nil {
			return domain.Drone{}, err
		}
		from := drone.Status
		name, orderID, delivered, err := mutate(&drone)
		if err != nil {
			return domain.Drone{}, err
		}
		ev, err := statusEvent(drone, name, orderID, delivered)
		if err != nil {
			return domain.Drone{}, err
		}
		stored, err := c.drones.UpdateCAS(ctx, drone, drone.Version, ev)
		if errors.Is(err, domain.ErrVersionConflict) {
			metricsx.IncVersionConflict("drone")
			continue
		}
		if err != nil {
			return domain.Drone{}, err
		}
		c.recordTransition(ctx, droneID, from, stored.Status)
		return stored, nil
	}
	return domain.Drone{}, domain.ErrVersionConflict
}

func (c *Coordinator) recordTransition(ctx context.Context, droneID uuid.UUID, from string, to string) {
	if c.sink == nil || from == to {
		return
	}
	if err := c.sink.WriteTransition(ctx, droneID.String(), from, to, c.now()); err != nil {
		metricsx.IncInfluxWriteFailure()
		c.logger.Warn(ctx, "transition_sink_failed", "transition history write failed",
			slog.String("drone_id", droneID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// statusEvent builds the drone.status.updated outbox event reflecting the
// drone after a mutation.
func statusEvent(drone domain.Drone, transition string, orderID *uuid.UUID, delivered bool) (outboxx.Event, error) {
	env, err := events.New(drone.DroneID, events.TopicDroneStatusUpdated, transition, events.DroneStatusPayload{
		DroneID:    drone.DroneID,
		Status:     drone.Status,
		OrderID:    orderID,
		BatteryPct: drone.BatteryPct,
		Lat:        drone.Location.Lat,
		Lng:        drone.Location.Lng,
		CapacityKg: drone.CapacityKg,
		CapacityL:  drone.CapacityL,
		Delivered:  delivered,
	})
	if err != nil {
		return outboxx.Event{}, err
	}
	return outboxx.FromEnvelope(events.TopicDroneStatusUpdated, env)
}
