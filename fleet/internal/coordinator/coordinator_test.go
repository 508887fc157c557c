package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"drone-delivery-dispatch/fleet/internal/domain"
	"drone-delivery-dispatch/shared/config"
	"drone-delivery-dispatch/shared/events"
	"drone-delivery-dispatch/shared/logx"
	"drone-delivery-dispatch/shared/outboxx"
)

type memDroneStore struct {
	mu         sync.Mutex
	drones     map[uuid.UUID]domain.Drone
	staged     []outboxx.Event
	conflictsN int
}

func newMemDroneStore() *memDroneStore {
	return &memDroneStore{drones: make(map[uuid.UUID]domain.Drone)}
}

func (s *memDroneStore) Create(ctx context.Context, drone domain.Drone, evs ...outboxx.Event) (domain.Drone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drones[drone.DroneID] = drone
	s.staged = append(s.staged, evs...)
	return drone, nil
}

func (s *memDroneStore) GetByID(ctx context.Context, droneID uuid.UUID) (domain.Drone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	drone, ok := s.drones[droneID]
	if !ok {
		return domain.Drone{}, domain.ErrNotFound
	}
	return drone, nil
}

func (s *memDroneStore) List(ctx context.Context, status string, limit int, offset int) ([]domain.Drone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Drone
	for _, drone := range s.drones {
		if status == "" || drone.Status == status {
			out = append(out, drone)
		}
	}
	return out, nil
}

func (s *memDroneStore) FindByOrder(ctx context.Context, orderID uuid.UUID) (domain.Drone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, drone := range s.drones {
		if drone.CurrentOrderID != nil && *drone.CurrentOrderID == orderID {
			return drone, nil
		}
	}
	return domain.Drone{}, domain.ErrNotFound
}

func (s *memDroneStore) UpdateCAS(ctx context.Context, drone domain.Drone, expectedVersion int64, evs ...outboxx.Event) (domain.Drone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conflictsN > 0 {
		s.conflictsN--
		return domain.Drone{}, domain.ErrVersionConflict
	}
	stored, ok := s.drones[drone.DroneID]
	if !ok {
		return domain.Drone{}, domain.ErrNotFound
	}
	if stored.Version != expectedVersion {
		return domain.Drone{}, domain.ErrVersionConflict
	}
	drone.Version = expectedVersion + 1
	s.drones[drone.DroneID] = drone
	s.staged = append(s.staged, evs...)
	return drone, nil
}

func (s *memDroneStore) StageEvents(ctx context.Context, evs ...outboxx.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged = append(s.staged, evs...)
	return nil
}

func (s *memDroneStore) lastStatusPayload(t *testing.T) events.DroneStatusPayload {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.staged) - 1; i >= 0; i-- {
		if s.staged[i].Topic != events.TopicDroneStatusUpdated {
			continue
		}
		var env events.Envelope
		if err := json.Unmarshal(s.staged[i].Payload, &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		var payload events.DroneStatusPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		return payload
	}
	t.Fatalf("no status event staged")
	return events.DroneStatusPayload{}
}

func (s *memDroneStore) countTopic(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.staged {
		if ev.Topic == topic {
			n++
		}
	}
	return n
}

type memGuard struct {
	mu        sync.Mutex
	cancelled map[uuid.UUID]bool
}

func newMemGuard() *memGuard {
	return &memGuard{cancelled: make(map[uuid.UUID]bool)}
}

func (g *memGuard) MarkCancelled(ctx context.Context, orderID uuid.UUID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled[orderID] = true
	return nil
}

func (g *memGuard) IsCancelled(ctx context.Context, orderID uuid.UUID) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancelled[orderID], nil
}

type memSink struct {
	mu          sync.Mutex
	telemetry   int
	transitions []string
}

func (s *memSink) WriteTelemetry(ctx context.Context, droneID string, batteryPct float64, lat float64, lng float64, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.telemetry++
	return nil
}

func (s *memSink) WriteTransition(ctx context.Context, droneID string, fromStatus string, toStatus string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, fromStatus+"->"+toStatus)
	return nil
}

func testCoordinator(t *testing.T) (*Coordinator, *memDroneStore, *memGuard, *memSink) {
	t.Helper()
	store := newMemDroneStore()
	guard := newMemGuard()
	sink := &memSink{}
	cfg := config.Config{BatteryFloorPct: 20, CASRetryMax: 5}
	logger := logx.New("coordinator-test", "test", "", "error")
	return New(cfg, store, guard, sink, logger), store, guard, sink
}

func registerDrone(t *testing.T, c *Coordinator) domain.Drone {
	t.Helper()
	drone, problems, err := c.Register(context.Background(), RegisterRequest{
		Lat: 40.0, Lng: -74.0, BatteryPct: 90, CapacityKg: 5, CapacityL: 10,
	})
	if err != nil || len(problems) != 0 {
		t.Fatalf("register: problems=%v err=%v", problems, err)
	}
	return drone
}

func assignEnvelope(t *testing.T, orderID uuid.UUID, droneID uuid.UUID) events.Envelope {
	t.Helper()
	env, err := events.New(orderID, events.TopicDroneAssign, "assign", events.DroneAssignPayload{
		OrderID: orderID,
		DroneID: droneID,
	})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return env
}

func TestHandleAssignClaimsIdleDrone(t *testing.T) {
	c, store, _, _ := testCoordinator(t)
	drone := registerDrone(t, c)
	orderID := uuid.New()

	if err := c.HandleAssign(context.Background(), assignEnvelope(t, orderID, drone.DroneID)); err != nil {
		t.Fatalf("handle assign: %v", err)
	}
	stored, _ := store.GetByID(context.Background(), drone.DroneID)
	if stored.Status != domain.StatusAssigned {
		t.Fatalf("expected assigned, got %s", stored.Status)
	}
	payload := store.lastStatusPayload(t)
	if payload.Status != domain.StatusAssigned || payload.OrderID == nil || *payload.OrderID != orderID {
		t.Fatalf("status event must carry the claim: %+v", payload)
	}
}

func TestHandleAssignIsIdempotent(t *testing.T) {
	c, store, _, _ := testCoordinator(t)
	drone := registerDrone(t, c)
	orderID := uuid.New()
	env := assignEnvelope(t, orderID, drone.DroneID)

	if err := c.HandleAssign(context.Background(), env); err != nil {
		t.Fatalf("first assign: %v", err)
	}
	before, _ := store.GetByID(context.Background(), drone.DroneID)
	if err := c.HandleAssign(context.Background(), env); err != nil {
		t.Fatalf("duplicate assign: %v", err)
	}
	after, _ := store.GetByID(context.Background(), drone.DroneID)
	if after.Version != before.Version {
		t.Fatalf("duplicate assign must be a no-op")
	}
	if n := store.countTopic(events.TopicDroneAssignRejected); n != 0 {
		t.Fatalf("duplicate assign must not reject, got %d rejections", n)
	}
}

func TestHandleAssignRejectsBusyDrone(t *testing.T) {
	c, store, _, _ := testCoordinator(t)
	drone := registerDrone(t, c)

	if err := c.HandleAssign(context.Background(), assignEnvelope(t, uuid.New(), drone.DroneID)); err != nil {
		t.Fatalf("first assign: %v", err)
	}
	if err := c.HandleAssign(context.Background(), assignEnvelope(t, uuid.New(), drone.DroneID)); err != nil {
		t.Fatalf("second assign: %v", err)
	}
	if n := store.countTopic(events.TopicDroneAssignRejected); n != 1 {
		t.Fatalf("expected 1 rejection, got %d", n)
	}
}

func TestHandleAssignDropsCancelledOrder(t *testing.T) {
	c, store, guard, _ := testCoordinator(t)
	drone := registerDrone(t, c)
	orderID := uuid.New()
	_ = guard.MarkCancelled(context.Background(), orderID)

	if err := c.HandleAssign(context.Background(), assignEnvelope(t, orderID, drone.DroneID)); err != nil {
		t.Fatalf("handle assign: %v", err)
	}
	stored, _ := store.GetByID(context.Background(), drone.DroneID)
	if stored.Status != domain.StatusIdle {
		t.Fatalf("drone must stay idle for a cancelled order, got %s", stored.Status)
	}
	if n := store.countTopic(events.TopicDroneAssignRejected); n != 0 {
		t.Fatalf("cancelled order must be dropped silently, got %d rejections", n)
	}
}

func TestHandleAssignRetriesCASConflicts(t *testing.T) {
	c, store, _, _ := testCoordinator(t)
	drone := registerDrone(t, c)
	store.conflictsN = 2

	if err := c.HandleAssign(context.Background(), assignEnvelope(t, uuid.New(), drone.DroneID)); err != nil {
		t.Fatalf("handle assign: %v", err)
	}
	stored, _ := store.GetByID(context.Background(), drone.DroneID)
	if stored.Status != domain.StatusAssigned {
		t.Fatalf("expected assigned after conflict retries, got %s", stored.Status)
	}
}

func TestHandleOrderCancelledReleasesDrone(t *testing.T) {
	c, store, _, _ := testCoordinator(t)
	drone := registerDrone(t, c)
	orderID := uuid.New()
	if err := c.HandleAssign(context.Background(), assignEnvelope(t, orderID, drone.DroneID)); err != nil {
		t.Fatalf("assign: %v", err)
	}

	env, _ := events.New(orderID, events.TopicOrderCancelled, "cancel", events.OrderCancelledPayload{
		OrderID: orderID,
		Reason:  "customer",
	})
	if err := c.HandleOrderCancelled(context.Background(), env); err != nil {
		t.Fatalf("handle cancelled: %v", err)
	}
	stored, _ := store.GetByID(context.Background(), drone.DroneID)
	if stored.Status != domain.StatusIdle || stored.CurrentOrderID != nil {
		t.Fatalf("drone must be released, got %s", stored.Status)
	}
}

func TestHandleOrderCancelledLeavesFlyingDrone(t *testing.T) {
	c, store, _, _ := testCoordinator(t)
	drone := registerDrone(t, c)
	orderID := uuid.New()
	if err := c.HandleAssign(context.Background(), assignEnvelope(t, orderID, drone.DroneID)); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := c.Depart(context.Background(), drone.DroneID); err != nil {
		t.Fatalf("depart: %v", err)
	}

	env, _ := events.New(orderID, events.TopicOrderCancelled, "cancel", events.OrderCancelledPayload{
		OrderID: orderID,
	})
	if err := c.HandleOrderCancelled(context.Background(), env); err != nil {
		t.Fatalf("handle cancelled: %v", err)
	}
	stored, _ := store.GetByID(context.Background(), drone.DroneID)
	if stored.Status != domain.StatusFlying {
		t.Fatalf("flying drones finish their mission, got %s", stored.Status)
	}
}

func TestMissionPublishesDeliveredOnReturn(t *testing.T) {
	c, store, _, sink := testCoordinator(t)
	drone := registerDrone(t, c)
	orderID := uuid.New()

	if err := c.HandleAssign(context.Background(), assignEnvelope(t, orderID, drone.DroneID)); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := c.Depart(context.Background(), drone.DroneID); err != nil {
		t.Fatalf("depart: %v", err)
	}
	payload := store.lastStatusPayload(t)
	if payload.Status != domain.StatusFlying || payload.OrderID == nil {
		t.Fatalf("flying event must carry the order: %+v", payload)
	}

	if _, err := c.CompleteDelivery(context.Background(), drone.DroneID); err != nil {
		t.Fatalf("complete delivery: %v", err)
	}
	if _, err := c.CompleteReturn(context.Background(), drone.DroneID); err != nil {
		t.Fatalf("complete return: %v", err)
	}

	payload = store.lastStatusPayload(t)
	if payload.Status != domain.StatusIdle || !payload.Delivered {
		t.Fatalf("closing event must flag delivery: %+v", payload)
	}
	if payload.OrderID == nil || *payload.OrderID != orderID {
		t.Fatalf("closing event must name the delivered order")
	}

	sink.mu.Lock()
	transitions := len(sink.transitions)
	sink.mu.Unlock()
	if transitions == 0 {
		t.Fatalf("transitions must be recorded in the history sink")
	}
}

func TestTelemetryUpdatesWithoutTransition(t *testing.T) {
	c, store, _, sink := testCoordinator(t)
	drone := registerDrone(t, c)

	updated, err := c.Telemetry(context.Background(), drone.DroneID, 64, 40.2, -74.2)
	if err != nil {
		t.Fatalf("telemetry: %v", err)
	}
	if updated.Status != domain.StatusIdle {
		t.Fatalf("telemetry must not change status")
	}
	if updated.BatteryPct != 64 || updated.Location.Lat != 40.2 {
		t.Fatalf("telemetry must update battery and location")
	}
	payload := store.lastStatusPayload(t)
	if payload.BatteryPct != 64 {
		t.Fatalf("status event must reflect fresh telemetry")
	}
	sink.mu.Lock()
	samples := sink.telemetry
	sink.mu.Unlock()
	if samples != 1 {
		t.Fatalf("expected 1 telemetry sample in the sink, got %d", samples)
	}
}

func TestMarkOfflineRejectsHeldOrder(t *testing.T) {
	c, store, _, _ := testCoordinator(t)
	drone := registerDrone(t, c)
	orderID := uuid.New()
	if err := c.HandleAssign(context.Background(), assignEnvelope(t, orderID, drone.DroneID)); err != nil {
		t.Fatalf("assign: %v", err)
	}

	stored, err := c.MarkOffline(context.Background(), drone.DroneID)
	if err != nil {
		t.Fatalf("mark offline: %v", err)
	}
	if stored.Status != domain.StatusOffline || stored.CurrentOrderID != nil {
		t.Fatalf("offline drone must drop its pin")
	}
	if n := store.countTopic(events.TopicDroneAssignRejected); n != 1 {
		t.Fatalf("offline must surface the orphaned order, got %d rejections", n)
	}

	if _, err := c.Recover(context.Background(), drone.DroneID); err != nil {
		t.Fatalf("recover: %v", err)
	}
	recovered, _ := store.GetByID(context.Background(), drone.DroneID)
	if recovered.Status != domain.StatusIdle {
		t.Fatalf("expected idle after recovery, got %s", recovered.Status)
	}
}

func TestChargingCycle(t *testing.T) {
	c, store, _, _ := testCoordinator(t)
	drone := registerDrone(t, c)

	if _, err := c.StartCharging(context.Background(), drone.DroneID); err != nil {
		t.Fatalf("start charging: %v", err)
	}
	if err := c.HandleAssign(context.Background(), assignEnvelope(t, uuid.New(), drone.DroneID)); err != nil {
		t.Fatalf("assign while charging: %v", err)
	}
	if n := store.countTopic(events.TopicDroneAssignRejected); n != 1 {
		t.Fatalf("charging drone must reject assignments, got %d", n)
	}
	if _, err := c.FinishCharging(context.Background(), drone.DroneID, 100); err != nil {
		t.Fatalf("finish charging: %v", err)
	}
	stored, _ := store.GetByID(context.Background(), drone.DroneID)
	if stored.Status != domain.StatusIdle || stored.BatteryPct != 100 {
		t.Fatalf("expected idle at full battery")
	}
}
