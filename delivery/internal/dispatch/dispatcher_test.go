package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"drone-delivery-dispatch/delivery/internal/domain"
	"drone-delivery-dispatch/delivery/internal/registry"
	"drone-delivery-dispatch/shared/config"
	"drone-delivery-dispatch/shared/events"
	"drone-delivery-dispatch/shared/logx"
	"drone-delivery-dispatch/shared/outboxx"
)

type memStore struct {
	mu         sync.Mutex
	orders     map[uuid.UUID]domain.Order
	staged     []outboxx.Event
	conflictsN int
}

func newMemStore() *memStore {
	return &memStore{orders: make(map[uuid.UUID]domain.Order)}
}

func (s *memStore) Create(ctx context.Context, order domain.Order, idempotencyKey string, evs ...outboxx.Event) (domain.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.OrderID] = order
	s.staged = append(s.staged, evs...)
	return order, true, nil
}

func (s *memStore) GetByID(ctx context.Context, orderID uuid.UUID) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return order, nil
}

func (s *memStore) List(ctx context.Context, status string, limit int, offset int) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, order := range s.orders {
		if status == "" || order.Status == status {
			out = append(out, order)
		}
	}
	return out, nil
}

func (s *memStore) UpdateCAS(ctx context.Context, order domain.Order, expectedVersion int64, evs ...outboxx.Event) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conflictsN > 0 {
		s.conflictsN--
		return domain.Order{}, domain.ErrVersionConflict
	}
	stored, ok := s.orders[order.OrderID]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	if stored.Version != expectedVersion {
		return domain.Order{}, domain.ErrVersionConflict
	}
	order.Version = expectedVersion + 1
	s.orders[order.OrderID] = order
	s.staged = append(s.staged, evs...)
	return order, nil
}

func (s *memStore) stagedTopics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	topics := make([]string, 0, len(s.staged))
	for _, ev := range s.staged {
		topics = append(topics, ev.Topic)
	}
	return topics
}

type memScheduler struct {
	mu    sync.Mutex
	calls []struct {
		OrderID uuid.UUID
		Attempt int
		Delay   time.Duration
	}
}

func (s *memScheduler) EnqueueAssignRetry(ctx context.Context, orderID uuid.UUID, attempt int, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, struct {
		OrderID uuid.UUID
		Attempt int
		Delay   time.Duration
	}{orderID, attempt, delay})
	return nil
}

func testConfig() config.Config {
	return config.Config{
		AssignMaxAttempts:   3,
		AssignBackoffBaseMS: 500,
		AssignBackoffMaxMS:  30000,
		BatteryFloorPct:     20,
		BatteryCostPerKm:    0.5,
		CASRetryMax:         5,
	}
}

func testDispatcher(t *testing.T) (*Dispatcher, *memStore, *memScheduler, *registry.Registry) {
	t.Helper()
	store := newMemStore()
	sched := &memScheduler{}
	logger := logx.New("dispatch-test", "test", "", "error")
	reg := registry.New(nil, 5*time.Minute, logger)
	return New(testConfig(), store, reg, sched, logger), store, sched, reg
}

func seedIdleDrone(reg *registry.Registry, id uuid.UUID) {
	reg.Apply(context.Background(), events.DroneStatusPayload{
		DroneID:    id,
		Status:     "idle",
		BatteryPct: 90,
		Lat:        40.0,
		Lng:        -74.0,
		CapacityKg: 5,
		CapacityL:  10,
	}, time.Now().UTC())
}

func intake(t *testing.T, d *Dispatcher) domain.Order {
	t.Helper()
	order, created, problems, err := d.Intake(context.Background(), IntakeRequest{
		OriginLat: 40.0, OriginLng: -74.0,
		DestLat: 40.05, DestLng: -74.0,
		WeightKg: 2, VolumeL: 3,
	}, "")
	if err != nil || !created || len(problems) != 0 {
		t.Fatalf("intake: created=%v problems=%v err=%v", created, problems, err)
	}
	return order
}

func TestIntakeStagesOrderCreatedEvent(t *testing.T) {
	d, store, _, _ := testDispatcher(t)
	order := intake(t, d)

	if order.Status != domain.StatusCreated {
		t.Fatalf("expected created, got %s", order.Status)
	}
	topics := store.stagedTopics()
	if len(topics) != 1 || topics[0] != events.TopicOrderCreated {
		t.Fatalf("expected one order.created event, got %v", topics)
	}
}

func TestIntakeRejectsInvalidRequest(t *testing.T) {
	d, _, _, _ := testDispatcher(t)
	_, _, problems, err := d.Intake(context.Background(), IntakeRequest{
		OriginLat: 91, WeightKg: -1,
	}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(problems) == 0 {
		t.Fatalf("expected validation problems")
	}
}

func TestTryAssignBindsDroneAndStagesAssign(t *testing.T) {
	d, store, _, reg := testDispatcher(t)
	droneID := uuid.New()
	seedIdleDrone(reg, droneID)
	order := intake(t, d)

	if err := d.TryAssign(context.Background(), order.OrderID, 1); err != nil {
		t.Fatalf("try assign: %v", err)
	}
	stored, _ := store.GetByID(context.Background(), order.OrderID)
	if stored.Status != domain.StatusAssigned {
		t.Fatalf("expected assigned, got %s", stored.Status)
	}
	if stored.AssignedDroneID == nil || *stored.AssignedDroneID != droneID {
		t.Fatalf("wrong drone pinned")
	}
	topics := store.stagedTopics()
	if topics[len(topics)-1] != events.TopicDroneAssign {
		t.Fatalf("expected drone.assign staged, got %v", topics)
	}
}

func TestTryAssignSchedulesRetryWhenNoDrone(t *testing.T) {
	d, store, sched, _ := testDispatcher(t)
	order := intake(t, d)

	if err := d.TryAssign(context.Background(), order.OrderID, 1); err != nil {
		t.Fatalf("try assign: %v", err)
	}
	if len(sched.calls) != 1 {
		t.Fatalf("expected 1 retry scheduled, got %d", len(sched.calls))
	}
	if sched.calls[0].Attempt != 2 || sched.calls[0].Delay != 500*time.Millisecond {
		t.Fatalf("unexpected retry call: %+v", sched.calls[0])
	}
	stored, _ := store.GetByID(context.Background(), order.OrderID)
	if stored.Status != domain.StatusCreated {
		t.Fatalf("order must stay created while retrying, got %s", stored.Status)
	}
}

func TestTryAssignFailsOrderAfterBudget(t *testing.T) {
	d, store, sched, _ := testDispatcher(t)
	order := intake(t, d)

	if err := d.TryAssign(context.Background(), order.OrderID, 3); err != nil {
		t.Fatalf("try assign: %v", err)
	}
	if len(sched.calls) != 0 {
		t.Fatalf("no retry expected past the budget")
	}
	stored, _ := store.GetByID(context.Background(), order.OrderID)
	if stored.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}
	if stored.FailReason == nil || *stored.FailReason != domain.FailReasonNoCapacity {
		t.Fatalf("expected no_capacity reason")
	}
}

func TestTryAssignSkipsCancelledOrder(t *testing.T) {
	d, store, sched, reg := testDispatcher(t)
	seedIdleDrone(reg, uuid.New())
	order := intake(t, d)

	if _, err := d.Cancel(context.Background(), order.OrderID, "customer"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := d.TryAssign(context.Background(), order.OrderID, 1); err != nil {
		t.Fatalf("try assign on cancelled order must no-op: %v", err)
	}
	stored, _ := store.GetByID(context.Background(), order.OrderID)
	if stored.Status != domain.StatusCancelled {
		t.Fatalf("cancelled order must stay cancelled, got %s", stored.Status)
	}
	if len(sched.calls) != 0 {
		t.Fatalf("no retry for a cancelled order")
	}
}

func TestTryAssignRetriesCASConflicts(t *testing.T) {
	d, store, _, reg := testDispatcher(t)
	seedIdleDrone(reg, uuid.New())
	order := intake(t, d)
	store.conflictsN = 2

	if err := d.TryAssign(context.Background(), order.OrderID, 1); err != nil {
		t.Fatalf("try assign: %v", err)
	}
	stored, _ := store.GetByID(context.Background(), order.OrderID)
	if stored.Status != domain.StatusAssigned {
		t.Fatalf("expected assigned after conflict retries, got %s", stored.Status)
	}
}

func TestTryAssignGivesUpAfterCASBudget(t *testing.T) {
	d, store, _, reg := testDispatcher(t)
	seedIdleDrone(reg, uuid.New())
	order := intake(t, d)
	store.conflictsN = 10

	err := d.TryAssign(context.Background(), order.OrderID, 1)
	if !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("expected version conflict surfaced, got %v", err)
	}
}

func TestHandleAssignRejectedReturnsOrderToPool(t *testing.T) {
	d, store, sched, reg := testDispatcher(t)
	droneID := uuid.New()
	seedIdleDrone(reg, droneID)
	order := intake(t, d)
	if err := d.TryAssign(context.Background(), order.OrderID, 1); err != nil {
		t.Fatalf("try assign: %v", err)
	}

	env, err := events.New(order.OrderID, events.TopicDroneAssignRejected, "reject", events.DroneAssignRejectedPayload{
		OrderID: order.OrderID,
		DroneID: droneID,
		Reason:  "battery_low",
	})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if err := d.HandleAssignRejected(context.Background(), env); err != nil {
		t.Fatalf("handle rejected: %v", err)
	}

	stored, _ := store.GetByID(context.Background(), order.OrderID)
	if stored.Status != domain.StatusCreated {
		t.Fatalf("expected created after rejection, got %s", stored.Status)
	}
	if stored.AssignedDroneID != nil {
		t.Fatalf("drone pin must clear on rejection")
	}
	if len(sched.calls) != 1 {
		t.Fatalf("expected a retry after rejection, got %d", len(sched.calls))
	}
}

func TestHandleAssignRejectedFailsInTransitOrder(t *testing.T) {
	d, store, sched, reg := testDispatcher(t)
	droneID := uuid.New()
	seedIdleDrone(reg, droneID)
	order := intake(t, d)
	if err := d.TryAssign(context.Background(), order.OrderID, 1); err != nil {
		t.Fatalf("try assign: %v", err)
	}
	if err := d.markInTransit(context.Background(), order.OrderID, droneID); err != nil {
		t.Fatalf("mark in transit: %v", err)
	}

	// The drone dropped offline mid-flight with the package on board.
	env, err := events.New(order.OrderID, events.TopicDroneAssignRejected, "reject", events.DroneAssignRejectedPayload{
		OrderID: order.OrderID,
		DroneID: droneID,
		Reason:  "offline",
	})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if err := d.HandleAssignRejected(context.Background(), env); err != nil {
		t.Fatalf("handle rejected: %v", err)
	}

	stored, _ := store.GetByID(context.Background(), order.OrderID)
	if stored.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}
	if stored.FailReason == nil || *stored.FailReason != domain.FailReasonDroneLost {
		t.Fatalf("expected drone_offline reason, got %v", stored.FailReason)
	}
	if stored.AssignedDroneID != nil {
		t.Fatalf("drone pin must clear on failure")
	}
	if len(sched.calls) != 0 {
		t.Fatalf("no reallocation for a package on a lost drone")
	}
}

func TestHandleDroneStatusIgnoresUnrelatedDrone(t *testing.T) {
	d, store, _, reg := testDispatcher(t)
	droneID := uuid.New()
	seedIdleDrone(reg, droneID)
	order := intake(t, d)
	if err := d.TryAssign(context.Background(), order.OrderID, 1); err != nil {
		t.Fatalf("try assign: %v", err)
	}

	other := uuid.New()
	flying := events.DroneStatusPayload{
		DroneID: other,
		Status:  "flying",
		OrderID: &order.OrderID,
	}
	env, _ := events.New(other, events.TopicDroneStatusUpdated, "depart:"+order.OrderID.String(), flying)
	if err := d.HandleDroneStatus(context.Background(), env); err != nil {
		t.Fatalf("handle flying: %v", err)
	}
	stored, _ := store.GetByID(context.Background(), order.OrderID)
	if stored.Status != domain.StatusAssigned {
		t.Fatalf("status event from an unbound drone must not advance the order, got %s", stored.Status)
	}

	done := events.DroneStatusPayload{
		DroneID:   other,
		Status:    "idle",
		OrderID:   &order.OrderID,
		Delivered: true,
	}
	env, _ = events.New(other, events.TopicDroneStatusUpdated, "deliver:"+order.OrderID.String(), done)
	if err := d.HandleDroneStatus(context.Background(), env); err != nil {
		t.Fatalf("handle delivered: %v", err)
	}
	stored, _ = store.GetByID(context.Background(), order.OrderID)
	if stored.Status != domain.StatusAssigned {
		t.Fatalf("delivered flag from an unbound drone must not close the order, got %s", stored.Status)
	}
}

func TestUpdateCASExactlyOneWinner(t *testing.T) {
	d, store, _, _ := testDispatcher(t)
	order := intake(t, d)

	base, err := store.GetByID(context.Background(), order.OrderID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		droneID := uuid.New()
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			candidate := base
			if err := candidate.Assign(id, time.Now().UTC()); err != nil {
				results <- err
				return
			}
			_, err := store.UpdateCAS(context.Background(), candidate, base.Version)
			results <- err
		}(droneID)
	}
	wg.Wait()
	close(results)

	wins, conflicts := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, domain.ErrVersionConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("expected exactly one winner and one conflict, got %d/%d", wins, conflicts)
	}

	stored, _ := store.GetByID(context.Background(), order.OrderID)
	if stored.Version != base.Version+1 {
		t.Fatalf("expected a single version bump, got %d", stored.Version)
	}
	if stored.Status != domain.StatusAssigned || stored.AssignedDroneID == nil {
		t.Fatalf("winning write must be fully applied")
	}
}

func TestHandleDroneStatusWalksOrderForward(t *testing.T) {
	d, store, _, reg := testDispatcher(t)
	droneID := uuid.New()
	seedIdleDrone(reg, droneID)
	order := intake(t, d)
	if err := d.TryAssign(context.Background(), order.OrderID, 1); err != nil {
		t.Fatalf("try assign: %v", err)
	}

	flying := events.DroneStatusPayload{
		DroneID: droneID,
		Status:  "flying",
		OrderID: &order.OrderID,
	}
	env, _ := events.New(droneID, events.TopicDroneStatusUpdated, "depart:"+order.OrderID.String(), flying)
	if err := d.HandleDroneStatus(context.Background(), env); err != nil {
		t.Fatalf("handle flying: %v", err)
	}
	stored, _ := store.GetByID(context.Background(), order.OrderID)
	if stored.Status != domain.StatusInTransit {
		t.Fatalf("expected in_transit, got %s", stored.Status)
	}

	done := events.DroneStatusPayload{
		DroneID:   droneID,
		Status:    "idle",
		OrderID:   &order.OrderID,
		Delivered: true,
	}
	env, _ = events.New(droneID, events.TopicDroneStatusUpdated, "deliver:"+order.OrderID.String(), done)
	if err := d.HandleDroneStatus(context.Background(), env); err != nil {
		t.Fatalf("handle delivered: %v", err)
	}
	stored, _ = store.GetByID(context.Background(), order.OrderID)
	if stored.Status != domain.StatusDelivered {
		t.Fatalf("expected delivered, got %s", stored.Status)
	}

	// Duplicate delivery of the same event must not disturb the final state.
	version := stored.Version
	if err := d.HandleDroneStatus(context.Background(), env); err != nil {
		t.Fatalf("duplicate delivered: %v", err)
	}
	stored, _ = store.GetByID(context.Background(), order.OrderID)
	if stored.Status != domain.StatusDelivered || stored.Version != version {
		t.Fatalf("duplicate event must be a no-op")
	}
}

func TestCancelStagesEventAndIsIdempotent(t *testing.T) {
	d, store, _, _ := testDispatcher(t)
	order := intake(t, d)

	cancelled, err := d.Cancel(context.Background(), order.OrderID, "customer")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	topics := store.stagedTopics()
	if topics[len(topics)-1] != events.TopicOrderCancelled {
		t.Fatalf("expected order.cancelled staged, got %v", topics)
	}

	again, err := d.Cancel(context.Background(), order.OrderID, "customer")
	if err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
	if again.Version != cancelled.Version {
		t.Fatalf("repeat cancel must be a no-op")
	}
}

func TestCancelRejectsInTransitOrder(t *testing.T) {
	d, _, _, reg := testDispatcher(t)
	droneID := uuid.New()
	seedIdleDrone(reg, droneID)
	order := intake(t, d)
	if err := d.TryAssign(context.Background(), order.OrderID, 1); err != nil {
		t.Fatalf("try assign: %v", err)
	}
	if err := d.markInTransit(context.Background(), order.OrderID, droneID); err != nil {
		t.Fatalf("mark in transit: %v", err)
	}

	_, err := d.Cancel(context.Background(), order.OrderID, "customer")
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}
