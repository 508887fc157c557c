package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"drone-delivery-dispatch/shared/geo"
)

func newTestDrone(t *testing.T) Drone {
	t.Helper()
	drone, problems := NewDrone(geo.Coordinate{Lat: 40.0, Lng: -74.0}, 90, 5, 10)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %v", problems)
	}
	return drone
}

func TestNewDroneRejectsBadInput(t *testing.T) {
	_, problems := NewDrone(geo.Coordinate{Lat: 91, Lng: 0}, 150, 0, -1)
	if len(problems) != 4 {
		t.Fatalf("expected 4 problems, got %d: %v", len(problems), problems)
	}
}

func TestDroneMissionLifecycle(t *testing.T) {
	drone := newTestDrone(t)
	orderID := uuid.New()
	now := time.Now().UTC()

	if err := drone.Claim(orderID, now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := drone.CheckInvariants(); err != nil {
		t.Fatalf("invariants after claim: %v", err)
	}
	if err := drone.Depart(now); err != nil {
		t.Fatalf("depart: %v", err)
	}
	if drone.CurrentOrderID == nil || *drone.CurrentOrderID != orderID {
		t.Fatalf("order pin must survive departure")
	}
	if err := drone.StartReturn(now); err != nil {
		t.Fatalf("start return: %v", err)
	}
	if drone.CurrentOrderID != nil {
		t.Fatalf("order pin must clear while returning")
	}
	if err := drone.CheckInvariants(); err != nil {
		t.Fatalf("invariants while returning: %v", err)
	}

	delivered, err := drone.Complete(now)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if delivered == nil || *delivered != orderID {
		t.Fatalf("completion must report the delivered order")
	}
	if drone.Status != StatusIdle {
		t.Fatalf("expected idle after completion, got %s", drone.Status)
	}
	if err := drone.CheckInvariants(); err != nil {
		t.Fatalf("invariants after completion: %v", err)
	}
}

func TestDroneClaimRequiresIdle(t *testing.T) {
	drone := newTestDrone(t)
	now := time.Now().UTC()

	if err := drone.Claim(uuid.New(), now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := drone.Claim(uuid.New(), now); err != ErrInvalidTransition {
		t.Fatalf("second claim must fail, got %v", err)
	}
}

func TestDroneReleaseBeforeDeparture(t *testing.T) {
	drone := newTestDrone(t)
	now := time.Now().UTC()

	if err := drone.Claim(uuid.New(), now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := drone.Release(now); err != nil {
		t.Fatalf("release: %v", err)
	}
	if drone.Status != StatusIdle || drone.CurrentOrderID != nil {
		t.Fatalf("release must restore idle with no pin")
	}

	if err := drone.Claim(uuid.New(), now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := drone.Depart(now); err != nil {
		t.Fatalf("depart: %v", err)
	}
	if err := drone.Release(now); err != ErrInvalidTransition {
		t.Fatalf("flying drones cannot be released, got %v", err)
	}
}

func TestDroneOfflineAndRecovery(t *testing.T) {
	drone := newTestDrone(t)
	orderID := uuid.New()
	now := time.Now().UTC()

	if err := drone.Claim(orderID, now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	orphaned := drone.MarkOffline(now)
	if orphaned == nil || *orphaned != orderID {
		t.Fatalf("offline must surface the orphaned order")
	}
	if err := drone.CheckInvariants(); err != nil {
		t.Fatalf("invariants while offline: %v", err)
	}
	if err := drone.Depart(now); err != ErrInvalidTransition {
		t.Fatalf("offline drones cannot fly, got %v", err)
	}
	if err := drone.Recover(now); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if drone.Status != StatusIdle {
		t.Fatalf("expected idle after recovery, got %s", drone.Status)
	}
}

func TestDroneChargingCycle(t *testing.T) {
	drone := newTestDrone(t)
	now := time.Now().UTC()

	if err := drone.StartCharging(now); err != nil {
		t.Fatalf("start charging: %v", err)
	}
	if err := drone.Claim(uuid.New(), now); err != ErrInvalidTransition {
		t.Fatalf("charging drones cannot be claimed, got %v", err)
	}
	if err := drone.FinishCharging(100, now); err != nil {
		t.Fatalf("finish charging: %v", err)
	}
	if drone.Status != StatusIdle || drone.BatteryPct != 100 {
		t.Fatalf("expected idle at full battery")
	}
}

func TestDroneTelemetryKeepsStatus(t *testing.T) {
	drone := newTestDrone(t)
	now := time.Now().UTC()

	if err := drone.Claim(uuid.New(), now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := drone.ApplyTelemetry(75, geo.Coordinate{Lat: 40.1, Lng: -74.1}, now); err != nil {
		t.Fatalf("telemetry: %v", err)
	}
	if drone.Status != StatusAssigned {
		t.Fatalf("telemetry must not change status")
	}
	if drone.BatteryPct != 75 || drone.Location.Lat != 40.1 {
		t.Fatalf("telemetry must update battery and location")
	}
	if err := drone.ApplyTelemetry(120, drone.Location, now); err == nil {
		t.Fatalf("battery above 100 must be rejected")
	}
}
