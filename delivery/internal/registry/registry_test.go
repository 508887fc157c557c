package registry

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"drone-delivery-dispatch/shared/events"
	"drone-delivery-dispatch/shared/logx"
)

func testRegistry() *Registry {
	r := New(nil, 5*time.Minute, logx.New("registry-test", "test", "", "error"))
	return r
}

func statusEvent(droneID uuid.UUID, status string, battery float64) events.DroneStatusPayload {
	return events.DroneStatusPayload{
		DroneID:    droneID,
		Status:     status,
		BatteryPct: battery,
		Lat:        40.0,
		Lng:        -74.0,
		CapacityKg: 5,
		CapacityL:  10,
	}
}

func TestRegistryTracksIdleDrones(t *testing.T) {
	r := testRegistry()
	ctx := context.Background()
	idle := uuid.New()
	flying := uuid.New()

	r.Apply(ctx, statusEvent(idle, "idle", 80), time.Now().UTC())
	r.Apply(ctx, statusEvent(flying, "flying", 60), time.Now().UTC())

	views := r.Idle()
	if len(views) != 1 {
		t.Fatalf("expected 1 idle drone, got %d", len(views))
	}
	if views[0].DroneID != idle {
		t.Fatalf("wrong drone in idle set")
	}
}

func TestRegistryDropsOutOfOrderEvents(t *testing.T) {
	r := testRegistry()
	ctx := context.Background()
	droneID := uuid.New()
	now := time.Now().UTC()

	r.Apply(ctx, statusEvent(droneID, "flying", 50), now)
	r.Apply(ctx, statusEvent(droneID, "idle", 90), now.Add(-time.Minute))

	view, ok := r.Get(droneID)
	if !ok {
		t.Fatalf("drone missing from view")
	}
	if view.Status != "flying" {
		t.Fatalf("stale event must not overwrite newer view, got %s", view.Status)
	}
}

func TestRegistrySkipsStaleViews(t *testing.T) {
	r := testRegistry()
	ctx := context.Background()
	droneID := uuid.New()

	r.Apply(ctx, statusEvent(droneID, "idle", 80), time.Now().UTC().Add(-time.Hour))

	if views := r.Idle(); len(views) != 0 {
		t.Fatalf("stale view must not count as idle, got %d", len(views))
	}
}
