package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"drone-delivery-dispatch/shared/cachex"
	"drone-delivery-dispatch/shared/events"
	"drone-delivery-dispatch/shared/geo"
	"drone-delivery-dispatch/shared/logx"
	"drone-delivery-dispatch/shared/metricsx"
)

const viewKeyPrefix = "drone:view:"

// DroneView is the delivery-side projection of a drone, built from status
// events. It can lag the fleet's truth; the allocator treats it as a hint and
// the CAS on the fleet side is what actually claims a drone.
type DroneView struct {
	DroneID    uuid.UUID      `json:"drone_id"`
	Status     string         `json:"status"`
	OrderID    *uuid.UUID     `json:"order_id,omitempty"`
	BatteryPct float64        `json:"battery_pct"`
	Location   geo.Coordinate `json:"location"`
	CapacityKg float64        `json:"capacity_kg"`
	CapacityL  float64        `json:"capacity_l"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Registry holds the drone view in memory and mirrors it to redis so a
// restarted dispatcher can warm up without waiting for fresh status events.
type Registry struct {
	mu     sync.RWMutex
	drones map[uuid.UUID]DroneView

	cache  *cachex.Client
	ttl    time.Duration
	logger logx.Logger
	now    func() time.Time
}

func New(cache *cachex.Client, ttl time.Duration, logger logx.Logger) *Registry {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Registry{
		drones: make(map[uuid.UUID]DroneView),
		cache:  cache,
		ttl:    ttl,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WarmStart loads mirrored views from redis. Failures degrade to an empty
// view, they never block startup.
func (r *Registry) WarmStart(ctx context.Context) {
	if r.cache == nil {
		return
	}
	keys, err := r.cache.ScanKeys(ctx, viewKeyPrefix+"*", 10000)
	if err != nil {
		r.logger.Warn(ctx, "registry_warm_failed", "drone view warm start failed",
			slog.String("error", err.Error()),
		)
		return
	}
	loaded := 0
	r.mu.Lock()
	for _, key := range keys {
		var view DroneView
		ok, err := r.cache.GetJSON(ctx, key, &view)
		if err != nil || !ok || view.DroneID == uuid.Nil {
			continue
		}
		r.drones[view.DroneID] = view
		loaded++
	}
	r.mu.Unlock()
	r.updateGauge()
	r.logger.Info(ctx, "registry_warm", "drone view warmed from cache",
		slog.Int("drones", loaded),
	)
}

// Apply folds one status event into the view. Out-of-order events are dropped
// by comparing the produced timestamp against the stored view.
func (r *Registry) Apply(ctx context.Context, payload events.DroneStatusPayload, producedAt time.Time) {
	if payload.DroneID == uuid.Nil {
		return
	}
	if producedAt.IsZero() {
		producedAt = r.now()
	}
	view := DroneView{
		DroneID:    payload.DroneID,
		Status:     payload.Status,
		OrderID:    payload.OrderID,
		BatteryPct: payload.BatteryPct,
		Location:   geo.Coordinate{Lat: payload.Lat, Lng: payload.Lng},
		CapacityKg: payload.CapacityKg,
		CapacityL:  payload.CapacityL,
		UpdatedAt:  producedAt,
	}

	r.mu.Lock()
	if existing, ok := r.drones[payload.DroneID]; ok && existing.UpdatedAt.After(producedAt) {
		r.mu.Unlock()
		return
	}
	r.drones[payload.DroneID] = view
	r.mu.Unlock()
	r.updateGauge()

	if r.cache != nil {
		if err := r.cache.SetJSON(ctx, viewKeyPrefix+payload.DroneID.String(), view, r.ttl); err != nil {
			r.logger.Warn(ctx, "registry_mirror_failed", "drone view mirror write failed",
				slog.String("drone_id", payload.DroneID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Idle returns fresh idle drones. Views older than the TTL are treated as
// unknown and skipped.
func (r *Registry) Idle() []DroneView {
	cutoff := r.now().Add(-r.ttl)
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DroneView, 0, len(r.drones))
	for _, view := range r.drones {
		if view.Status != "idle" {
			continue
		}
		if view.UpdatedAt.Before(cutoff) {
			continue
		}
		out = append(out, view)
	}
	return out
}

func (r *Registry) Snapshot() []DroneView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DroneView, 0, len(r.drones))
	for _, view := range r.drones {
		out = append(out, view)
	}
	return out
}

func (r *Registry) Get(droneID uuid.UUID) (DroneView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	view, ok := r.drones[droneID]
	return view, ok
}

func (r *Registry) updateGauge() {
	metricsx.SetDronesIdle(len(r.Idle()))
}
