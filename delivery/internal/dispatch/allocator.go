package dispatch

import (
	"errors"
	"sort"

	"drone-delivery-dispatch/delivery/internal/domain"
	"drone-delivery-dispatch/delivery/internal/registry"
	"drone-delivery-dispatch/shared/geo"
)

// ErrNoCapacity means no drone in the current view can take the order.
var ErrNoCapacity = errors.New("no eligible drone available")

// AllocationPolicy holds the battery thresholds the allocator applies.
type AllocationPolicy struct {
	BatteryFloorPct  float64
	BatteryCostPerKm float64
}

// missionKm is the flight the drone would perform: reach the pickup point,
// then fly the delivery leg, then fly it back to return.
func missionKm(view registry.DroneView, order domain.Order) float64 {
	leg := order.DistanceKm()
	return geo.DistanceKm(view.Location, order.Origin) + 2*leg
}

// SelectDrone picks a drone for the order from the candidate views.
//
// A drone is eligible when it is idle, carries the weight and volume, and has
// enough battery to finish the whole mission and still sit above the floor.
// Among eligible drones the closest to the pickup point wins; ties go to the
// cheaper mission in battery terms, then to the smallest drone id so the
// choice is deterministic.
func SelectDrone(candidates []registry.DroneView, order domain.Order, policy AllocationPolicy) (registry.DroneView, error) {
	type scored struct {
		view       registry.DroneView
		pickupKm   float64
		batteryUse float64
	}
	eligible := make([]scored, 0, len(candidates))
	for _, view := range candidates {
		if view.Status != "idle" {
			continue
		}
		if view.CapacityKg < order.WeightKg || view.CapacityL < order.VolumeL {
			continue
		}
		use := missionKm(view, order) * policy.BatteryCostPerKm
		if view.BatteryPct-use < policy.BatteryFloorPct {
			continue
		}
		eligible = append(eligible, scored{
			view:       view,
			pickupKm:   geo.DistanceKm(view.Location, order.Origin),
			batteryUse: use,
		})
	}
	if len(eligible) == 0 {
		return registry.DroneView{}, ErrNoCapacity
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].pickupKm != eligible[j].pickupKm {
			return eligible[i].pickupKm < eligible[j].pickupKm
		}
		if eligible[i].batteryUse != eligible[j].batteryUse {
			return eligible[i].batteryUse < eligible[j].batteryUse
		}
		return eligible[i].view.DroneID.String() < eligible[j].view.DroneID.String()
	})
	return eligible[0].view, nil
}
