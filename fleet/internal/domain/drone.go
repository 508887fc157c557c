package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"drone-delivery-dispatch/shared/geo"
)

// Drone statuses. Offline is reachable from anywhere and needs manual
// recovery; charging is only entered from idle.
const (
	StatusIdle      = "idle"
	StatusAssigned  = "assigned"
	StatusFlying    = "flying"
	StatusReturning = "returning"
	StatusCharging  = "charging"
	StatusOffline   = "offline"
)

const (
	TransitionRegister = "register"
	TransitionClaim    = "claim"
	TransitionRelease  = "release"
	TransitionDepart   = "depart"
	TransitionReturn   = "return"
	TransitionComplete = "complete"
	TransitionCharge   = "charge"
	TransitionRecharge = "recharged"
	TransitionOffline  = "offline"
	TransitionRecover  = "recover"
)

const (
	RejectReasonNotIdle    = "not_idle"
	RejectReasonBatteryLow = "battery_low"
	RejectReasonOffline    = "offline"
)

var (
	ErrInvalidTransition = errors.New("invalid drone transition")
	ErrNotFound          = errors.New("drone not found")
	ErrVersionConflict   = errors.New("drone version conflict")
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Drone is the fleet-side record. CurrentOrderID is set exactly while the
// drone is assigned or flying; LastOrderID bridges the returning leg so the
// closing status event can still name the order it delivered.
type Drone struct {
	DroneID        uuid.UUID
	Status         string
	CurrentOrderID *uuid.UUID
	LastOrderID    *uuid.UUID
	BatteryPct     float64
	Location       geo.Coordinate
	CapacityKg     float64
	CapacityL      float64
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

var transitions = map[string]map[string]bool{
	StatusIdle: {
		StatusAssigned: true,
		StatusCharging: true,
		StatusOffline:  true,
	},
	StatusAssigned: {
		StatusFlying:  true,
		StatusIdle:    true,
		StatusOffline: true,
	},
	StatusFlying: {
		StatusReturning: true,
		StatusOffline:   true,
	},
	StatusReturning: {
		StatusIdle:    true,
		StatusOffline: true,
	},
	StatusCharging: {
		StatusIdle:    true,
		StatusOffline: true,
	},
	StatusOffline: {
		StatusIdle: true,
	},
}

func CanTransition(from string, to string) bool {
	return transitions[from][to]
}

// NewDrone validates registration fields and builds an idle drone.
func NewDrone(location geo.Coordinate, batteryPct float64, capacityKg float64, capacityL float64) (Drone, []Problem) {
	problems := make([]Problem, 0, 4)
	if err := location.Validate(); err != nil {
		problems = append(problems, Problem{Field: "location", Message: err.Error()})
	}
	if batteryPct < 0 || batteryPct > 100 {
		problems = append(problems, Problem{Field: "battery_pct", Message: "battery_pct must be 0-100"})
	}
	if capacityKg <= 0 {
		problems = append(problems, Problem{Field: "capacity_kg", Message: "capacity_kg must be > 0"})
	}
	if capacityL <= 0 {
		problems = append(problems, Problem{Field: "capacity_l", Message: "capacity_l must be > 0"})
	}
	if len(problems) > 0 {
		return Drone{}, problems
	}

	now := time.Now().UTC()
	return Drone{
		DroneID:    uuid.New(),
		Status:     StatusIdle,
		BatteryPct: batteryPct,
		Location:   location,
		CapacityKg: capacityKg,
		CapacityL:  capacityL,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Claim binds an idle drone to an order.
func (d *Drone) Claim(orderID uuid.UUID, now time.Time) error {
	if !CanTransition(d.Status, StatusAssigned) {
		return ErrInvalidTransition
	}
	d.Status = StatusAssigned
	d.CurrentOrderID = &orderID
	d.UpdatedAt = now
	return nil
}

// Release frees an assigned drone without flying, e.g. when the order is
// cancelled before departure.
func (d *Drone) Release(now time.Time) error {
	if d.Status != StatusAssigned {
		return ErrInvalidTransition
	}
	d.Status = StatusIdle
	d.CurrentOrderID = nil
	d.UpdatedAt = now
	return nil
}

func (d *Drone) Depart(now time.Time) error {
	if !CanTransition(d.Status, StatusFlying) {
		return ErrInvalidTransition
	}
	d.Status = StatusFlying
	d.UpdatedAt = now
	return nil
}

// StartReturn marks the delivery leg done. The order moves from the current
// pin to LastOrderID so the invariant holds while the drone flies home.
func (d *Drone) StartReturn(now time.Time) error {
	if !CanTransition(d.Status, StatusReturning) {
		return ErrInvalidTransition
	}
	d.Status = StatusReturning
	d.LastOrderID = d.CurrentOrderID
	d.CurrentOrderID = nil
	d.UpdatedAt = now
	return nil
}

// Complete lands the drone back at idle and returns the order it delivered.
func (d *Drone) Complete(now time.Time) (*uuid.UUID, error) {
	if d.Status != StatusReturning {
		return nil, ErrInvalidTransition
	}
	delivered := d.LastOrderID
	d.Status = StatusIdle
	d.LastOrderID = nil
	d.UpdatedAt = now
	return delivered, nil
}

func (d *Drone) StartCharging(now time.Time) error {
	if !CanTransition(d.Status, StatusCharging) {
		return ErrInvalidTransition
	}
	d.Status = StatusCharging
	d.UpdatedAt = now
	return nil
}

func (d *Drone) FinishCharging(batteryPct float64, now time.Time) error {
	if d.Status != StatusCharging {
		return ErrInvalidTransition
	}
	d.Status = StatusIdle
	if batteryPct >= 0 && batteryPct <= 100 {
		d.BatteryPct = batteryPct
	}
	d.UpdatedAt = now
	return nil
}

// MarkOffline takes the drone out of service from any state. The orphaned
// order id, if any, is returned so the caller can surface the abandonment.
func (d *Drone) MarkOffline(now time.Time) *uuid.UUID {
	orphaned := d.CurrentOrderID
	if d.LastOrderID != nil {
		orphaned = d.LastOrderID
	}
	d.Status = StatusOffline
	d.CurrentOrderID = nil
	d.LastOrderID = nil
	d.UpdatedAt = now
	return orphaned
}

func (d *Drone) Recover(now time.Time) error {
	if d.Status != StatusOffline {
		return ErrInvalidTransition
	}
	d.Status = StatusIdle
	d.UpdatedAt = now
	return nil
}

// ApplyTelemetry updates battery and location without a status transition.
func (d *Drone) ApplyTelemetry(batteryPct float64, location geo.Coordinate, now time.Time) error {
	if err := location.Validate(); err != nil {
		return err
	}
	if batteryPct < 0 || batteryPct > 100 {
		return errors.New("battery_pct must be 0-100")
	}
	d.BatteryPct = batteryPct
	d.Location = location
	d.UpdatedAt = now
	return nil
}

// CheckInvariants verifies the order pin matches the status.
func (d Drone) CheckInvariants() error {
	pinned := d.CurrentOrderID != nil
	active := d.Status == StatusAssigned || d.Status == StatusFlying
	if pinned != active {
		return errors.New("current order id must be set exactly in assigned/flying")
	}
	if d.LastOrderID != nil && d.Status != StatusReturning {
		return errors.New("last order id must only be set while returning")
	}
	return nil
}
