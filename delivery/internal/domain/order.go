package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"drone-delivery-dispatch/shared/geo"
)

// Order statuses. Delivered, failed and cancelled are terminal.
const (
	StatusCreated   = "created"
	StatusAssigned  = "assigned"
	StatusInTransit = "in_transit"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Transition names key idempotent processing: the same transition of the
// same order always derives the same idempotency key.
const (
	TransitionCreate  = "create"
	TransitionAssign  = "assign"
	TransitionDepart  = "depart"
	TransitionDeliver = "deliver"
	TransitionFail    = "fail"
	TransitionCancel  = "cancel"
)

const (
	FailReasonNoCapacity = "no_capacity"
	FailReasonRejected   = "assign_rejected"
	FailReasonDroneLost  = "drone_offline"
)

var (
	ErrInvalidTransition = errors.New("invalid order transition")
	ErrNotFound          = errors.New("order not found")
	ErrVersionConflict   = errors.New("order version conflict")
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Order struct {
	OrderID         uuid.UUID
	Status          string
	Origin          geo.Coordinate
	Dest            geo.Coordinate
	WeightKg        float64
	VolumeL         float64
	AssignedDroneID *uuid.UUID
	FailReason      *string
	AssignAttempts  int
	Version         int64
	CreatedAt       time.Time
	AssignedAt      *time.Time
	InTransitAt     *time.Time
	CompletedAt     *time.Time
	UpdatedAt       time.Time
}

var transitions = map[string]map[string]bool{
	StatusCreated: {
		StatusAssigned:  true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusAssigned: {
		StatusInTransit: true,
		StatusCreated:   true,
		StatusCancelled: true,
	},
	StatusInTransit: {
		StatusDelivered: true,
		StatusFailed:    true,
	},
}

// CanTransition reports whether from -> to is a legal order transition.
// assigned -> created covers an assignment rejected by the fleet side: the
// order goes back to the pool for reallocation.
func CanTransition(from string, to string) bool {
	return transitions[from][to]
}

func IsTerminal(status string) bool {
	switch status {
	case StatusDelivered, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// NewOrder validates intake fields and builds an order in the created state.
// The problems slice is non-empty when the request must be rejected.
func NewOrder(origin geo.Coordinate, dest geo.Coordinate, weightKg float64, volumeL float64) (Order, []Problem) {
	problems := make([]Problem, 0, 4)
	if err := origin.Validate(); err != nil {
		problems = append(problems, Problem{Field: "origin", Message: err.Error()})
	}
	if err := dest.Validate(); err != nil {
		problems = append(problems, Problem{Field: "dest", Message: err.Error()})
	}
	if weightKg <= 0 {
		problems = append(problems, Problem{Field: "weight_kg", Message: "weight_kg must be > 0"})
	}
	if volumeL <= 0 {
		problems = append(problems, Problem{Field: "volume_l", Message: "volume_l must be > 0"})
	}
	if len(problems) > 0 {
		return Order{}, problems
	}

	now := time.Now().UTC()
	return Order{
		OrderID:   uuid.New(),
		Status:    StatusCreated,
		Origin:    origin,
		Dest:      dest,
		WeightKg:  weightKg,
		VolumeL:   volumeL,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Assign moves the order to assigned and pins the drone.
func (o *Order) Assign(droneID uuid.UUID, now time.Time) error {
	if !CanTransition(o.Status, StatusAssigned) {
		return ErrInvalidTransition
	}
	o.Status = StatusAssigned
	o.AssignedDroneID = &droneID
	o.AssignedAt = &now
	o.UpdatedAt = now
	return nil
}

// Unassign returns a rejected order to the pool. The drone pin is cleared so
// the assigned-drone invariant holds in the created state.
func (o *Order) Unassign(now time.Time) error {
	if !CanTransition(o.Status, StatusCreated) {
		return ErrInvalidTransition
	}
	o.Status = StatusCreated
	o.AssignedDroneID = nil
	o.AssignedAt = nil
	o.UpdatedAt = now
	return nil
}

func (o *Order) Depart(now time.Time) error {
	if !CanTransition(o.Status, StatusInTransit) {
		return ErrInvalidTransition
	}
	o.Status = StatusInTransit
	o.InTransitAt = &now
	o.UpdatedAt = now
	return nil
}

func (o *Order) Deliver(now time.Time) error {
	if !CanTransition(o.Status, StatusDelivered) {
		return ErrInvalidTransition
	}
	o.Status = StatusDelivered
	o.AssignedDroneID = nil
	o.CompletedAt = &now
	o.UpdatedAt = now
	return nil
}

func (o *Order) Fail(reason string, now time.Time) error {
	if !CanTransition(o.Status, StatusFailed) {
		return ErrInvalidTransition
	}
	o.Status = StatusFailed
	o.FailReason = &reason
	o.AssignedDroneID = nil
	o.CompletedAt = &now
	o.UpdatedAt = now
	return nil
}

func (o *Order) Cancel(now time.Time) error {
	if !CanTransition(o.Status, StatusCancelled) {
		return ErrInvalidTransition
	}
	o.Status = StatusCancelled
	o.AssignedDroneID = nil
	o.CompletedAt = &now
	o.UpdatedAt = now
	return nil
}

// CheckInvariants verifies the drone pin matches the status. A drone id is
// present exactly while the order is assigned or in transit.
func (o Order) CheckInvariants() error {
	pinned := o.AssignedDroneID != nil
	active := o.Status == StatusAssigned || o.Status == StatusInTransit
	if pinned != active {
		return errors.New("assigned drone id must be set exactly in assigned/in_transit")
	}
	return nil
}

// DistanceKm is the origin-to-destination leg length.
func (o Order) DistanceKm() float64 {
	return geo.DistanceKm(o.Origin, o.Dest)
}
