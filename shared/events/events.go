package events

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Topic names are the contract surface between the delivery and fleet
// services. Messages are keyed by entity id, so ordering holds per entity
// within a topic and nowhere else.
const (
	TopicOrderCreated        = "order.created"
	TopicOrderCancelled      = "order.cancelled"
	TopicDroneAssign         = "drone.assign"
	TopicDroneAssignRejected = "drone.assign.rejected"
	TopicDroneStatusUpdated  = "drone.status.updated"
)

// DeadLetterSuffix is appended to a topic name to form its dead-letter topic.
const DeadLetterSuffix = ".deadletter"

func DeadLetterTopic(topic string) string {
	if strings.HasSuffix(topic, DeadLetterSuffix) {
		return topic
	}
	return topic + DeadLetterSuffix
}

// Envelope is the immutable message record exchanged on every topic.
// Field names are a compatibility boundary across service versions.
type Envelope struct {
	IdempotencyKey string          `json:"idempotency_key"`
	EntityID       uuid.UUID       `json:"entity_id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	ProducedAt     time.Time       `json:"produced_at"`
}

func (e Envelope) Validate() error {
	if e.IdempotencyKey == "" {
		return errors.New("idempotency_key is required")
	}
	if e.EntityID == uuid.Nil {
		return errors.New("entity_id is required")
	}
	if e.Type == "" {
		return errors.New("type is required")
	}
	return nil
}

// Key derives the deterministic idempotency key for a transition of an
// entity. Duplicate delivery of the same transition yields the same key.
func Key(entityID uuid.UUID, transition string) string {
	return entityID.String() + ":" + transition
}

// New wraps a payload into an envelope keyed by (entity, transition).
func New(entityID uuid.UUID, eventType string, transition string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		IdempotencyKey: Key(entityID, transition),
		EntityID:       entityID,
		Type:           eventType,
		Payload:        raw,
		ProducedAt:     time.Now().UTC(),
	}, nil
}

type OrderCreatedPayload struct {
	OrderID   uuid.UUID `json:"order_id"`
	OriginLat float64   `json:"origin_lat"`
	OriginLng float64   `json:"origin_lng"`
	DestLat   float64   `json:"dest_lat"`
	DestLng   float64   `json:"dest_lng"`
	WeightKg  float64   `json:"weight_kg"`
	VolumeL   float64   `json:"volume_l"`
}

type OrderCancelledPayload struct {
	OrderID uuid.UUID `json:"order_id"`
	Reason  string    `json:"reason"`
}

// DroneAssignPayload is the assignment command from the delivery side to the
// fleet side.
type DroneAssignPayload struct {
	OrderID uuid.UUID `json:"order_id"`
	DroneID uuid.UUID `json:"drone_id"`
}

type DroneAssignRejectedPayload struct {
	OrderID uuid.UUID `json:"order_id"`
	DroneID uuid.UUID `json:"drone_id"`
	Reason  string    `json:"reason"`
}

// DroneStatusPayload reports the fleet-side view of a drone. Delivered is set
// only on the returning->idle transition that closes out an order.
type DroneStatusPayload struct {
	DroneID    uuid.UUID  `json:"drone_id"`
	Status     string     `json:"status"`
	OrderID    *uuid.UUID `json:"order_id,omitempty"`
	BatteryPct float64    `json:"battery_pct"`
	Lat        float64    `json:"lat"`
	Lng        float64    `json:"lng"`
	CapacityKg float64    `json:"capacity_kg"`
	CapacityL  float64    `json:"capacity_l"`
	Delivered  bool       `json:"delivered,omitempty"`
}
