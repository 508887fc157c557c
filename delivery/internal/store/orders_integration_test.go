//go:build integration

package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"drone-delivery-dispatch/delivery/internal/domain"
	"drone-delivery-dispatch/shared/geo"
	"drone-delivery-dispatch/shared/outboxx"
)

func testOrdersRepo(t *testing.T) (*OrdersRepo, context.Context) {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("db connect failed: %v", err)
	}
	t.Cleanup(pool.Close)
	return NewOrdersRepo(pool, outboxx.NewStore(pool)), ctx
}

func sameInstant(a time.Time, b time.Time) bool {
	d := a.Sub(b)
	return d < time.Millisecond && d > -time.Millisecond
}

func TestOrderRoundTrip(t *testing.T) {
	repo, ctx := testOrdersRepo(t)

	order, problems := domain.NewOrder(
		geo.Coordinate{Lat: 40.0, Lng: -74.0},
		geo.Coordinate{Lat: 40.05, Lng: -74.0},
		2, 3,
	)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %v", problems)
	}

	stored, created, err := repo.Create(ctx, order, uuid.NewString())
	if err != nil || !created {
		t.Fatalf("create: created=%v err=%v", created, err)
	}

	read, err := repo.GetByID(ctx, order.OrderID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if read.OrderID != order.OrderID || read.Status != domain.StatusCreated {
		t.Fatalf("identity mismatch: %+v", read)
	}
	if read.Origin != order.Origin || read.Dest != order.Dest {
		t.Fatalf("coordinates mismatch: %+v", read)
	}
	if read.WeightKg != order.WeightKg || read.VolumeL != order.VolumeL {
		t.Fatalf("load mismatch: %+v", read)
	}
	if read.AssignedDroneID != nil || read.FailReason != nil {
		t.Fatalf("fresh order must carry no drone pin or fail reason")
	}
	if read.Version != stored.Version {
		t.Fatalf("version mismatch: %d vs %d", read.Version, stored.Version)
	}
	if !sameInstant(read.CreatedAt, order.CreatedAt) {
		t.Fatalf("created_at drifted: %v vs %v", read.CreatedAt, order.CreatedAt)
	}

	droneID := uuid.New()
	if err := read.Assign(droneID, time.Now().UTC()); err != nil {
		t.Fatalf("assign: %v", err)
	}
	updated, err := repo.UpdateCAS(ctx, read, read.Version)
	if err != nil {
		t.Fatalf("cas: %v", err)
	}
	if updated.Version != read.Version+1 {
		t.Fatalf("version must strictly increase, got %d after %d", updated.Version, read.Version)
	}
	if updated.AssignedDroneID == nil || *updated.AssignedDroneID != droneID {
		t.Fatalf("drone pin lost through the round trip")
	}

	// The stale reader loses.
	_, err = repo.UpdateCAS(ctx, read, read.Version)
	if !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("expected version conflict on stale write, got %v", err)
	}
}

func TestOrderCreateIdempotencyKey(t *testing.T) {
	repo, ctx := testOrdersRepo(t)

	key := uuid.NewString()
	order, problems := domain.NewOrder(
		geo.Coordinate{Lat: 40.0, Lng: -74.0},
		geo.Coordinate{Lat: 40.05, Lng: -74.0},
		1, 1,
	)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %v", problems)
	}
	first, created, err := repo.Create(ctx, order, key)
	if err != nil || !created {
		t.Fatalf("create: created=%v err=%v", created, err)
	}

	dup, problems := domain.NewOrder(
		geo.Coordinate{Lat: 40.0, Lng: -74.0},
		geo.Coordinate{Lat: 40.05, Lng: -74.0},
		1, 1,
	)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %v", problems)
	}
	second, created, err := repo.Create(ctx, dup, key)
	if err != nil {
		t.Fatalf("repeat create: %v", err)
	}
	if created || second.OrderID != first.OrderID {
		t.Fatalf("repeated key must return the stored order unchanged")
	}
}
