package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"drone-delivery-dispatch/fleet/internal/domain"
	"drone-delivery-dispatch/shared/outboxx"
)

const droneColumns = `drone_id, status, current_order_id, last_order_id, battery_pct, lat, lng,
	capacity_kg, capacity_l, version, created_at, updated_at`

type DronesRepo struct {
	pool   *pgxpool.Pool
	outbox *outboxx.Store
}

func NewDronesRepo(pool *pgxpool.Pool, outbox *outboxx.Store) *DronesRepo {
	return &DronesRepo{pool: pool, outbox: outbox}
}

// Create registers a drone and stages its first status event in the same
// transaction.
func (r *DronesRepo) Create(ctx context.Context, drone domain.Drone, evs ...outboxx.Event) (domain.Drone, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Drone{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var stored domain.Drone
	err = tx.QueryRow(ctx, `
		INSERT INTO drones (
			drone_id, status, current_order_id, last_order_id, battery_pct, lat, lng,
			capacity_kg, capacity_l, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+droneColumns+`
	`, drone.DroneID, drone.Status, drone.CurrentOrderID, drone.LastOrderID, drone.BatteryPct,
		drone.Location.Lat, drone.Location.Lng, drone.CapacityKg, drone.CapacityL,
		drone.Version, drone.CreatedAt, drone.UpdatedAt).
		Scan(scanTargets(&stored)...)
	if err != nil {
		return domain.Drone{}, err
	}

	for _, ev := range evs {
		if _, err = r.outbox.Insert(ctx, tx, ev); err != nil {
			return domain.Drone{}, err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return domain.Drone{}, err
	}
	return stored, nil
}

func (r *DronesRepo) GetByID(ctx context.Context, droneID uuid.UUID) (domain.Drone, error) {
	var drone domain.Drone
	err := r.pool.QueryRow(ctx, `
		SELECT `+droneColumns+`
		FROM drones
		WHERE drone_id = $1
	`, droneID).Scan(scanTargets(&drone)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Drone{}, domain.ErrNotFound
	}
	return drone, err
}

func (r *DronesRepo) List(ctx context.Context, status string, limit int, offset int) ([]domain.Drone, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + droneColumns + `
		FROM drones
		ORDER BY created_at ASC
		LIMIT $1 OFFSET $2
	`
	args := []any{limit, offset}
	if status != "" {
		query = `
			SELECT ` + droneColumns + `
			FROM drones
			WHERE status = $3
			ORDER BY created_at ASC
			LIMIT $1 OFFSET $2
		`
		args = append(args, status)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var drones []domain.Drone
	for rows.Next() {
		var drone domain.Drone
		if err := rows.Scan(scanTargets(&drone)...); err != nil {
			return nil, err
		}
		drones = append(drones, drone)
	}
	return drones, rows.Err()
}

// FindByOrder returns the drone currently bound to the order, if any.
func (r *DronesRepo) FindByOrder(ctx context.Context, orderID uuid.UUID) (domain.Drone, error) {
	var drone domain.Drone
	err := r.pool.QueryRow(ctx, `
		SELECT `+droneColumns+`
		FROM drones
		WHERE current_order_id = $1
	`, orderID).Scan(scanTargets(&drone)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Drone{}, domain.ErrNotFound
	}
	return drone, err
}

// UpdateCAS writes the drone only if the stored version still matches
// expectedVersion. Outgoing events commit in the same transaction.
func (r *DronesRepo) UpdateCAS(ctx context.Context, drone domain.Drone, expectedVersion int64, evs ...outboxx.Event) (domain.Drone, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Drone{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var stored domain.Drone
	err = tx.QueryRow(ctx, `
		UPDATE drones
		SET status = $3, current_order_id = $4, last_order_id = $5, battery_pct = $6,
			lat = $7, lng = $8, updated_at = $9, version = version + 1
		WHERE drone_id = $1 AND version = $2
		RETURNING `+droneColumns+`
	`, drone.DroneID, expectedVersion, drone.Status, drone.CurrentOrderID, drone.LastOrderID,
		drone.BatteryPct, drone.Location.Lat, drone.Location.Lng, time.Now().UTC()).
		Scan(scanTargets(&stored)...)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return domain.Drone{}, err
		}
		var exists bool
		if probeErr := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM drones WHERE drone_id = $1)`, drone.DroneID).Scan(&exists); probeErr != nil {
			return domain.Drone{}, probeErr
		}
		if !exists {
			err = domain.ErrNotFound
			return domain.Drone{}, err
		}
		err = domain.ErrVersionConflict
		return domain.Drone{}, err
	}

	for _, ev := range evs {
		if _, err = r.outbox.Insert(ctx, tx, ev); err != nil {
			return domain.Drone{}, err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return domain.Drone{}, err
	}
	return stored, nil
}

// StageEvents inserts outgoing events that carry no drone state change, such
// as assignment rejections for drones that were never claimed.
func (r *DronesRepo) StageEvents(ctx context.Context, evs ...outboxx.Event) error {
	for _, ev := range evs {
		if _, err := r.outbox.Insert(ctx, r.pool, ev); err != nil {
			return err
		}
	}
	return nil
}

func scanTargets(drone *domain.Drone) []any {
	return []any{
		&drone.DroneID, &drone.Status, &drone.CurrentOrderID, &drone.LastOrderID,
		&drone.BatteryPct, &drone.Location.Lat, &drone.Location.Lng,
		&drone.CapacityKg, &drone.CapacityL,
		&drone.Version, &drone.CreatedAt, &drone.UpdatedAt,
	}
}
