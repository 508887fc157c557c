package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"drone-delivery-dispatch/delivery/internal/domain"
	"drone-delivery-dispatch/shared/outboxx"
)

const orderColumns = `order_id, status, origin_lat, origin_lng, dest_lat, dest_lng, weight_kg, volume_l,
	assigned_drone_id, fail_reason, assign_attempts, version, idempotency_key,
	created_at, assigned_at, in_transit_at, completed_at, updated_at`

type OrdersRepo struct {
	pool   *pgxpool.Pool
	outbox *outboxx.Store
}

func NewOrdersRepo(pool *pgxpool.Pool, outbox *outboxx.Store) *OrdersRepo {
	return &OrdersRepo{pool: pool, outbox: outbox}
}

// Create inserts a new order and its outgoing events in one transaction.
// When idempotencyKey matches an existing order the stored order is returned
// with created=false and no events are staged.
func (r *OrdersRepo) Create(ctx context.Context, order domain.Order, idempotencyKey string, evs ...outboxx.Event) (domain.Order, bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Order{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var key *string
	if idempotencyKey != "" {
		key = &idempotencyKey
	}
	var stored domain.Order
	err = tx.QueryRow(ctx, `
		INSERT INTO orders (
			order_id, status, origin_lat, origin_lng, dest_lat, dest_lng, weight_kg, volume_l,
			assigned_drone_id, fail_reason, assign_attempts, version, idempotency_key,
			created_at, assigned_at, in_transit_at, completed_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING `+orderColumns+`
	`, order.OrderID, order.Status, order.Origin.Lat, order.Origin.Lng, order.Dest.Lat, order.Dest.Lng,
		order.WeightKg, order.VolumeL, order.AssignedDroneID, order.FailReason, order.AssignAttempts,
		order.Version, key, order.CreatedAt, order.AssignedAt, order.InTransitAt, order.CompletedAt, order.UpdatedAt).
		Scan(scanTargets(&stored)...)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) || key == nil {
			return domain.Order{}, false, err
		}
		err = tx.QueryRow(ctx, `
			SELECT `+orderColumns+`
			FROM orders
			WHERE idempotency_key = $1
		`, *key).Scan(scanTargets(&stored)...)
		if err != nil {
			return domain.Order{}, false, err
		}
		if err = tx.Commit(ctx); err != nil {
			return domain.Order{}, false, err
		}
		return stored, false, nil
	}

	for _, ev := range evs {
		if _, err = r.outbox.Insert(ctx, tx, ev); err != nil {
			return domain.Order{}, false, err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return domain.Order{}, false, err
	}
	return stored, true, nil
}

func (r *OrdersRepo) GetByID(ctx context.Context, orderID uuid.UUID) (domain.Order, error) {
	var order domain.Order
	err := r.pool.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE order_id = $1
	`, orderID).Scan(scanTargets(&order)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ErrNotFound
	}
	return order, err
}

func (r *OrdersRepo) List(ctx context.Context, status string, limit int, offset int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`
	args := []any{limit, offset}
	if status != "" {
		query = `
			SELECT ` + orderColumns + `
			FROM orders
			WHERE status = $3
			ORDER BY created_at DESC
			LIMIT $1 OFFSET $2
		`
		args = append(args, status)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		var order domain.Order
		if err := rows.Scan(scanTargets(&order)...); err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// UpdateCAS writes the order only if the stored version still matches
// expectedVersion, bumping the version by one. Outgoing events commit in the
// same transaction. Losing the race yields domain.ErrVersionConflict.
func (r *OrdersRepo) UpdateCAS(ctx context.Context, order domain.Order, expectedVersion int64, evs ...outboxx.Event) (domain.Order, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Order{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var stored domain.Order
	err = tx.QueryRow(ctx, `
		UPDATE orders
		SET status = $3, assigned_drone_id = $4, fail_reason = $5, assign_attempts = $6,
			assigned_at = $7, in_transit_at = $8, completed_at = $9,
			updated_at = $10, version = version + 1
		WHERE order_id = $1 AND version = $2
		RETURNING `+orderColumns+`
	`, order.OrderID, expectedVersion, order.Status, order.AssignedDroneID, order.FailReason,
		order.AssignAttempts, order.AssignedAt, order.InTransitAt, order.CompletedAt,
		time.Now().UTC()).
		Scan(scanTargets(&stored)...)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, err
		}
		var exists bool
		if probeErr := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE order_id = $1)`, order.OrderID).Scan(&exists); probeErr != nil {
			return domain.Order{}, probeErr
		}
		if !exists {
			err = domain.ErrNotFound
			return domain.Order{}, err
		}
		err = domain.ErrVersionConflict
		return domain.Order{}, err
	}

	for _, ev := range evs {
		if _, err = r.outbox.Insert(ctx, tx, ev); err != nil {
			return domain.Order{}, err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return domain.Order{}, err
	}
	return stored, nil
}

func scanTargets(order *domain.Order) []any {
	return []any{
		&order.OrderID, &order.Status,
		&order.Origin.Lat, &order.Origin.Lng, &order.Dest.Lat, &order.Dest.Lng,
		&order.WeightKg, &order.VolumeL,
		&order.AssignedDroneID, &order.FailReason, &order.AssignAttempts,
		&order.Version, new(*string),
		&order.CreatedAt, &order.AssignedAt, &order.InTransitAt, &order.CompletedAt, &order.UpdatedAt,
	}
}
