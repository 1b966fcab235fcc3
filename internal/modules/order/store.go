// README: Order store backed by PostgreSQL with optimistic status_version checks.
package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"eats/internal/types"
)

// Repository is the Order Store contract consumed by the service.
type Repository interface {
	// Create inserts o in its current status and assigns o.ID.
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id types.ID) (*Order, error)
	// Save persists o only if the stored status_version still equals
	// o.StatusVersion; on success o.StatusVersion is incremented.
	Save(ctx context.Context, o *Order) error
	AppendEvent(ctx context.Context, e *Event) error
	// Events returns the audit trail of an order, oldest first.
	Events(ctx context.Context, orderID types.ID) ([]Event, error)
	HasActiveByDriver(ctx context.Context, driverID types.ID) (bool, error)
}

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const selectOrderQuery = `
	SELECT id::text, customer_id, restaurant_id, driver_id, status, status_version,
	       currency, subtotal, delivery_fee, discount, total,
	       created_at, updated_at, delivered_at, cancelled_at, cancel_reason
	FROM orders
	WHERE id = $1`

func (s *Store) Create(ctx context.Context, o *Order) error {
	var id string
	err := s.db.QueryRow(ctx, `
		INSERT INTO orders (
			customer_id, restaurant_id, driver_id, status, status_version,
			currency, subtotal, delivery_fee, discount, total,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12
		)
		RETURNING id::text`,
		string(o.CustomerID),
		string(o.RestaurantID),
		toStringPtr(o.DriverID),
		string(o.Status),
		o.StatusVersion,
		o.Total.Currency,
		o.Subtotal.Amount,
		o.DeliveryFee.Amount,
		o.Discount.Amount,
		o.Total.Amount,
		o.CreatedAt,
		o.UpdatedAt,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	o.ID = types.ID(id)
	return nil
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Order, error) {
	n, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return nil, ErrNotFound
	}

	var o Order
	var driverID, cancelReason sql.NullString
	var deliveredAt, cancelledAt sql.NullTime
	var currency string

	err = s.db.QueryRow(ctx, selectOrderQuery, n).Scan(
		&o.ID, &o.CustomerID, &o.RestaurantID, &driverID, &o.Status, &o.StatusVersion,
		&currency, &o.Subtotal.Amount, &o.DeliveryFee.Amount, &o.Discount.Amount, &o.Total.Amount,
		&o.CreatedAt, &o.UpdatedAt, &deliveredAt, &cancelledAt, &cancelReason,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select order: %w", err)
	}

	o.Subtotal.Currency = currency
	o.DeliveryFee.Currency = currency
	o.Discount.Currency = currency
	o.Total.Currency = currency
	if driverID.Valid {
		d := types.ID(driverID.String)
		o.DriverID = &d
	}
	o.DeliveredAt = toTimePtr(deliveredAt)
	o.CancelledAt = toTimePtr(cancelledAt)
	if cancelReason.Valid {
		o.CancelReason = &cancelReason.String
	}
	return &o, nil
}

func (s *Store) Save(ctx context.Context, o *Order) error {
	n, err := strconv.ParseInt(string(o.ID), 10, 64)
	if err != nil {
		return ErrNotFound
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE orders
		SET status = $1,
		    status_version = status_version + 1,
		    driver_id = $2,
		    updated_at = $3,
		    delivered_at = $4,
		    cancelled_at = $5,
		    cancel_reason = $6
		WHERE id = $7 AND status_version = $8`,
		string(o.Status),
		toStringPtr(o.DriverID),
		o.UpdatedAt,
		o.DeliveredAt,
		o.CancelledAt,
		o.CancelReason,
		n,
		o.StatusVersion,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrConflict
	}
	o.StatusVersion++
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO order_state_events (
			order_id, from_status, to_status, actor_type, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.OrderID),
		string(e.FromStatus),
		string(e.ToStatus),
		e.ActorType,
		toStringPtr(e.ActorID),
		e.CreatedAt,
	)
	return err
}

func (s *Store) HasActiveByDriver(ctx context.Context, driverID types.ID) (bool, error) {
	row := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM orders
			WHERE driver_id = $1
			  AND status IN ('PREPARING','READY_FOR_PICKUP','OUT_FOR_DELIVERY')
		)`, string(driverID),
	)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// Events returns the audit trail of an order, oldest first.
func (s *Store) Events(ctx context.Context, orderID types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, order_id, from_status, to_status, actor_type, actor_id, created_at
		FROM order_state_events
		WHERE order_id = $1
		ORDER BY id`, string(orderID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var actorID sql.NullString
		if err := rows.Scan(&e.ID, &e.OrderID, &e.FromStatus, &e.ToStatus, &e.ActorType, &actorID, &e.CreatedAt); err != nil {
			return nil, err
		}
		if actorID.Valid {
			a := types.ID(actorID.String)
			e.ActorID = &a
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func toTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
