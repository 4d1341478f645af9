package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-orders/internal/domain/order"
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	conn
}

// Create persists a new order and its items.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO orders (id, customer_id, cart_id, status, delivery_address, total, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		o.ID, o.CustomerID, o.CartID, o.Status, o.DeliveryAddress, o.Total, o.CreatedAt, o.UpdatedAt,
	)
	for i, it := range o.Items {
		batch.Queue(`
			INSERT INTO order_items (order_id, position, product_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5)`,
			o.ID, i, it.ProductID, it.Quantity, it.UnitPrice,
		)
	}

	return r.InTx(ctx, func(ctx context.Context) error {
		if err := r.q(ctx).SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("creating order %q: %w", o.ID, err)
		}
		return nil
	})
}

// GetByID returns the order with its items.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*order.Order, error) {
	var o order.Order
	err := r.q(ctx).QueryRow(ctx, `
		SELECT id, customer_id, cart_id, status, delivery_address, total, created_at, updated_at
		FROM orders WHERE id = $1`, id,
	).Scan(&o.ID, &o.CustomerID, &o.CartID, &o.Status, &o.DeliveryAddress, &o.Total, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}

	rows, err := r.q(ctx).Query(ctx, `
		SELECT product_id, quantity, unit_price
		FROM order_items WHERE order_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("listing items of order %q: %w", id, err)
	}
	o.Items, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (order.Item, error) {
		var it order.Item
		err := row.Scan(&it.ProductID, &it.Quantity, &it.UnitPrice)
		return it, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning items of order %q: %w", id, err)
	}

	return &o, nil
}

// UpdateStatus implements order.Repository. The status check and the write
// are one statement, so concurrent callers cannot both move the order out of
// from.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, from, to order.Status) error {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE orders SET status = $3, updated_at = now() WHERE id = $1 AND status = $2`,
		id, from, to,
	)
	if err != nil {
		return fmt.Errorf("updating status of order %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrConflict(ctx, id)
	}
	return nil
}

// UpdateDeliveryAddress implements order.Repository.
func (r *OrderRepository) UpdateDeliveryAddress(ctx context.Context, id, address string) error {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE orders SET delivery_address = $2, updated_at = now() WHERE id = $1 AND status = $3`,
		id, address, order.StatusPending,
	)
	if err != nil {
		return fmt.Errorf("updating address of order %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrConflict(ctx, id)
	}
	return nil
}

func (r *OrderRepository) missingOrConflict(ctx context.Context, id string) error {
	var exists bool
	if err := r.q(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("checking order %q: %w", id, err)
	}
	if !exists {
		return order.ErrNotFound
	}
	return order.ErrStatusConflict
}
