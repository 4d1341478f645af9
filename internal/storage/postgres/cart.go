package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-orders/internal/domain/cart"
)

var _ cart.Repository = (*CartRepository)(nil)

// CartRepository reads and clears carts.
type CartRepository struct {
	conn
}

// Lock implements cart.Repository. The row lock lasts until the surrounding
// transaction ends, so it must be called inside InTx.
func (r *CartRepository) Lock(ctx context.Context, id string) (func(), error) {
	var one int
	err := r.q(ctx).QueryRow(ctx, `SELECT 1 FROM carts WHERE id = $1 FOR UPDATE`, id).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cart.ErrNotFound
		}
		return nil, fmt.Errorf("locking cart %q: %w", id, err)
	}
	return func() {}, nil
}

// GetByID returns the cart with its lines in insertion order.
func (r *CartRepository) GetByID(ctx context.Context, id string) (*cart.Cart, error) {
	c := cart.Cart{ID: id}
	err := r.q(ctx).QueryRow(ctx, `SELECT customer_id FROM carts WHERE id = $1`, id).Scan(&c.CustomerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cart.ErrNotFound
		}
		return nil, fmt.Errorf("getting cart %q: %w", id, err)
	}

	rows, err := r.q(ctx).Query(ctx,
		`SELECT product_id, quantity FROM cart_lines WHERE cart_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("listing lines of cart %q: %w", id, err)
	}
	c.Lines, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (cart.Line, error) {
		var l cart.Line
		err := row.Scan(&l.ProductID, &l.Quantity)
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning lines of cart %q: %w", id, err)
	}

	return &c, nil
}

// Clear removes all lines of the cart.
func (r *CartRepository) Clear(ctx context.Context, id string) error {
	tag, err := r.q(ctx).Exec(ctx, `DELETE FROM cart_lines WHERE cart_id = $1`, id)
	if err != nil {
		return fmt.Errorf("clearing cart %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.q(ctx).QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM carts WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("checking cart %q: %w", id, err)
		}
		if !exists {
			return cart.ErrNotFound
		}
	}
	return nil
}

// Upsert replaces the cart and all its lines.
func (r *CartRepository) Upsert(ctx context.Context, c cart.Cart) error {
	return r.InTx(ctx, func(ctx context.Context) error {
		if _, err := r.q(ctx).Exec(ctx, `
			INSERT INTO carts (id, customer_id) VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET customer_id = EXCLUDED.customer_id`,
			c.ID, c.CustomerID,
		); err != nil {
			return fmt.Errorf("upserting cart %q: %w", c.ID, err)
		}

		batch := &pgx.Batch{}
		batch.Queue(`DELETE FROM cart_lines WHERE cart_id = $1`, c.ID)
		for i, l := range c.Lines {
			batch.Queue(
				`INSERT INTO cart_lines (cart_id, product_id, quantity, position) VALUES ($1, $2, $3, $4)`,
				c.ID, l.ProductID, l.Quantity, i,
			)
		}
		if err := r.q(ctx).SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("writing lines of cart %q: %w", c.ID, err)
		}
		return nil
	})
}
