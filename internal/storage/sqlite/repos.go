package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-orders/internal/domain/auth"
	"github.com/xenking/kart-orders/internal/domain/cart"
	"github.com/xenking/kart-orders/internal/domain/order"
)

// CartRepository reads and clears carts.
type CartRepository struct {
	conn
}

// Lock implements cart.Repository. The single connection already runs one
// transaction at a time, so only the cart's existence is checked.
func (r *CartRepository) Lock(ctx context.Context, id string) (func(), error) {
	var n int
	if err := sqlx.GetContext(ctx, r.q(ctx), &n, `SELECT COUNT(*) FROM carts WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("checking cart %q: %w", id, err)
	}
	if n == 0 {
		return nil, cart.ErrNotFound
	}
	return func() {}, nil
}

// GetByID returns the cart with its lines in insertion order.
func (r *CartRepository) GetByID(ctx context.Context, id string) (*cart.Cart, error) {
	c := cart.Cart{ID: id}
	err := sqlx.GetContext(ctx, r.q(ctx), &c.CustomerID, `SELECT customer_id FROM carts WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, cart.ErrNotFound
		}
		return nil, fmt.Errorf("getting cart %q: %w", id, err)
	}

	var lines []struct {
		ProductID string `db:"product_id"`
		Quantity  int    `db:"quantity"`
	}
	if err := sqlx.SelectContext(ctx, r.q(ctx), &lines, `
		SELECT product_id, quantity FROM cart_lines WHERE cart_id = ? ORDER BY position`, id,
	); err != nil {
		return nil, fmt.Errorf("listing lines of cart %q: %w", id, err)
	}
	for _, l := range lines {
		c.Lines = append(c.Lines, cart.Line{ProductID: l.ProductID, Quantity: l.Quantity})
	}
	return &c, nil
}

// Clear removes all lines of the cart.
func (r *CartRepository) Clear(ctx context.Context, id string) error {
	return r.InTx(ctx, func(ctx context.Context) error {
		var n int
		if err := sqlx.GetContext(ctx, r.q(ctx), &n, `SELECT COUNT(*) FROM carts WHERE id = ?`, id); err != nil {
			return fmt.Errorf("checking cart %q: %w", id, err)
		}
		if n == 0 {
			return cart.ErrNotFound
		}
		if _, err := r.q(ctx).ExecContext(ctx, `DELETE FROM cart_lines WHERE cart_id = ?`, id); err != nil {
			return fmt.Errorf("clearing cart %q: %w", id, err)
		}
		return nil
	})
}

// Upsert replaces the cart and all its lines.
func (r *CartRepository) Upsert(ctx context.Context, c cart.Cart) error {
	return r.InTx(ctx, func(ctx context.Context) error {
		q := r.q(ctx)
		if _, err := q.ExecContext(ctx, `
			INSERT INTO carts (id, customer_id) VALUES (?, ?)
			ON CONFLICT (id) DO UPDATE SET customer_id = excluded.customer_id`,
			c.ID, c.CustomerID,
		); err != nil {
			return fmt.Errorf("upserting cart %q: %w", c.ID, err)
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM cart_lines WHERE cart_id = ?`, c.ID); err != nil {
			return fmt.Errorf("resetting lines of cart %q: %w", c.ID, err)
		}
		for i, l := range c.Lines {
			if _, err := q.ExecContext(ctx,
				`INSERT INTO cart_lines (cart_id, product_id, quantity, position) VALUES (?, ?, ?, ?)`,
				c.ID, l.ProductID, l.Quantity, i,
			); err != nil {
				return fmt.Errorf("writing line %s of cart %q: %w", l.ProductID, c.ID, err)
			}
		}
		return nil
	})
}

// OrderRepository implements order.Repository.
type OrderRepository struct {
	conn
}

type orderRow struct {
	ID              string          `db:"id"`
	CustomerID      string          `db:"customer_id"`
	CartID          string          `db:"cart_id"`
	Status          string          `db:"status"`
	DeliveryAddress string          `db:"delivery_address"`
	Total           decimal.Decimal `db:"total"`
	CreatedAt       string          `db:"created_at"`
	UpdatedAt       string          `db:"updated_at"`
}

type itemRow struct {
	OrderID   string          `db:"order_id"`
	Position  int             `db:"position"`
	ProductID string          `db:"product_id"`
	Quantity  int             `db:"quantity"`
	UnitPrice decimal.Decimal `db:"unit_price"`
}

// Create persists a new order and its items.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	return r.InTx(ctx, func(ctx context.Context) error {
		if _, err := sqlx.NamedExecContext(ctx, r.q(ctx), `
			INSERT INTO orders (id, customer_id, cart_id, status, delivery_address, total, created_at, updated_at)
			VALUES (:id, :customer_id, :cart_id, :status, :delivery_address, :total, :created_at, :updated_at)`,
			orderRow{
				ID:              o.ID,
				CustomerID:      o.CustomerID,
				CartID:          o.CartID,
				Status:          string(o.Status),
				DeliveryAddress: o.DeliveryAddress,
				Total:           o.Total,
				CreatedAt:       o.CreatedAt.UTC().Format(timeLayout),
				UpdatedAt:       o.UpdatedAt.UTC().Format(timeLayout),
			},
		); err != nil {
			return fmt.Errorf("creating order %q: %w", o.ID, err)
		}

		for i, it := range o.Items {
			if _, err := sqlx.NamedExecContext(ctx, r.q(ctx), `
				INSERT INTO order_items (order_id, position, product_id, quantity, unit_price)
				VALUES (:order_id, :position, :product_id, :quantity, :unit_price)`,
				itemRow{OrderID: o.ID, Position: i, ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice},
			); err != nil {
				return fmt.Errorf("creating item %d of order %q: %w", i, o.ID, err)
			}
		}
		return nil
	})
}

// GetByID returns the order with its items.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*order.Order, error) {
	var row orderRow
	err := sqlx.GetContext(ctx, r.q(ctx), &row, `
		SELECT id, customer_id, cart_id, status, delivery_address, total, created_at, updated_at
		FROM orders WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}

	var items []itemRow
	if err := sqlx.SelectContext(ctx, r.q(ctx), &items, `
		SELECT order_id, position, product_id, quantity, unit_price
		FROM order_items WHERE order_id = ? ORDER BY position`, id,
	); err != nil {
		return nil, fmt.Errorf("listing items of order %q: %w", id, err)
	}

	o := &order.Order{
		ID:              row.ID,
		CustomerID:      row.CustomerID,
		CartID:          row.CartID,
		Status:          order.Status(row.Status),
		DeliveryAddress: row.DeliveryAddress,
		Total:           row.Total,
		Items:           make([]order.Item, 0, len(items)),
	}
	if o.CreatedAt, err = time.Parse(timeLayout, row.CreatedAt); err != nil {
		return nil, fmt.Errorf("parsing created_at of order %q: %w", id, err)
	}
	if o.UpdatedAt, err = time.Parse(timeLayout, row.UpdatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at of order %q: %w", id, err)
	}
	for _, it := range items {
		o.Items = append(o.Items, order.Item{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	return o, nil
}

// UpdateStatus implements order.Repository.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, from, to order.Status) error {
	res, err := r.q(ctx).ExecContext(ctx,
		`UPDATE orders SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC().Format(timeLayout), id, string(from),
	)
	if err != nil {
		return fmt.Errorf("updating status of order %q: %w", id, err)
	}
	return r.checkAffected(ctx, res, id)
}

// UpdateDeliveryAddress implements order.Repository.
func (r *OrderRepository) UpdateDeliveryAddress(ctx context.Context, id, address string) error {
	res, err := r.q(ctx).ExecContext(ctx,
		`UPDATE orders SET delivery_address = ?, updated_at = ? WHERE id = ? AND status = ?`,
		address, time.Now().UTC().Format(timeLayout), id, string(order.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("updating address of order %q: %w", id, err)
	}
	return r.checkAffected(ctx, res, id)
}

func (r *OrderRepository) checkAffected(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for order %q: %w", id, err)
	}
	if n > 0 {
		return nil
	}

	var exists int
	if err := sqlx.GetContext(ctx, r.q(ctx), &exists, `SELECT COUNT(*) FROM orders WHERE id = ?`, id); err != nil {
		return fmt.Errorf("checking order %q: %w", id, err)
	}
	if exists == 0 {
		return order.ErrNotFound
	}
	return order.ErrStatusConflict
}

// APIKeyRepository provides API key lookups.
type APIKeyRepository struct {
	conn
}

type apiKeyRow struct {
	ID         string `db:"id"`
	KeyHash    string `db:"key_hash"`
	Name       string `db:"name"`
	CustomerID string `db:"customer_id"`
	Role       string `db:"role"`
}

// FindByHash looks up an active API key by its hash.
func (r *APIKeyRepository) FindByHash(ctx context.Context, hash string) (*auth.APIKeyInfo, error) {
	var row apiKeyRow
	err := sqlx.GetContext(ctx, r.q(ctx), &row, `
		SELECT id, key_hash, name, customer_id, role
		FROM api_keys WHERE key_hash = ? AND active = 1`, hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("finding api key by hash: %w", auth.ErrKeyNotFound)
		}
		return nil, fmt.Errorf("finding api key by hash: %w", err)
	}
	return &auth.APIKeyInfo{
		ID:         row.ID,
		KeyHash:    row.KeyHash,
		Name:       row.Name,
		CustomerID: row.CustomerID,
		Role:       auth.Role(row.Role),
	}, nil
}

// Upsert inserts or rotates an API key.
func (r *APIKeyRepository) Upsert(ctx context.Context, k auth.APIKeyInfo) error {
	_, err := sqlx.NamedExecContext(ctx, r.q(ctx), `
		INSERT INTO api_keys (id, key_hash, name, customer_id, role, active)
		VALUES (:id, :key_hash, :name, :customer_id, :role, 1)
		ON CONFLICT (id) DO UPDATE
		SET key_hash = excluded.key_hash, name = excluded.name,
		    customer_id = excluded.customer_id, role = excluded.role, active = 1`,
		apiKeyRow{ID: k.ID, KeyHash: k.KeyHash, Name: k.Name, CustomerID: k.CustomerID, Role: string(k.Role)},
	)
	if err != nil {
		return fmt.Errorf("upserting api key %q: %w", k.ID, err)
	}
	return nil
}
