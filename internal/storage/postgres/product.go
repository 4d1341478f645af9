package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-orders/internal/domain/inventory"
	"github.com/xenking/kart-orders/internal/domain/product"
)

var (
	_ product.Repository = (*ProductRepository)(nil)
	_ inventory.Ledger   = (*ProductRepository)(nil)
	_ inventory.Locker   = (*ProductRepository)(nil)
)

// ProductRepository reads products and serves as their stock ledger.
type ProductRepository struct {
	conn
}

// GetByID returns a single product.
func (r *ProductRepository) GetByID(ctx context.Context, id string) (*product.Product, error) {
	var p product.Product
	err := r.q(ctx).QueryRow(ctx,
		`SELECT id, name, price, stock, status FROM products WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.Price, &p.Stock, &p.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, product.ErrNotFound
		}
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}
	return &p, nil
}

// LockProducts implements inventory.Locker. Unknown ids are ignored.
func (r *ProductRepository) LockProducts(ctx context.Context, ids []string) error {
	rows, err := r.q(ctx).Query(ctx,
		`SELECT id FROM products WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return fmt.Errorf("locking products: %w", err)
	}
	if _, err := pgx.CollectRows(rows, pgx.RowTo[string]); err != nil {
		return fmt.Errorf("locking products: %w", err)
	}
	return nil
}

// Reserve implements inventory.Ledger.
func (r *ProductRepository) Reserve(ctx context.Context, productID string, qty int) error {
	return r.adjust(ctx, productID, func(st inventory.Stock) (inventory.Stock, error) {
		return st.Reserve(productID, qty)
	})
}

// Restore implements inventory.Ledger.
func (r *ProductRepository) Restore(ctx context.Context, productID string, qty int) error {
	return r.adjust(ctx, productID, func(st inventory.Stock) (inventory.Stock, error) {
		return st.Restore(qty)
	})
}

// SetStock replaces the quantity of a product, e.g. after a physical count.
func (r *ProductRepository) SetStock(ctx context.Context, productID string, qty int) error {
	return r.adjust(ctx, productID, func(st inventory.Stock) (inventory.Stock, error) {
		if qty < 0 {
			return st, inventory.ErrInvalidQuantity
		}
		return inventory.Stock{Quantity: qty, Status: inventory.DeriveStatus(qty, st.Status)}, nil
	})
}

// adjust locks the product row, computes the new stock and writes it back.
func (r *ProductRepository) adjust(
	ctx context.Context,
	productID string,
	fn func(inventory.Stock) (inventory.Stock, error),
) error {
	return r.InTx(ctx, func(ctx context.Context) error {
		var st inventory.Stock
		err := r.q(ctx).QueryRow(ctx,
			`SELECT stock, status FROM products WHERE id = $1 FOR UPDATE`, productID,
		).Scan(&st.Quantity, &st.Status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return product.ErrNotFound
			}
			return fmt.Errorf("locking product %q: %w", productID, err)
		}

		next, err := fn(st)
		if err != nil {
			return err
		}

		if _, err := r.q(ctx).Exec(ctx,
			`UPDATE products SET stock = $2, status = $3, updated_at = now() WHERE id = $1`,
			productID, next.Quantity, next.Status,
		); err != nil {
			return fmt.Errorf("updating stock of product %q: %w", productID, err)
		}
		return nil
	})
}

// Upsert inserts or replaces a product.
func (r *ProductRepository) Upsert(ctx context.Context, p product.Product) error {
	_, err := r.q(ctx).Exec(ctx, `
		INSERT INTO products (id, name, price, stock, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, price = EXCLUDED.price, stock = EXCLUDED.stock,
		    status = EXCLUDED.status, updated_at = now()`,
		p.ID, p.Name, p.Price, p.Stock, p.Status,
	)
	if err != nil {
		return fmt.Errorf("upserting product %q: %w", p.ID, err)
	}
	return nil
}
