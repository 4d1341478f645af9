// Package sqlite implements the storage contracts on an embedded SQLite
// database.
//
// The database handle is limited to a single connection, which serializes
// every write and makes each transaction the only writer. Stock changes are
// therefore atomic per product without row locks.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/xenking/kart-orders/db"
	"github.com/xenking/kart-orders/internal/domain/auth"
	"github.com/xenking/kart-orders/internal/domain/cart"
	"github.com/xenking/kart-orders/internal/domain/inventory"
	"github.com/xenking/kart-orders/internal/domain/order"
	"github.com/xenking/kart-orders/internal/domain/product"
	"github.com/xenking/kart-orders/internal/seed"
)

const timeLayout = time.RFC3339Nano

var (
	_ product.Repository = (*Store)(nil)
	_ inventory.Ledger   = (*Store)(nil)
	_ order.Transactor   = (*Store)(nil)
	_ seed.Writer        = (*Store)(nil)
	_ cart.Repository    = (*CartRepository)(nil)
	_ order.Repository   = (*OrderRepository)(nil)
	_ auth.Repository    = (*APIKeyRepository)(nil)
)

// Open opens the database at path (":memory:" for a private in-memory
// database) and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	dbx, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %q: %w", path, err)
	}
	dbx.SetMaxOpenConns(1)
	// Keep the single connection alive; an in-memory database dies with it.
	dbx.SetConnMaxIdleTime(0)
	dbx.SetConnMaxLifetime(0)

	if err := dbx.PingContext(ctx); err != nil {
		_ = dbx.Close()
		return nil, fmt.Errorf("pinging sqlite %q: %w", path, err)
	}
	if _, err := dbx.ExecContext(ctx, db.SQLiteSchema); err != nil {
		_ = dbx.Close()
		return nil, fmt.Errorf("applying sqlite schema: %w", err)
	}

	c := conn{db: dbx}
	return &Store{
		conn:    c,
		Carts:   &CartRepository{conn: c},
		Orders:  &OrderRepository{conn: c},
		APIKeys: &APIKeyRepository{conn: c},
	}, nil
}

type txKey struct{}

type conn struct {
	db *sqlx.DB
}

func (c conn) q(ctx context.Context) sqlx.ExtContext {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return c.db
}

// InTx runs fn in a transaction. A call inside an existing transaction joins
// it.
func (c conn) InTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return fn(ctx)
	}

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Store is the product repository and stock ledger; the other repositories
// hang off it.
type Store struct {
	conn

	Carts   *CartRepository
	Orders  *OrderRepository
	APIKeys *APIKeyRepository
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type productRow struct {
	ID     string          `db:"id"`
	Name   string          `db:"name"`
	Price  decimal.Decimal `db:"price"`
	Stock  int             `db:"stock"`
	Status string          `db:"status"`
}

// GetByID returns a single product.
func (s *Store) GetByID(ctx context.Context, id string) (*product.Product, error) {
	var row productRow
	err := sqlx.GetContext(ctx, s.q(ctx), &row,
		`SELECT id, name, price, stock, status FROM products WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, product.ErrNotFound
		}
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}
	return &product.Product{
		ID:     row.ID,
		Name:   row.Name,
		Price:  row.Price,
		Stock:  row.Stock,
		Status: product.Status(row.Status),
	}, nil
}

// Reserve implements inventory.Ledger.
func (s *Store) Reserve(ctx context.Context, productID string, qty int) error {
	return s.adjust(ctx, productID, func(st inventory.Stock) (inventory.Stock, error) {
		return st.Reserve(productID, qty)
	})
}

// Restore implements inventory.Ledger.
func (s *Store) Restore(ctx context.Context, productID string, qty int) error {
	return s.adjust(ctx, productID, func(st inventory.Stock) (inventory.Stock, error) {
		return st.Restore(qty)
	})
}

func (s *Store) adjust(ctx context.Context, productID string, fn func(inventory.Stock) (inventory.Stock, error)) error {
	return s.InTx(ctx, func(ctx context.Context) error {
		var row struct {
			Stock  int    `db:"stock"`
			Status string `db:"status"`
		}
		err := sqlx.GetContext(ctx, s.q(ctx), &row,
			`SELECT stock, status FROM products WHERE id = ?`, productID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return product.ErrNotFound
			}
			return fmt.Errorf("reading stock of product %q: %w", productID, err)
		}

		next, err := fn(inventory.Stock{Quantity: row.Stock, Status: product.Status(row.Status)})
		if err != nil {
			return err
		}

		if _, err := s.q(ctx).ExecContext(ctx,
			`UPDATE products SET stock = ?, status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			next.Quantity, string(next.Status), productID,
		); err != nil {
			return fmt.Errorf("updating stock of product %q: %w", productID, err)
		}
		return nil
	})
}

// UpsertProduct implements seed.Writer.
func (s *Store) UpsertProduct(ctx context.Context, p product.Product) error {
	_, err := sqlx.NamedExecContext(ctx, s.q(ctx), `
		INSERT INTO products (id, name, price, stock, status)
		VALUES (:id, :name, :price, :stock, :status)
		ON CONFLICT (id) DO UPDATE
		SET name = excluded.name, price = excluded.price, stock = excluded.stock,
		    status = excluded.status, updated_at = CURRENT_TIMESTAMP`,
		productRow{ID: p.ID, Name: p.Name, Price: p.Price, Stock: p.Stock, Status: string(p.Status)},
	)
	if err != nil {
		return fmt.Errorf("upserting product %q: %w", p.ID, err)
	}
	return nil
}

// UpsertCart implements seed.Writer.
func (s *Store) UpsertCart(ctx context.Context, c cart.Cart) error {
	return s.Carts.Upsert(ctx, c)
}

// UpsertAPIKey implements seed.Writer.
func (s *Store) UpsertAPIKey(ctx context.Context, k auth.APIKeyInfo) error {
	return s.APIKeys.Upsert(ctx, k)
}
