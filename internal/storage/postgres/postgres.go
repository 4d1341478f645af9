// Package postgres implements the storage contracts on PostgreSQL.
//
// Every repository method runs on the transaction carried by the context when
// there is one, so a unit of work started with Store.InTx spans all
// repositories. Stock changes lock the product row with SELECT ... FOR UPDATE.
package postgres

import (
	"context"
	"fmt"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-orders/db"
	"github.com/xenking/kart-orders/internal/domain/auth"
	"github.com/xenking/kart-orders/internal/domain/cart"
	"github.com/xenking/kart-orders/internal/domain/order"
	"github.com/xenking/kart-orders/internal/domain/product"
	"github.com/xenking/kart-orders/internal/seed"
)

// NewPool creates a pgxpool.Pool configured with shopspring/decimal support
// for NUMERIC columns.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	return pool, nil
}

// RunMigrations executes the embedded DDL schema against the pool.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, db.Schema); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type txKey struct{}

// conn returns the transaction bound to ctx, or the pool.
type conn struct {
	pool *pgxpool.Pool
}

func (c conn) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return c.pool
}

// InTx runs fn in a transaction. A call inside an existing transaction joins
// it.
func (c conn) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	return pgx.BeginTxFunc(ctx, c.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

var (
	_ order.Transactor = (*Store)(nil)
	_ seed.Writer      = (*Store)(nil)
)

// Store groups the repositories sharing one pool.
type Store struct {
	conn

	Products *ProductRepository
	Carts    *CartRepository
	Orders   *OrderRepository
	APIKeys  *APIKeyRepository
}

// NewStore returns a Store on pool.
func NewStore(pool *pgxpool.Pool) *Store {
	c := conn{pool: pool}
	return &Store{
		conn:     c,
		Products: &ProductRepository{conn: c},
		Carts:    &CartRepository{conn: c},
		Orders:   &OrderRepository{conn: c},
		APIKeys:  &APIKeyRepository{conn: c},
	}
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// UpsertProduct implements seed.Writer.
func (s *Store) UpsertProduct(ctx context.Context, p product.Product) error {
	return s.Products.Upsert(ctx, p)
}

// UpsertCart implements seed.Writer.
func (s *Store) UpsertCart(ctx context.Context, c cart.Cart) error {
	return s.Carts.Upsert(ctx, c)
}

// UpsertAPIKey implements seed.Writer.
func (s *Store) UpsertAPIKey(ctx context.Context, k auth.APIKeyInfo) error {
	return s.APIKeys.Upsert(ctx, k)
}
