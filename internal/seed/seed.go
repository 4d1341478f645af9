// Package seed loads fixture catalogs, carts and API keys into a storage
// backend.
package seed

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-orders/internal/domain/auth"
	"github.com/xenking/kart-orders/internal/domain/cart"
	"github.com/xenking/kart-orders/internal/domain/inventory"
	"github.com/xenking/kart-orders/internal/domain/product"
)

// Writer is the administrative write side of a storage backend. Order paths
// never use it.
type Writer interface {
	UpsertProduct(ctx context.Context, p product.Product) error
	UpsertCart(ctx context.Context, c cart.Cart) error
	UpsertAPIKey(ctx context.Context, k auth.APIKeyInfo) error
}

// Document is the on-disk seed format.
type Document struct {
	Products []Product `json:"products"`
	Carts    []Cart    `json:"carts"`
	APIKeys  []APIKey  `json:"api_keys"`
}

// Product is a catalog entry with its starting stock.
type Product struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
	Stock int             `json:"stock"`
	// Status is optional. When empty it is derived from Stock.
	Status product.Status `json:"status"`
}

// Cart is a customer's cart with its lines in order.
type Cart struct {
	ID         string      `json:"id"`
	CustomerID string      `json:"customer_id"`
	Lines      []cart.Line `json:"lines"`
}

// APIKey carries the plain key; only its HMAC is stored.
type APIKey struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	Name       string    `json:"name"`
	CustomerID string    `json:"customer_id"`
	Role       auth.Role `json:"role"`
}

// Load decodes and validates a seed document.
func Load(r io.Reader) (*Document, error) {
	var doc Document
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "decode seed document")
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// LoadFile is Load over a file.
func LoadFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open seed file")
	}
	defer func() { _ = f.Close() }()
	return Load(f)
}

// Validate checks the invariants every backend relies on.
func (d *Document) Validate() error {
	for i, p := range d.Products {
		switch {
		case p.ID == "":
			return errors.Errorf("product #%d: id required", i)
		case p.Stock < 0:
			return errors.Errorf("product %s: negative stock %d", p.ID, p.Stock)
		case p.Price.IsNegative():
			return errors.Errorf("product %s: negative price %s", p.ID, p.Price)
		case p.Status != "" && !p.Status.Valid():
			return errors.Errorf("product %s: unknown status %q", p.ID, p.Status)
		}
	}
	for i, c := range d.Carts {
		if c.ID == "" || c.CustomerID == "" {
			return errors.Errorf("cart #%d: id and customer_id required", i)
		}
		seen := make(map[string]struct{}, len(c.Lines))
		for _, l := range c.Lines {
			if l.Quantity < 1 {
				return errors.Errorf("cart %s: product %s: quantity must be at least 1", c.ID, l.ProductID)
			}
			if _, dup := seen[l.ProductID]; dup {
				return errors.Errorf("cart %s: duplicate line for product %s", c.ID, l.ProductID)
			}
			seen[l.ProductID] = struct{}{}
		}
	}
	for i, k := range d.APIKeys {
		if k.ID == "" || k.Key == "" {
			return errors.Errorf("api key #%d: id and key required", i)
		}
		if _, err := auth.ParseRole(string(k.Role)); err != nil {
			return errors.Wrapf(err, "api key %s", k.ID)
		}
	}
	return nil
}

// Stats counts the records written by Apply.
type Stats struct {
	Products int
	Carts    int
	APIKeys  int
}

// Apply upserts every record of doc into w. API keys are hashed with pepper.
func Apply(ctx context.Context, w Writer, doc *Document, pepper []byte) (Stats, error) {
	var st Stats
	for _, p := range doc.Products {
		status := inventory.DeriveStatus(p.Stock, p.Status)
		if err := w.UpsertProduct(ctx, product.Product{
			ID:     p.ID,
			Name:   p.Name,
			Price:  p.Price,
			Stock:  p.Stock,
			Status: status,
		}); err != nil {
			return st, errors.Wrapf(err, "upsert product %s", p.ID)
		}
		st.Products++
	}
	for _, c := range doc.Carts {
		if err := w.UpsertCart(ctx, cart.Cart{ID: c.ID, CustomerID: c.CustomerID, Lines: c.Lines}); err != nil {
			return st, errors.Wrapf(err, "upsert cart %s", c.ID)
		}
		st.Carts++
	}
	for _, k := range doc.APIKeys {
		role, _ := auth.ParseRole(string(k.Role))
		if err := w.UpsertAPIKey(ctx, auth.APIKeyInfo{
			ID:         k.ID,
			KeyHash:    auth.HashAPIKeyHex(pepper, k.Key),
			Name:       k.Name,
			CustomerID: k.CustomerID,
			Role:       role,
		}); err != nil {
			return st, errors.Wrapf(err, "upsert api key %s", k.ID)
		}
		st.APIKeys++
	}
	return st, nil
}
