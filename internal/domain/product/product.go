package product

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested product does not exist.
var ErrNotFound = errors.New("product not found")

// Status is the availability state of a product.
type Status string

const (
	StatusAvailable  Status = "AVAILABLE"
	StatusOutOfStock Status = "OUT_OF_STOCK"
	StatusInactive   Status = "INACTIVE"
	StatusDeleted    Status = "DELETED"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusOutOfStock, StatusInactive, StatusDeleted:
		return true
	default:
		return false
	}
}

// Sticky reports whether the status was set by an operator and must survive
// stock changes.
func (s Status) Sticky() bool {
	return s == StatusInactive || s == StatusDeleted
}

// Product is a catalog item together with its stock record.
type Product struct {
	ID     string
	Name   string
	Price  decimal.Decimal
	Stock  int
	Status Status
}

// Repository defines read operations for products.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Product, error)
}
