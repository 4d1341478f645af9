// Package inventory defines the stock ledger contract.
//
// A Ledger moves stock in and out of a single product record. Implementations
// must serialize Reserve and Restore per product: the read of the current
// quantity and the write of the new one happen under one per-record lock or
// one conditional statement. Unrelated products never contend.
//
// The new quantity and status are always computed with Stock.Reserve and
// Stock.Restore, so every backend shares the same rules.
package inventory

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-orders/internal/domain/product"
)

// ErrInvalidQuantity is returned for non-positive reserve or restore amounts.
var ErrInvalidQuantity = errors.New("quantity must be greater than 0")

// InsufficientStockError indicates a reservation asked for more units than
// the product had at the time of the atomic check.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

// Ledger reserves and restores product stock.
type Ledger interface {
	// Reserve decrements stock by qty if at least qty units are available.
	// It returns *InsufficientStockError otherwise and leaves stock unchanged.
	Reserve(ctx context.Context, productID string, qty int) error
	// Restore increments stock by qty.
	Restore(ctx context.Context, productID string, qty int) error
}

// Locker is implemented by ledgers whose per-product locks last until the
// surrounding transaction ends. LockProducts takes the locks of all ids in
// ascending id order, so two units of work over the same products never wait
// on each other in a cycle.
type Locker interface {
	LockProducts(ctx context.Context, ids []string) error
}

// Stock is the mutable part of a product record.
type Stock struct {
	Quantity int
	Status   product.Status
}

// DeriveStatus returns the status a product must have after its quantity
// changed. Operator-set statuses (INACTIVE, DELETED) are kept as is.
func DeriveStatus(quantity int, current product.Status) product.Status {
	if current.Sticky() {
		return current
	}
	if quantity == 0 {
		return product.StatusOutOfStock
	}
	return product.StatusAvailable
}

// Reserve returns the stock left after taking qty units.
func (s Stock) Reserve(productID string, qty int) (Stock, error) {
	if qty <= 0 {
		return s, ErrInvalidQuantity
	}
	if qty > s.Quantity {
		return s, &InsufficientStockError{
			ProductID: productID,
			Requested: qty,
			Available: s.Quantity,
		}
	}
	left := s.Quantity - qty
	return Stock{Quantity: left, Status: DeriveStatus(left, s.Status)}, nil
}

// Restore returns the stock after putting qty units back.
func (s Stock) Restore(qty int) (Stock, error) {
	if qty <= 0 {
		return s, ErrInvalidQuantity
	}
	total := s.Quantity + qty
	return Stock{Quantity: total, Status: DeriveStatus(total, s.Status)}, nil
}
