package cart

import (
	"context"

	"github.com/go-faster/errors"
)

// ErrNotFound is returned when a requested cart does not exist.
var ErrNotFound = errors.New("cart not found")

// Cart holds the lines a customer intends to buy. There is at most one line
// per product and lines keep their insertion order.
type Cart struct {
	ID         string
	CustomerID string
	Lines      []Line
}

// Line is a product reference with the requested quantity.
type Line struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// Empty reports whether the cart has no lines.
func (c *Cart) Empty() bool {
	return len(c.Lines) == 0
}

// Repository provides the cart operations order placement depends on.
type Repository interface {
	// Lock claims the cart for one unit of work. A second Lock of the same
	// cart waits until unlock is called or, for transactional backends, until
	// the surrounding transaction ends. It returns ErrNotFound for an unknown
	// cart.
	Lock(ctx context.Context, id string) (unlock func(), err error)
	GetByID(ctx context.Context, id string) (*Cart, error)
	// Clear removes all lines from the cart. The cart itself stays.
	Clear(ctx context.Context, id string) error
}
