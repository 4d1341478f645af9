package order

import (
	"fmt"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-orders/internal/domain/cart"
	"github.com/xenking/kart-orders/internal/domain/inventory"
	"github.com/xenking/kart-orders/internal/domain/product"
)

// Sentinel errors for order operations.
var (
	ErrNotFound                = errors.New("order not found")
	ErrUnauthorized            = errors.New("not authorized for this operation")
	ErrCartEmpty               = errors.New("cart is empty")
	ErrDeliveryAddressRequired = errors.New("delivery address required")
	// ErrStatusConflict is returned by repositories when a conditional update
	// lost against a concurrent change.
	ErrStatusConflict = errors.New("order status changed concurrently")
)

// ProductNotFoundError indicates a cart line references an unknown product.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// ProductNotAvailableError indicates a product that cannot be sold right now.
type ProductNotAvailableError struct {
	ProductID string
	Status    product.Status
}

func (e *ProductNotAvailableError) Error() string {
	return fmt.Sprintf("product %s is not available (status %s)", e.ProductID, e.Status)
}

// InvalidQuantityError indicates a cart line with a non-positive quantity.
type InvalidQuantityError struct {
	ProductID string
	Quantity  int
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be greater than 0 for product %s, got %d", e.ProductID, e.Quantity)
}

// NotCancelableError indicates a cancel request for an order past PENDING.
type NotCancelableError struct {
	OrderID string
	Status  Status
}

func (e *NotCancelableError) Error() string {
	return fmt.Sprintf("order %s cannot be canceled in status %s", e.OrderID, e.Status)
}

// NotModifiableError indicates an edit of an order past PENDING.
type NotModifiableError struct {
	OrderID string
	Status  Status
}

func (e *NotModifiableError) Error() string {
	return fmt.Sprintf("order %s cannot be modified in status %s", e.OrderID, e.Status)
}

// InvalidTransitionError indicates a status change the state machine forbids.
type InvalidTransitionError struct {
	OrderID string
	From    Status
	To      Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order %s cannot move from %s to %s", e.OrderID, e.From, e.To)
}

// Kind groups errors for callers that render them.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindUnauthorized      Kind = "unauthorized"
	KindInvalidState      Kind = "invalid_state"
	KindInsufficientStock Kind = "insufficient_stock"
	KindInvalidArgument   Kind = "invalid_argument"
	KindInternal          Kind = "internal"
)

// KindOf classifies err. Anything that is not a known business error is
// KindInternal.
func KindOf(err error) Kind {
	var (
		pnf *ProductNotFoundError
		pna *ProductNotAvailableError
		iq  *InvalidQuantityError
		nc  *NotCancelableError
		nm  *NotModifiableError
		it  *InvalidTransitionError
		is  *inventory.InsufficientStockError
	)

	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound),
		errors.Is(err, cart.ErrNotFound),
		errors.Is(err, product.ErrNotFound),
		errors.As(err, &pnf):
		return KindNotFound
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.As(err, &is):
		return KindInsufficientStock
	case errors.Is(err, ErrCartEmpty),
		errors.As(err, &pna),
		errors.As(err, &nc),
		errors.As(err, &nm),
		errors.As(err, &it):
		return KindInvalidState
	case errors.Is(err, ErrDeliveryAddressRequired),
		errors.Is(err, inventory.ErrInvalidQuantity),
		errors.As(err, &iq):
		return KindInvalidArgument
	default:
		return KindInternal
	}
}
