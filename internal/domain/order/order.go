package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Status is a stage of the order lifecycle.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusShipped   Status = "SHIPPED"
	StatusDelivered Status = "DELIVERED"
	StatusCanceled  Status = "CANCELED"
)

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusPending, StatusShipped, StatusDelivered, StatusCanceled:
		return st, true
	default:
		return "", false
	}
}

// transitions lists the legal moves. Everything else is rejected.
var transitions = map[Status][]Status{
	StatusPending: {StatusShipped, StatusCanceled},
	StatusShipped: {StatusDelivered},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Order is a customer's purchase. Items and Total are fixed at creation.
type Order struct {
	ID              string
	CustomerID      string
	CartID          string
	Status          Status
	DeliveryAddress string
	Total           decimal.Decimal
	Items           []Item
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Item is a product line captured at order time.
type Item struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Subtotal returns UnitPrice * Quantity.
func (i Item) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Total sums the subtotals of items.
func Total(items []Item) decimal.Decimal {
	sum := decimal.Zero
	for _, it := range items {
		sum = sum.Add(it.Subtotal())
	}
	return sum
}

// New builds a PENDING order owning items. The total is computed here and
// never recomputed.
func New(id, customerID, cartID, deliveryAddress string, items []Item, now time.Time) *Order {
	owned := make([]Item, len(items))
	copy(owned, items)

	return &Order{
		ID:              id,
		CustomerID:      customerID,
		CartID:          cartID,
		Status:          StatusPending,
		DeliveryAddress: deliveryAddress,
		Total:           Total(owned),
		Items:           owned,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Repository defines persistence operations for orders. Orders are never
// deleted.
type Repository interface {
	// Create stores the order together with its items.
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id string) (*Order, error)
	// UpdateStatus moves the order from one status to another. It returns
	// ErrStatusConflict when the stored status is not from.
	UpdateStatus(ctx context.Context, id string, from, to Status) error
	// UpdateDeliveryAddress replaces the address of a PENDING order. It
	// returns ErrStatusConflict when the order is in any other status.
	UpdateDeliveryAddress(ctx context.Context, id, address string) error
}

// Transactor runs fn as a single unit of work. Backends without transactions
// run fn directly.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// TransactorFunc adapts a function to Transactor.
type TransactorFunc func(ctx context.Context, fn func(ctx context.Context) error) error

// InTx calls f.
func (f TransactorFunc) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return f(ctx, fn)
}

// NoTx runs fn without a transaction.
var NoTx Transactor = TransactorFunc(func(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
})
