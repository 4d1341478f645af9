package order

import (
	"context"
	"slices"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-orders/internal/domain/cart"
	"github.com/xenking/kart-orders/internal/domain/inventory"
	"github.com/xenking/kart-orders/internal/domain/product"
)

// Assembler turns cart lines into order items, reserving stock for each.
type Assembler struct {
	products product.Repository
	ledger   inventory.Ledger
}

// NewAssembler creates an Assembler.
func NewAssembler(products product.Repository, ledger inventory.Ledger) *Assembler {
	return &Assembler{products: products, ledger: ledger}
}

// Assemble processes lines in order. Each product must exist and be
// AVAILABLE, and its stock is reserved before the item is priced at the
// current product price.
//
// If any line fails, the stock reserved for earlier lines is restored before
// the error is returned.
func (a *Assembler) Assemble(ctx context.Context, lines []cart.Line) ([]Item, error) {
	ids := make([]string, len(lines))
	for i, l := range lines {
		ids[i] = l.ProductID
	}
	if err := a.lock(ctx, ids); err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(lines))
	for _, line := range lines {
		item, err := a.assembleLine(ctx, line)
		if err != nil {
			if relErr := a.Release(ctx, items); relErr != nil {
				zctx.From(ctx).Error("Failed to release reserved stock",
					zap.Error(relErr),
					zap.Int("items", len(items)),
				)
			}
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (a *Assembler) assembleLine(ctx context.Context, line cart.Line) (Item, error) {
	if line.Quantity <= 0 {
		return Item{}, &InvalidQuantityError{ProductID: line.ProductID, Quantity: line.Quantity}
	}

	p, err := a.products.GetByID(ctx, line.ProductID)
	if err != nil {
		if errors.Is(err, product.ErrNotFound) {
			return Item{}, &ProductNotFoundError{ProductID: line.ProductID}
		}
		return Item{}, errors.Wrapf(err, "get product %s", line.ProductID)
	}
	if p.Status != product.StatusAvailable {
		return Item{}, &ProductNotAvailableError{ProductID: p.ID, Status: p.Status}
	}

	if err := a.ledger.Reserve(ctx, p.ID, line.Quantity); err != nil {
		var insufficient *inventory.InsufficientStockError
		switch {
		case errors.As(err, &insufficient):
			return Item{}, err
		case errors.Is(err, product.ErrNotFound):
			return Item{}, &ProductNotFoundError{ProductID: p.ID}
		default:
			return Item{}, errors.Wrapf(err, "reserve product %s", p.ID)
		}
	}

	return Item{
		ProductID: p.ID,
		Quantity:  line.Quantity,
		UnitPrice: p.Price,
	}, nil
}

// Release restores the stock of items in reverse order. It attempts every
// item and returns the first failure.
func (a *Assembler) Release(ctx context.Context, items []Item) error {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ProductID
	}
	if err := a.lock(ctx, ids); err != nil {
		return err
	}

	var first error
	for i := len(items) - 1; i >= 0; i-- {
		it := items[i]
		if err := a.ledger.Restore(ctx, it.ProductID, it.Quantity); err != nil && first == nil {
			first = errors.Wrapf(err, "restore product %s", it.ProductID)
		}
	}
	return first
}

// lock takes the ledger's product locks up front in ascending id order when
// the ledger holds them until commit. Items are still processed in cart
// order.
func (a *Assembler) lock(ctx context.Context, ids []string) error {
	l, ok := a.ledger.(inventory.Locker)
	if !ok || len(ids) == 0 {
		return nil
	}
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	if err := l.LockProducts(ctx, slices.Compact(sorted)); err != nil {
		return errors.Wrap(err, "lock products")
	}
	return nil
}
