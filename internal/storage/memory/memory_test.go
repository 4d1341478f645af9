package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xenking/kart-orders/internal/domain/auth"
	"github.com/xenking/kart-orders/internal/domain/cart"
	"github.com/xenking/kart-orders/internal/domain/inventory"
	"github.com/xenking/kart-orders/internal/domain/order"
	"github.com/xenking/kart-orders/internal/domain/product"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newProducts(t *testing.T, stock int) *ProductStore {
	t.Helper()
	s := NewProductStore()
	s.Put(product.Product{ID: "P", Price: decimal.NewFromInt(10), Stock: stock, Status: product.StatusAvailable})
	return s
}

func TestLedger_ReserveRestore(t *testing.T) {
	ctx := context.Background()
	s := newProducts(t, 3)

	require.NoError(t, s.Reserve(ctx, "P", 3))
	p, err := s.GetByID(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, 0, p.Stock)
	assert.Equal(t, product.StatusOutOfStock, p.Status)

	err = s.Reserve(ctx, "P", 1)
	var insufficient *inventory.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 0, insufficient.Available)

	require.NoError(t, s.Restore(ctx, "P", 3))
	p, err = s.GetByID(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, 3, p.Stock)
	assert.Equal(t, product.StatusAvailable, p.Status)

	require.ErrorIs(t, s.Reserve(ctx, "missing", 1), product.ErrNotFound)
	require.ErrorIs(t, s.Restore(ctx, "missing", 1), product.ErrNotFound)
}

func TestLedger_RestoreKeepsInactive(t *testing.T) {
	ctx := context.Background()
	s := NewProductStore()
	s.Put(product.Product{ID: "P", Stock: 0, Status: product.StatusInactive})

	require.NoError(t, s.Restore(ctx, "P", 2))
	p, err := s.GetByID(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, 2, p.Stock)
	assert.Equal(t, product.StatusInactive, p.Status)
}

func TestLedger_ConcurrentReserve(t *testing.T) {
	const (
		workers = 50
		qty     = 3
		stock   = 100
	)
	ctx := context.Background()
	s := newProducts(t, stock)

	var (
		wg           sync.WaitGroup
		successes    atomic.Int64
		insufficient atomic.Int64
	)
	start := make(chan struct{})
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := s.Reserve(ctx, "P", qty)
			var ise *inventory.InsufficientStockError
			switch {
			case err == nil:
				successes.Add(1)
			case errors.As(err, &ise):
				insufficient.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, stock/qty, successes.Load())
	assert.EqualValues(t, workers-stock/qty, insufficient.Load())

	p, err := s.GetByID(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, stock-qty*int(successes.Load()), p.Stock)
	assert.GreaterOrEqual(t, p.Stock, 0)
}

func TestLedger_ProductsDoNotContend(t *testing.T) {
	ctx := context.Background()
	s := NewProductStore()
	s.Put(product.Product{ID: "A", Stock: 1, Status: product.StatusAvailable})
	s.Put(product.Product{ID: "B", Stock: 1, Status: product.StatusAvailable})

	held, _ := s.record("A")
	held.mu.Lock()
	defer held.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- s.Reserve(ctx, "B", 1) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reserve of B blocked on the lock of A")
	}
}

func TestCartStore(t *testing.T) {
	ctx := context.Background()
	s := NewCartStore()
	s.Put(cart.Cart{ID: "c1", CustomerID: "alice", Lines: []cart.Line{{ProductID: "P", Quantity: 1}}})

	c, err := s.GetByID(ctx, "c1")
	require.NoError(t, err)
	c.Lines[0].Quantity = 99

	again, err := s.GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, again.Lines[0].Quantity, "callers get copies")

	require.NoError(t, s.Clear(ctx, "c1"))
	c, err = s.GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, c.Empty())

	_, err = s.GetByID(ctx, "nope")
	require.ErrorIs(t, err, cart.ErrNotFound)
	require.ErrorIs(t, s.Clear(ctx, "nope"), cart.ErrNotFound)
}

func TestCartStore_Lock(t *testing.T) {
	ctx := context.Background()
	s := NewCartStore()
	s.Put(cart.Cart{ID: "c1", CustomerID: "alice"})

	_, err := s.Lock(ctx, "nope")
	require.ErrorIs(t, err, cart.ErrNotFound)

	unlock, err := s.Lock(ctx, "c1")
	require.NoError(t, err)

	timeout, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = s.Lock(timeout, "c1")
	require.ErrorIs(t, err, context.DeadlineExceeded, "a held cart cannot be claimed twice")

	acquired := make(chan func())
	go func() {
		second, err := s.Lock(ctx, "c1")
		assert.NoError(t, err)
		acquired <- second
	}()

	select {
	case <-acquired:
		t.Fatal("second claim acquired while the first is held")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	second := <-acquired
	second()
}

func TestOrderStore_ConditionalUpdates(t *testing.T) {
	ctx := context.Background()
	later := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	s := NewOrderStore(func() time.Time { return later })

	o := order.New("o1", "alice", "c1", "addr", nil, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, s.Create(ctx, o))

	require.NoError(t, s.UpdateDeliveryAddress(ctx, "o1", "new addr"))
	require.NoError(t, s.UpdateStatus(ctx, "o1", order.StatusPending, order.StatusShipped))
	require.ErrorIs(t, s.UpdateStatus(ctx, "o1", order.StatusPending, order.StatusCanceled), order.ErrStatusConflict)
	require.ErrorIs(t, s.UpdateDeliveryAddress(ctx, "o1", "late"), order.ErrStatusConflict)

	got, err := s.GetByID(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusShipped, got.Status)
	assert.Equal(t, "new addr", got.DeliveryAddress)
	assert.Equal(t, later, got.UpdatedAt)

	_, err = s.GetByID(ctx, "o2")
	require.ErrorIs(t, err, order.ErrNotFound)
	require.ErrorIs(t, s.UpdateStatus(ctx, "o2", order.StatusPending, order.StatusShipped), order.ErrNotFound)
}

func TestOrderStore_SingleCancelWins(t *testing.T) {
	ctx := context.Background()
	s := NewOrderStore(time.Now)
	require.NoError(t, s.Create(ctx, order.New("o1", "alice", "c1", "addr", nil, time.Now())))

	var (
		wg   sync.WaitGroup
		wins atomic.Int64
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.UpdateStatus(ctx, "o1", order.StatusPending, order.StatusCanceled) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
}

func TestKeyStore(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.UpsertAPIKey(ctx, auth.APIKeyInfo{ID: "k", KeyHash: "h1", CustomerID: "alice", Role: auth.RoleCustomer}))
	require.NoError(t, s.UpsertAPIKey(ctx, auth.APIKeyInfo{ID: "k", KeyHash: "h2", CustomerID: "alice", Role: auth.RoleCustomer}))

	_, err := s.APIKeys.FindByHash(ctx, "h1")
	require.ErrorIs(t, err, auth.ErrKeyNotFound, "rotated key must be gone")

	k, err := s.APIKeys.FindByHash(ctx, "h2")
	require.NoError(t, err)
	assert.Equal(t, auth.Principal{CustomerID: "alice", Role: auth.RoleCustomer}, k.Principal())
}
