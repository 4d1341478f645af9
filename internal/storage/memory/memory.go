// Package memory is an in-process storage backend.
//
// Stock changes are serialized by one mutex per product record, so
// reservations of unrelated products never wait on each other. The backend
// has no transactions: the order service compensates failed placements
// itself.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/xenking/kart-orders/internal/domain/auth"
	"github.com/xenking/kart-orders/internal/domain/cart"
	"github.com/xenking/kart-orders/internal/domain/inventory"
	"github.com/xenking/kart-orders/internal/domain/order"
	"github.com/xenking/kart-orders/internal/domain/product"
	"github.com/xenking/kart-orders/internal/seed"
)

var (
	_ product.Repository = (*ProductStore)(nil)
	_ inventory.Ledger   = (*ProductStore)(nil)
	_ cart.Repository    = (*CartStore)(nil)
	_ order.Repository   = (*OrderStore)(nil)
	_ auth.Repository    = (*KeyStore)(nil)
	_ seed.Writer        = (*Store)(nil)
)

// Store groups the repositories of the backend.
type Store struct {
	Products *ProductStore
	Carts    *CartStore
	Orders   *OrderStore
	APIKeys  *KeyStore
}

// New creates an empty store.
func New() *Store {
	return &Store{
		Products: NewProductStore(),
		Carts:    NewCartStore(),
		Orders:   NewOrderStore(time.Now),
		APIKeys:  NewKeyStore(),
	}
}

// UpsertProduct implements seed.Writer.
func (s *Store) UpsertProduct(_ context.Context, p product.Product) error {
	s.Products.Put(p)
	return nil
}

// UpsertCart implements seed.Writer.
func (s *Store) UpsertCart(_ context.Context, c cart.Cart) error {
	s.Carts.Put(c)
	return nil
}

// UpsertAPIKey implements seed.Writer.
func (s *Store) UpsertAPIKey(_ context.Context, k auth.APIKeyInfo) error {
	s.APIKeys.Put(k)
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

type productRecord struct {
	mu sync.Mutex
	p  product.Product
}

// ProductStore keeps product records and acts as their stock ledger.
type ProductStore struct {
	mu      sync.RWMutex
	records map[string]*productRecord
}

// NewProductStore creates an empty ProductStore.
func NewProductStore() *ProductStore {
	return &ProductStore{records: make(map[string]*productRecord)}
}

// Put inserts or replaces a product.
func (s *ProductStore) Put(p product.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[p.ID]; ok {
		r.mu.Lock()
		r.p = p
		r.mu.Unlock()
		return
	}
	s.records[p.ID] = &productRecord{p: p}
}

func (s *ProductStore) record(id string) (*productRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	return r, ok
}

// GetByID returns a snapshot of the product.
func (s *ProductStore) GetByID(_ context.Context, id string) (*product.Product, error) {
	r, ok := s.record(id)
	if !ok {
		return nil, product.ErrNotFound
	}
	r.mu.Lock()
	p := r.p
	r.mu.Unlock()
	return &p, nil
}

// Reserve implements inventory.Ledger.
func (s *ProductStore) Reserve(_ context.Context, productID string, qty int) error {
	return s.apply(productID, func(st inventory.Stock) (inventory.Stock, error) {
		return st.Reserve(productID, qty)
	})
}

// Restore implements inventory.Ledger.
func (s *ProductStore) Restore(_ context.Context, productID string, qty int) error {
	return s.apply(productID, func(st inventory.Stock) (inventory.Stock, error) {
		return st.Restore(qty)
	})
}

func (s *ProductStore) apply(productID string, fn func(inventory.Stock) (inventory.Stock, error)) error {
	r, ok := s.record(productID)
	if !ok {
		return product.ErrNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next, err := fn(inventory.Stock{Quantity: r.p.Stock, Status: r.p.Status})
	if err != nil {
		return err
	}
	r.p.Stock, r.p.Status = next.Quantity, next.Status
	return nil
}

// CartStore keeps carts.
type CartStore struct {
	mu     sync.RWMutex
	carts  map[string]*cart.Cart
	claims map[string]chan struct{}
}

// NewCartStore creates an empty CartStore.
func NewCartStore() *CartStore {
	return &CartStore{
		carts:  make(map[string]*cart.Cart),
		claims: make(map[string]chan struct{}),
	}
}

// Lock implements cart.Repository. The claim is held until unlock is called.
func (s *CartStore) Lock(ctx context.Context, id string) (func(), error) {
	s.mu.Lock()
	if _, ok := s.carts[id]; !ok {
		s.mu.Unlock()
		return nil, cart.ErrNotFound
	}
	claim, ok := s.claims[id]
	if !ok {
		claim = make(chan struct{}, 1)
		s.claims[id] = claim
	}
	s.mu.Unlock()

	select {
	case claim <- struct{}{}:
		return func() { <-claim }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put inserts or replaces a cart.
func (s *CartStore) Put(c cart.Cart) {
	c.Lines = append([]cart.Line(nil), c.Lines...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carts[c.ID] = &c
}

// GetByID returns a copy of the cart.
func (s *CartStore) GetByID(_ context.Context, id string) (*cart.Cart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.carts[id]
	if !ok {
		return nil, cart.ErrNotFound
	}
	cp := *c
	cp.Lines = append([]cart.Line(nil), c.Lines...)
	return &cp, nil
}

// Clear implements cart.Repository.
func (s *CartStore) Clear(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.carts[id]
	if !ok {
		return cart.ErrNotFound
	}
	c.Lines = nil
	return nil
}

// KeyStore keeps API keys indexed by hash.
type KeyStore struct {
	mu     sync.RWMutex
	byHash map[string]auth.APIKeyInfo
}

// NewKeyStore creates an empty KeyStore.
func NewKeyStore() *KeyStore {
	return &KeyStore{byHash: make(map[string]auth.APIKeyInfo)}
}

// Put inserts a key, replacing any key with the same id.
func (s *KeyStore) Put(k auth.APIKeyInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, old := range s.byHash {
		if old.ID == k.ID {
			delete(s.byHash, hash)
		}
	}
	s.byHash[k.KeyHash] = k
}

// FindByHash implements auth.Repository.
func (s *KeyStore) FindByHash(_ context.Context, hash string) (*auth.APIKeyInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.byHash[hash]
	if !ok {
		return nil, auth.ErrKeyNotFound
	}
	return &k, nil
}
