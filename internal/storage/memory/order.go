package memory

import (
	"context"
	"sync"
	"time"

	"github.com/xenking/kart-orders/internal/domain/order"
)

// OrderStore keeps orders. Status updates are compare-and-set under the
// store lock.
type OrderStore struct {
	mu     sync.RWMutex
	orders map[string]*order.Order
	now    func() time.Time
}

// NewOrderStore creates an empty OrderStore stamping updates with now.
func NewOrderStore(now func() time.Time) *OrderStore {
	return &OrderStore{orders: make(map[string]*order.Order), now: now}
}

func clone(o *order.Order) *order.Order {
	cp := *o
	cp.Items = append([]order.Item(nil), o.Items...)
	return &cp
}

// Create implements order.Repository.
func (s *OrderStore) Create(_ context.Context, o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = clone(o)
	return nil
}

// GetByID implements order.Repository.
func (s *OrderStore) GetByID(_ context.Context, id string) (*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return clone(o), nil
}

// UpdateStatus implements order.Repository.
func (s *OrderStore) UpdateStatus(_ context.Context, id string, from, to order.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	if o.Status != from {
		return order.ErrStatusConflict
	}
	o.Status = to
	o.UpdatedAt = s.now()
	return nil
}

// UpdateDeliveryAddress implements order.Repository.
func (s *OrderStore) UpdateDeliveryAddress(_ context.Context, id, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	if o.Status != order.StatusPending {
		return order.ErrStatusConflict
	}
	o.DeliveryAddress = address
	o.UpdatedAt = s.now()
	return nil
}
