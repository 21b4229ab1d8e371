package store

import (
	"github.com/efreitasn/ordermatch/internal/domain"
)

// OrderStore is the arena of orders for one instrument, keyed by order
// id, with a secondary index by user. Live orders are held by pointer;
// once an order is retired its final state is kept as a tombstone so a
// late cancel or modify can tell "closed" apart from "never existed".
//
// OrderStore is not safe for concurrent use. It belongs to the command
// loop of its instrument.
type OrderStore struct {
	orders     map[string]*domain.Order
	closed     map[string]domain.Order
	userOrders map[string][]string // user_id → order ids (append-only)
}

// NewOrderStore creates an empty OrderStore.
func NewOrderStore() *OrderStore {
	return &OrderStore{
		orders:     make(map[string]*domain.Order),
		closed:     make(map[string]domain.Order),
		userOrders: make(map[string][]string),
	}
}

// Create adds a live order. Ids are unique across live and retired orders.
func (s *OrderStore) Create(o *domain.Order) error {
	if s.Exists(o.ID) {
		return domain.ErrDuplicateOrder
	}
	s.orders[o.ID] = o
	s.userOrders[o.UserID] = append(s.userOrders[o.UserID], o.ID)
	return nil
}

// Exists reports whether id was ever created.
func (s *OrderStore) Exists(id string) bool {
	if _, ok := s.orders[id]; ok {
		return true
	}
	_, ok := s.closed[id]
	return ok
}

// Get returns the live order with the given id. It returns
// domain.ErrOrderClosed for retired orders and domain.ErrOrderNotFound
// for ids never seen.
func (s *OrderStore) Get(id string) (*domain.Order, error) {
	if o, ok := s.orders[id]; ok {
		return o, nil
	}
	if _, ok := s.closed[id]; ok {
		return nil, domain.ErrOrderClosed
	}
	return nil, domain.ErrOrderNotFound
}

// Retire drops a live order from the arena and keeps its final state.
func (s *OrderStore) Retire(id string) {
	o, ok := s.orders[id]
	if !ok {
		return
	}
	delete(s.orders, id)
	s.closed[id] = *o
}

// Lookup returns a copy of the order in whatever state it is, live or retired.
func (s *OrderStore) Lookup(id string) (domain.Order, bool) {
	if o, ok := s.orders[id]; ok {
		return *o, true
	}
	o, ok := s.closed[id]
	return o, ok
}

// ListByUser returns copies of a user's orders, newest first.
func (s *OrderStore) ListByUser(userID string) []domain.Order {
	ids := s.userOrders[userID]
	out := make([]domain.Order, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if o, ok := s.Lookup(ids[i]); ok {
			out = append(out, o)
		}
	}
	return out
}

// Live returns the number of live orders.
func (s *OrderStore) Live() int {
	return len(s.orders)
}
