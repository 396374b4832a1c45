package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/delivery-dispatch/internal/models"
)

// MemoryStore keeps orders and offers in maps with by-order and by-driver
// indexes. The CAS runs under the write lock, so it is atomic with respect
// to every other mutation. Used in tests and when no PG_DSN is configured.
type MemoryStore struct {
	mu            sync.RWMutex
	orders        map[string]*models.Order
	offers        map[string]*models.Offer
	offersByOrder map[string][]string
	offersByDrv   map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:        make(map[string]*models.Order),
		offers:        make(map[string]*models.Offer),
		offersByOrder: make(map[string][]string),
		offersByDrv:   make(map[string][]string),
	}
}

func (m *MemoryStore) GetOrder(_ context.Context, id string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, models.ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) SaveOrder(_ context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryStore) AssignDriver(_ context.Context, orderID, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, models.ErrNotFound)
	}
	if o.AssignedDriverID != "" && o.AssignedDriverID != driverID {
		return fmt.Errorf("order %s already assigned to %s: %w", orderID, o.AssignedDriverID, models.ErrConflict)
	}
	o.AssignedDriverID = driverID
	o.Status = models.OrderEnRoute
	return nil
}

func (m *MemoryStore) GetOffer(_ context.Context, id string) (*models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, fmt.Errorf("offer %s: %w", id, models.ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) SaveOffer(_ context.Context, o *models.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.offers[o.ID]; !exists {
		m.offersByOrder[o.OrderID] = append(m.offersByOrder[o.OrderID], o.ID)
		m.offersByDrv[o.DriverID] = append(m.offersByDrv[o.DriverID], o.ID)
	}
	cp := *o
	m.offers[o.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateStatusIf(_ context.Context, id string, from, to models.OfferStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return fmt.Errorf("offer %s: %w", id, models.ErrNotFound)
	}
	if o.Status != from {
		return fmt.Errorf("offer %s is %s: %w", id, o.Status, models.ErrConflict)
	}
	o.Status = to
	return nil
}

func (m *MemoryStore) OffersByOrder(_ context.Context, orderID string) ([]*models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.offersByOrder[orderID]
	out := make([]*models.Offer, 0, len(ids))
	for _, id := range ids {
		cp := *m.offers[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) PendingOffersByDriver(_ context.Context, driverID string) ([]*models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.offersByDrv[driverID]
	out := make([]*models.Offer, 0, len(ids))
	for _, id := range ids {
		if o := m.offers[id]; o.Status == models.OfferPending {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) ExpiredPending(_ context.Context, now time.Time) ([]*models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Offer
	for _, o := range m.offers {
		if o.Status == models.OfferPending && now.After(o.ExpiresAt) {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}
