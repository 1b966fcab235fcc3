// README: In-memory order store for development runs without Postgres and for tests.
package order

import (
	"context"
	"strconv"
	"sync"

	"eats/internal/types"
)

type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	orders map[types.ID]*Order
	events map[types.ID][]Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[types.ID]*Order),
		events: make(map[types.ID][]Event),
	}
}

// Create assigns the next sequential id unless o.ID is already set.
func (m *MemoryStore) Create(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == "" {
		m.nextID++
		o.ID = types.ID(strconv.FormatInt(m.nextID, 10))
	} else if n, err := strconv.ParseInt(string(o.ID), 10, 64); err == nil && n > m.nextID {
		m.nextID = n
	}
	if _, exists := m.orders[o.ID]; exists {
		return ErrConflict
	}
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id types.ID) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[o.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.StatusVersion != o.StatusVersion {
		return ErrConflict
	}
	o.StatusVersion++
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := *e
	ev.ID = int64(len(m.events[e.OrderID]) + 1)
	m.events[e.OrderID] = append(m.events[e.OrderID], ev)
	return nil
}

func (m *MemoryStore) HasActiveByDriver(_ context.Context, driverID types.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.Status.IsActive() && o.HasDriver() && *o.DriverID == driverID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) Events(_ context.Context, orderID types.ID) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events[orderID]))
	copy(out, m.events[orderID])
	return out, nil
}
