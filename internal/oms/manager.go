package oms

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrOrderNotFound is returned when an id/clientOrderId/brokerOrderId lookup misses.
type ErrOrderNotFound struct{ Key string }

func (e *ErrOrderNotFound) Error() string { return fmt.Sprintf("order not found: %s", e.Key) }

// Manager owns the single-process order registry and its three indices
// (id, clientOrderId, brokerOrderId), generalized from the teacher's
// per-position StateMachine into a multi-order registry (§4.C).
type Manager struct {
	mu              sync.RWMutex
	byID            map[string]*Order
	byClientOrderID map[string]string
	byBrokerOrderID map[string]string
}

// NewManager constructs an empty order registry.
func NewManager() *Manager {
	return &Manager{
		byID:            make(map[string]*Order),
		byClientOrderID: make(map[string]string),
		byBrokerOrderID: make(map[string]string),
	}
}

// Register adds a newly created order to the registry and its indices.
func (m *Manager) Register(o *Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[o.ID] = o
	m.byClientOrderID[o.ClientOrderID] = o.ID
}

// Get looks up an order by internal id.
func (m *Manager) Get(id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.byID[id]
	if !ok {
		return nil, &ErrOrderNotFound{Key: id}
	}
	return o, nil
}

// GetByClientOrderID looks up an order by its client-assigned id.
func (m *Manager) GetByClientOrderID(clientOrderID string) (*Order, error) {
	m.mu.RLock()
	id, ok := m.byClientOrderID[clientOrderID]
	m.mu.RUnlock()
	if !ok {
		return nil, &ErrOrderNotFound{Key: clientOrderID}
	}
	return m.Get(id)
}

// GetByBrokerOrderID looks up an order by its broker-assigned id.
func (m *Manager) GetByBrokerOrderID(brokerOrderID string) (*Order, error) {
	m.mu.RLock()
	id, ok := m.byBrokerOrderID[brokerOrderID]
	m.mu.RUnlock()
	if !ok {
		return nil, &ErrOrderNotFound{Key: brokerOrderID}
	}
	return m.Get(id)
}

// Transition applies event to the order identified by id. On ACKNOWLEDGE with
// a non-empty brokerOrderID, the broker index is populated (set-once, §3).
func (m *Manager) Transition(id string, event Event, brokerOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.byID[id]
	if !ok {
		return &ErrOrderNotFound{Key: id}
	}
	if err := o.Transition(event); err != nil {
		return err
	}
	if event == EventAcknowledge && brokerOrderID != "" {
		o.AssignBrokerOrderID(brokerOrderID)
		if o.BrokerOrderID != nil {
			m.byBrokerOrderID[*o.BrokerOrderID] = o.ID
		}
	}
	return nil
}

// ApplyFill applies a fill to the order identified by id.
func (m *Manager) ApplyFill(id string, qty, price decimal.Decimal, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byID[id]
	if !ok {
		return &ErrOrderNotFound{Key: id}
	}
	return o.ApplyFill(qty, price, at)
}

// PruneCompleted deletes terminal orders whose CompletedAt < now-maxAge and
// unregisters their index entries (§4.C pruning).
func (m *Manager) PruneCompleted(now time.Time, maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-maxAge)
	pruned := 0
	for id, o := range m.byID {
		if !o.IsTerminal() || o.CompletedAt == nil || !o.CompletedAt.Before(cutoff) {
			continue
		}
		delete(m.byID, id)
		delete(m.byClientOrderID, o.ClientOrderID)
		if o.BrokerOrderID != nil {
			delete(m.byBrokerOrderID, *o.BrokerOrderID)
		}
		pruned++
	}
	return pruned
}

// Snapshot returns a shallow copy of all tracked orders, for reconciliation scans.
func (m *Manager) Snapshot() []*Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Order, 0, len(m.byID))
	for _, o := range m.byID {
		out = append(out, o)
	}
	return out
}
