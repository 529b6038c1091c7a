// Package store persists contract orders and their event logs. Postgres is
// the source of truth; the in-memory implementation backs tests.
package store

import (
	"context"
	"errors"
	"sync"

	"CfdDaemon/internal/cfd"
	"CfdDaemon/internal/model"
)

var (
	// ErrNoSuchContract is returned when a contract id is unknown.
	ErrNoSuchContract = errors.New("no such contract")

	// ErrVersionConflict is returned when an append's expected version no
	// longer matches the log head.
	ErrVersionConflict = errors.New("event log version conflict")
)

// EventStore is the durable contract of the persistence layer. Append is
// atomic: either all events land with consecutive versions or none do.
type EventStore interface {
	// InsertOrder persists a newly created contract at version zero.
	InsertOrder(ctx context.Context, order model.Order) error

	// Load returns the immutable order and its events in persisted order.
	Load(ctx context.Context, id model.OrderID) (model.Order, []cfd.Event, error)

	// Append adds events after the given version, failing with
	// ErrVersionConflict if the log has moved.
	Append(ctx context.Context, id model.OrderID, events []cfd.Event, expectedVersion uint32) error

	// LoadOpenIDs returns the ids of contracts that have not reached a
	// terminal state.
	LoadOpenIDs(ctx context.Context) ([]model.OrderID, error)
}

// terminalKinds are the event kinds after which a contract needs no further
// protocol attention.
var terminalKinds = map[cfd.EventKind]bool{
	cfd.ContractSetupFailed: true,
	cfd.OfferRejected:       true,
	cfd.SettlementComplete:  true,
}

// Memory is an in-process EventStore used by tests and by daemons running
// without a database.
type Memory struct {
	mu     sync.RWMutex
	orders map[model.OrderID]model.Order
	events map[model.OrderID][]cfd.Event
}

func NewMemory() *Memory {
	return &Memory{
		orders: make(map[model.OrderID]model.Order),
		events: make(map[model.OrderID][]cfd.Event),
	}
}

func (m *Memory) InsertOrder(_ context.Context, order model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[order.ID]; ok {
		return errors.New("order already exists")
	}
	m.orders[order.ID] = order
	return nil
}

func (m *Memory) Load(_ context.Context, id model.OrderID) (model.Order, []cfd.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	order, ok := m.orders[id]
	if !ok {
		return model.Order{}, nil, ErrNoSuchContract
	}

	events := make([]cfd.Event, len(m.events[id]))
	copy(events, m.events[id])
	return order, events, nil
}

func (m *Memory) Append(_ context.Context, id model.OrderID, events []cfd.Event, expectedVersion uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[id]; !ok {
		return ErrNoSuchContract
	}
	if uint32(len(m.events[id])) != expectedVersion {
		return ErrVersionConflict
	}

	m.events[id] = append(m.events[id], events...)
	return nil
}

func (m *Memory) LoadOpenIDs(_ context.Context) ([]model.OrderID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []model.OrderID
	for id := range m.orders {
		terminal := false
		for _, e := range m.events[id] {
			if terminalKinds[e.Kind] {
				terminal = true
				break
			}
		}
		if !terminal {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
