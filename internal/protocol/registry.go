// Package protocol implements the peer negotiation protocols: contract
// setup, rollover and collaborative settlement. Each negotiation attempt is
// one instance owning a private framed channel to the peer; milestones are
// persisted through the command executor.
package protocol

import (
	"errors"
	"sync"

	"CfdDaemon/internal/model"
)

// Kind names one of the negotiation protocols.
type Kind string

const (
	// KindOffer is the maker's offer broadcast stream. It has no
	// registry slots; the name doubles as the peer endpoint.
	KindOffer Kind = "offer"

	KindSetup      Kind = "setup"
	KindRollover   Kind = "rollover"
	KindSettlement Kind = "settlement"
)

// ErrAlreadyInProgress is returned when a second instance of the same
// protocol is registered for a contract that already has one running.
var ErrAlreadyInProgress = errors.New("protocol already in progress")

type slotKey struct {
	kind Kind
	id   model.OrderID
}

// Registry tracks the at-most-one running protocol instance per (kind,
// contract). Insertion is atomic insert-if-absent; only the registering
// instance may remove its own entry.
type Registry struct {
	mu    sync.Mutex
	slots map[slotKey]*Slot
}

func NewRegistry() *Registry {
	return &Registry{slots: make(map[slotKey]*Slot)}
}

// Slot is the handle held by a running instance. Releasing it frees the
// contract id for a future attempt.
type Slot struct {
	registry *Registry
	key      slotKey
	once     sync.Once
}

// TryRegister claims the (kind, id) slot, failing with ErrAlreadyInProgress
// if another instance holds it.
func (r *Registry) TryRegister(kind Kind, id model.OrderID) (*Slot, error) {
	key := slotKey{kind: kind, id: id}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.slots[key]; ok {
		return nil, ErrAlreadyInProgress
	}

	slot := &Slot{registry: r, key: key}
	r.slots[key] = slot
	return slot, nil
}

// Release removes the slot. Only the slot's own entry is removed: if the id
// was already released and re-registered by a newer instance, the newer
// entry stays.
func (s *Slot) Release() {
	s.once.Do(func() {
		s.registry.mu.Lock()
		defer s.registry.mu.Unlock()

		if s.registry.slots[s.key] == s {
			delete(s.registry.slots, s.key)
		}
	})
}

// Active reports whether an instance currently holds the (kind, id) slot.
func (r *Registry) Active(kind Kind, id model.OrderID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.slots[slotKey{kind: kind, id: id}]
	return ok
}
