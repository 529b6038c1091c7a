package protocol

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func TestRegistryRejectsSecondInstance(t *testing.T) {
	r := NewRegistry()
	id := uuid.New()

	slot, err := r.TryRegister(KindRollover, id)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.TryRegister(KindRollover, id); !errors.Is(err, ErrAlreadyInProgress) {
		t.Errorf("second registration err = %v, want %v", err, ErrAlreadyInProgress)
	}

	// The first instance is undisturbed.
	if !r.Active(KindRollover, id) {
		t.Error("first registration was evicted")
	}

	slot.Release()
	if r.Active(KindRollover, id) {
		t.Error("slot still active after release")
	}

	if _, err := r.TryRegister(KindRollover, id); err != nil {
		t.Errorf("registration after release failed: %v", err)
	}
}

func TestRegistryKindsAreIndependent(t *testing.T) {
	r := NewRegistry()
	id := uuid.New()

	if _, err := r.TryRegister(KindRollover, id); err != nil {
		t.Fatal(err)
	}
	if _, err := r.TryRegister(KindSettlement, id); err != nil {
		t.Errorf("settlement blocked by rollover slot: %v", err)
	}
}

func TestRegistryStaleReleaseKeepsNewerOwner(t *testing.T) {
	r := NewRegistry()
	id := uuid.New()

	stale, err := r.TryRegister(KindSetup, id)
	if err != nil {
		t.Fatal(err)
	}
	stale.Release()

	fresh, err := r.TryRegister(KindSetup, id)
	if err != nil {
		t.Fatal(err)
	}

	// Releasing the stale handle again must not evict the new owner.
	stale.Release()
	if !r.Active(KindSetup, id) {
		t.Error("stale release evicted the current instance")
	}

	fresh.Release()
	if r.Active(KindSetup, id) {
		t.Error("slot still active after owner release")
	}
}

func TestRegistryConcurrentRegistration(t *testing.T) {
	r := NewRegistry()
	id := uuid.New()

	const attempts = 32
	var wg sync.WaitGroup
	wins := make(chan *Slot, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if slot, err := r.TryRegister(KindSetup, id); err == nil {
				wins <- slot
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []*Slot
	for slot := range wins {
		winners = append(winners, slot)
	}
	if len(winners) != 1 {
		t.Fatalf("got %d successful registrations, want exactly 1", len(winners))
	}
}
