package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"CfdDaemon/internal/cfd"
	"CfdDaemon/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func testOrder() model.Order {
	return model.NewOrder(
		uuid.New(),
		uuid.New(),
		model.PositionLong,
		decimal.NewFromInt(40000),
		2,
		24*time.Hour,
		model.RoleMaker,
		decimal.NewFromInt(100),
		model.Identity("6a5d1c"),
		500,
		model.FundingRate{Rate: decimal.NewFromFloat(0.0001)},
		1,
		"BTCUSD",
	)
}

func event(id model.OrderID, kind cfd.EventKind) cfd.Event {
	return cfd.Event{OrderID: id, Timestamp: time.Now().UTC(), Kind: kind}
}

func TestMemoryLoadUnknownContract(t *testing.T) {
	m := NewMemory()

	_, _, err := m.Load(context.Background(), uuid.New())
	if !errors.Is(err, ErrNoSuchContract) {
		t.Errorf("err = %v, want %v", err, ErrNoSuchContract)
	}
}

func TestMemoryAppendAndLoad(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	order := testOrder()
	if err := m.InsertOrder(ctx, order); err != nil {
		t.Fatal(err)
	}

	first := []cfd.Event{event(order.ID, cfd.ContractSetupStarted)}
	if err := m.Append(ctx, order.ID, first, 0); err != nil {
		t.Fatal(err)
	}
	second := []cfd.Event{event(order.ID, cfd.ContractSetupCompleted)}
	if err := m.Append(ctx, order.ID, second, 1); err != nil {
		t.Fatal(err)
	}

	loaded, events, err := m.Load(ctx, order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.ID != order.ID {
		t.Errorf("loaded order id = %s, want %s", loaded.ID, order.ID)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Kind != cfd.ContractSetupStarted || events[1].Kind != cfd.ContractSetupCompleted {
		t.Errorf("events out of order: %s, %s", events[0].Kind, events[1].Kind)
	}
}

func TestMemoryAppendVersionConflict(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	order := testOrder()
	if err := m.InsertOrder(ctx, order); err != nil {
		t.Fatal(err)
	}

	if err := m.Append(ctx, order.ID, []cfd.Event{event(order.ID, cfd.ContractSetupStarted)}, 0); err != nil {
		t.Fatal(err)
	}

	// A second writer still assuming version zero must be refused.
	err := m.Append(ctx, order.ID, []cfd.Event{event(order.ID, cfd.ContractSetupStarted)}, 0)
	if !errors.Is(err, ErrVersionConflict) {
		t.Errorf("err = %v, want %v", err, ErrVersionConflict)
	}

	_, events, err := m.Load(ctx, order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Errorf("got %d events, want 1", len(events))
	}
}

func TestMemoryLoadOpenIDs(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	open := testOrder()
	settled := testOrder()
	failed := testOrder()
	for _, o := range []model.Order{open, settled, failed} {
		if err := m.InsertOrder(ctx, o); err != nil {
			t.Fatal(err)
		}
	}

	if err := m.Append(ctx, settled.ID, []cfd.Event{event(settled.ID, cfd.SettlementComplete)}, 0); err != nil {
		t.Fatal(err)
	}
	if err := m.Append(ctx, failed.ID, []cfd.Event{event(failed.ID, cfd.ContractSetupFailed)}, 0); err != nil {
		t.Fatal(err)
	}

	ids, err := m.LoadOpenIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != open.ID {
		t.Errorf("open ids = %v, want [%s]", ids, open.ID)
	}
}

func TestMemoryLoadReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	order := testOrder()
	if err := m.InsertOrder(ctx, order); err != nil {
		t.Fatal(err)
	}
	if err := m.Append(ctx, order.ID, []cfd.Event{event(order.ID, cfd.ContractSetupStarted)}, 0); err != nil {
		t.Fatal(err)
	}

	_, events, err := m.Load(ctx, order.ID)
	if err != nil {
		t.Fatal(err)
	}
	events[0].Kind = cfd.ContractSetupFailed

	_, reloaded, err := m.Load(ctx, order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded[0].Kind != cfd.ContractSetupStarted {
		t.Error("mutating a loaded slice leaked into the store")
	}
}
