package protocol

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"CfdDaemon/internal/cfd"
	"CfdDaemon/internal/command"
	"CfdDaemon/internal/model"
	"CfdDaemon/internal/oracle"
	"CfdDaemon/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type fakeWallet struct{}

func (fakeWallet) BuildPartyParams(_ context.Context, _ model.SetupParams) ([]byte, error) {
	return []byte("party-params"), nil
}

func (fakeWallet) Sign(_ context.Context, payload []byte) ([]byte, error) {
	return append([]byte("signed:"), payload...), nil
}

type fakeOracle struct {
	mu        sync.Mutex
	monitored []oracle.EventID
}

func (f *fakeOracle) GetAnnouncement(_ context.Context, id oracle.EventID) (oracle.Announcement, error) {
	return oracle.Announcement{ID: id}, nil
}

func (f *fakeOracle) MonitorAttestation(id oracle.EventID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.monitored = append(f.monitored, id)
}

type recorder struct {
	store *store.Memory
}

func (r recorder) RecordOrder(ctx context.Context, order model.Order) error {
	return r.store.InsertOrder(ctx, order)
}

// party is one side's persistence and executor for a round-trip test.
type party struct {
	store    *store.Memory
	executor *command.Executor
	oracle   *fakeOracle
}

func newParty(t *testing.T) *party {
	t.Helper()
	s := store.NewMemory()
	return &party{
		store:    s,
		executor: command.NewExecutor(s, nil, nil, zerolog.Nop()),
		oracle:   &fakeOracle{},
	}
}

// seedOpenContract persists an order plus the setup events that leave the
// contract open with a live DLC.
func (p *party) seedOpenContract(t *testing.T, order model.Order) {
	t.Helper()
	ctx := context.Background()

	if err := p.store.InsertOrder(ctx, order); err != nil {
		t.Fatal(err)
	}

	dlc := cfd.DLC{
		SettlementEventID: oracle.NewEventID(order.ContractSymbol, time.Now().UTC().Truncate(time.Hour)),
		Raw:               []byte("dlc"),
	}
	events := []cfd.Event{
		{OrderID: order.ID, Timestamp: time.Now().UTC(), Kind: cfd.ContractSetupStarted},
		{OrderID: order.ID, Timestamp: time.Now().UTC(), Kind: cfd.ContractSetupCompleted, DLC: &dlc},
	}
	if err := p.store.Append(ctx, order.ID, events, 0); err != nil {
		t.Fatal(err)
	}
}

func (p *party) state(t *testing.T, id model.OrderID) cfd.State {
	t.Helper()
	order, events, err := p.store.Load(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	aggregate, err := cfd.Replay(order, events)
	if err != nil {
		t.Fatal(err)
	}
	return aggregate.State()
}

// contractBlob replays a party's event log and decodes the persisted
// contract payload.
func (p *party) contractBlob(t *testing.T, id model.OrderID) dlcBlob {
	t.Helper()
	order, events, err := p.store.Load(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	aggregate, err := cfd.Replay(order, events)
	if err != nil {
		t.Fatal(err)
	}
	dlc := aggregate.DLC()
	if dlc == nil {
		t.Fatal("contract has no dlc")
	}
	var blob dlcBlob
	if err := json.Unmarshal(dlc.Raw, &blob); err != nil {
		t.Fatalf("decode contract blob: %v", err)
	}
	return blob
}

// pairedOrders returns the maker's and taker's view of the same contract.
func pairedOrders() (model.Order, model.Order) {
	orderID := uuid.New()
	offer := model.Offer{
		ID:                 uuid.New(),
		MakerPosition:      model.PositionShort,
		Price:              decimal.NewFromInt(40000),
		MinQuantity:        decimal.NewFromInt(10),
		MaxQuantity:        decimal.NewFromInt(1000),
		LeverageChoices:    []model.Leverage{1, 2, 5},
		SettlementInterval: 24 * time.Hour,
		OpeningFee:         500,
		FundingRate:        model.FundingRate{Rate: decimal.NewFromFloat(0.0001)},
		TxFeeRate:          1,
		ContractSymbol:     "BTCUSD",
	}
	quantity := decimal.NewFromInt(100)

	maker := model.OrderFromTakenOffer(orderID, offer, quantity, model.Identity("taker-id"), model.RoleMaker, 2)
	taker := model.OrderFromTakenOffer(orderID, offer, quantity, model.Identity("maker-id"), model.RoleTaker, 2)
	return maker, taker
}
