package cfd_test

import (
	"errors"
	"testing"
	"time"

	"CfdDaemon/internal/cfd"
	"CfdDaemon/internal/model"
	"CfdDaemon/internal/oracle"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func testOrder(t *testing.T) model.Order {
	t.Helper()
	return model.NewOrder(
		uuid.New(), uuid.New(),
		model.PositionLong,
		decimal.NewFromInt(40_000),
		2,
		24*time.Hour,
		model.RoleTaker,
		decimal.NewFromInt(100),
		"maker-identity",
		100,
		model.NewFundingRate(decimal.NewFromFloat(0.0001)),
		model.DefaultTxFeeRate,
		"BTCUSD",
	)
}

func testDLC() cfd.DLC {
	return cfd.DLC{
		SettlementEventID: oracle.NewEventID("BTCUSD", time.Date(2026, 9, 1, 13, 0, 0, 0, time.UTC)),
		Raw:               []byte("opaque"),
	}
}

func openContract(t *testing.T) cfd.Cfd {
	t.Helper()
	c, err := cfd.FromOrder(testOrder(t))
	if err != nil {
		t.Fatalf("from order: %v", err)
	}

	started, _, err := c.StartContractSetup()
	if err != nil {
		t.Fatalf("start setup: %v", err)
	}
	c = c.Apply(started)

	completed, err := c.CompleteContractSetup(testDLC())
	if err != nil {
		t.Fatalf("complete setup: %v", err)
	}
	return c.Apply(completed)
}

func TestApply_VersionIncrementsByOne(t *testing.T) {
	c, err := cfd.FromOrder(testOrder(t))
	if err != nil {
		t.Fatalf("from order: %v", err)
	}
	if c.Version() != 0 {
		t.Fatalf("fresh aggregate should be version 0, got %d", c.Version())
	}

	started, _, _ := c.StartContractSetup()
	c = c.Apply(started)
	if c.Version() != 1 {
		t.Errorf("got version %d, want 1", c.Version())
	}

	completed, _ := c.CompleteContractSetup(testDLC())
	c = c.Apply(completed)
	if c.Version() != 2 {
		t.Errorf("got version %d, want 2", c.Version())
	}
}

func TestReplay_IsDeterministic(t *testing.T) {
	order := testOrder(t)
	c, _ := cfd.FromOrder(order)

	started, _, _ := c.StartContractSetup()
	c = c.Apply(started)
	completed, _ := c.CompleteContractSetup(testDLC())
	c = c.Apply(completed)
	rolled, _ := c.StartRollover()
	c = c.Apply(rolled)

	log := []cfd.Event{started, completed, rolled}

	for i := 0; i < 3; i++ {
		replayed, err := cfd.Replay(order, log)
		if err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
		if replayed.Version() != c.Version() {
			t.Errorf("replay %d: version %d, want %d", i, replayed.Version(), c.Version())
		}
		if replayed.State() != c.State() {
			t.Errorf("replay %d: state %s, want %s", i, replayed.State(), c.State())
		}
	}
}

func TestStartContractSetup_OnlyFromPendingSetup(t *testing.T) {
	c := openContract(t)

	if _, _, err := c.StartContractSetup(); !errors.Is(err, cfd.ErrNotPendingSetup) {
		t.Errorf("got %v, want ErrNotPendingSetup", err)
	}
}

func TestContractSetupFailed_IsFatal(t *testing.T) {
	c, _ := cfd.FromOrder(testOrder(t))
	started, _, _ := c.StartContractSetup()
	c = c.Apply(started)

	c = c.Apply(c.FailContractSetup(errors.New("peer vanished")))
	if c.State() != cfd.StateFailed {
		t.Errorf("got state %s, want failed", c.State())
	}

	if _, err := c.StartRollover(); err == nil {
		t.Error("a failed-setup contract must not roll over")
	}
}

func TestRollover_RoundTrip(t *testing.T) {
	c := openContract(t)

	started, err := c.StartRollover()
	if err != nil {
		t.Fatalf("start rollover: %v", err)
	}
	c = c.Apply(started)
	if c.State() != cfd.StateRollingOver {
		t.Fatalf("got state %s, want rolling_over", c.State())
	}

	// A second concurrent rollover is a caller error.
	if _, err := c.StartRollover(); !errors.Is(err, cfd.ErrRolloverInProgress) {
		t.Errorf("got %v, want ErrRolloverInProgress", err)
	}

	rate := model.NewFundingRate(decimal.NewFromFloat(0.0002))
	accepted, params, err := c.AcceptRolloverProposal(2, rate, cfd.RolloverV2)
	if err != nil {
		t.Fatalf("accept rollover: %v", err)
	}
	c = c.Apply(accepted)

	completed, err := c.CompleteRollover(testDLC(), params.CurrentFee)
	if err != nil {
		t.Fatalf("complete rollover: %v", err)
	}
	c = c.Apply(completed)

	if c.State() != cfd.StateOpen {
		t.Errorf("got state %s, want open after rollover", c.State())
	}
}

func TestRolloverFailed_ReturnsToOpen(t *testing.T) {
	c := openContract(t)
	started, _ := c.StartRollover()
	c = c.Apply(started)

	failed, err := c.FailRollover(errors.New("stream reset"))
	if err != nil {
		t.Fatalf("fail rollover: %v", err)
	}
	c = c.Apply(failed)

	if c.State() != cfd.StateOpen {
		t.Errorf("got state %s, want open: a failed rollover is terminal only for the attempt", c.State())
	}

	// The contract can retry.
	if _, err := c.StartRollover(); err != nil {
		t.Errorf("retry after failure should work, got %v", err)
	}
}

func TestRolloverParams_CompleteFeeVersions(t *testing.T) {
	account := model.NewFeeAccount(model.PositionLong, model.RoleTaker).
		AddOpeningFee(100)
	currentFee := model.FundingFee{Fee: 40, Rate: model.NewFundingRate(decimal.NewFromFloat(0.001))}

	v1 := cfd.RolloverParams{Version: cfd.RolloverV1, FeeAccount: account, CurrentFee: currentFee}
	v2 := cfd.RolloverParams{Version: cfd.RolloverV2, FeeAccount: account, CurrentFee: currentFee}

	// V1 must not include the current fee; that behavior is load-bearing for
	// compatibility with deployed peers.
	if got := v1.CompleteFee().LongPaysShort; got != 100 {
		t.Errorf("v1: got %d, want 100", got)
	}
	if got := v2.CompleteFee().LongPaysShort; got != 140 {
		t.Errorf("v2: got %d, want 140", got)
	}
}

func TestSettlement_RejectReturnsToOpen(t *testing.T) {
	c := openContract(t)

	proposal := cfd.SettlementProposal{
		OrderID:   c.Order().ID,
		Timestamp: time.Now().UTC(),
		Price:     decimal.NewFromInt(42_000),
		Maker:     1_000_000,
		Taker:     2_000_000,
	}

	proposed, err := c.ProposeSettlement(proposal)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	c = c.Apply(proposed)
	if c.State() != cfd.StateSettlementProposed {
		t.Fatalf("got state %s, want settlement_proposed", c.State())
	}

	rejected, err := c.RejectSettlement()
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	c = c.Apply(rejected)

	if c.State() != cfd.StateOpen {
		t.Errorf("got state %s, want open after rejection", c.State())
	}
	if c.Proposal() != nil {
		t.Error("proposal should be cleared after rejection")
	}
}

func TestSettlement_CompleteCloses(t *testing.T) {
	c := openContract(t)

	proposal := cfd.SettlementProposal{
		OrderID: c.Order().ID,
		Price:   decimal.NewFromInt(42_000),
	}
	proposed, _ := c.ProposeSettlement(proposal)
	c = c.Apply(proposed)

	accepted, err := c.AcceptSettlement()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	c = c.Apply(accepted)

	completed, err := c.CompleteSettlement(proposal, []byte("close-tx"))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	c = c.Apply(completed)

	if c.State() != cfd.StateClosed {
		t.Errorf("got state %s, want closed", c.State())
	}

	// No further mutations.
	if _, err := c.ProposeSettlement(proposal); !errors.Is(err, cfd.ErrContractClosed) {
		t.Errorf("got %v, want ErrContractClosed", err)
	}
	if _, err := c.Commit(); !errors.Is(err, cfd.ErrContractClosed) {
		t.Errorf("got %v, want ErrContractClosed", err)
	}
}

func TestAcceptSettlement_WithoutProposalFails(t *testing.T) {
	c := openContract(t)

	if _, err := c.AcceptSettlement(); !errors.Is(err, cfd.ErrNoSettlementProposed) {
		t.Errorf("got %v, want ErrNoSettlementProposed", err)
	}
}

func TestCommit_FromInFlightProtocol(t *testing.T) {
	c := openContract(t)
	started, _ := c.StartRollover()
	c = c.Apply(started)

	committed, err := c.Commit()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	c = c.Apply(committed)

	if c.State() != cfd.StateCommitted {
		t.Errorf("got state %s, want committed", c.State())
	}
}

func TestRolloverCompleted_AccumulatesFundingIntoFeeAccount(t *testing.T) {
	c := openContract(t)
	before := c.FeeAccount().Settle().LongPaysShort

	started, _ := c.StartRollover()
	c = c.Apply(started)
	accepted, params, _ := c.AcceptRolloverProposal(1, model.NewFundingRate(decimal.NewFromFloat(0.01)), cfd.RolloverV2)
	c = c.Apply(accepted)
	completed, _ := c.CompleteRollover(testDLC(), params.CurrentFee)
	c = c.Apply(completed)

	after := c.FeeAccount().Settle().LongPaysShort
	if after <= before {
		t.Errorf("positive funding must increase the long-pays-short balance: %d -> %d", before, after)
	}
}
