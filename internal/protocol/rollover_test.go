package protocol

import (
	"context"
	"errors"
	"testing"
	"time"

	"CfdDaemon/internal/cfd"
	"CfdDaemon/internal/model"

	"github.com/rs/zerolog"
)

func TestRolloverRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	makerOrder, takerOrder := pairedOrders()
	maker := newParty(t)
	taker := newParty(t)
	maker.seedOpenContract(t, makerOrder)
	taker.seedOpenContract(t, takerOrder)

	makerEnd, takerEnd := NewPipe()

	takerActor := NewRolloverTaker(RolloverTakerConfig{
		OrderID:  takerOrder.ID,
		Version:  cfd.RolloverV2,
		Registry: NewRegistry(),
		Executor: taker.executor,
		Wallet:   fakeWallet{},
		Oracle:   taker.oracle,
		Channel:  takerEnd,
		Logger:   zerolog.Nop(),
	})

	takerDone := make(chan error, 1)
	go func() { takerDone <- takerActor.Run(ctx) }()

	// The listener consumes the proposal to route the connection.
	propose, err := receive[RolloverProposeMsg](ctx, makerEnd, MsgRolloverPropose)
	if err != nil {
		t.Fatal(err)
	}
	if propose.OrderID != makerOrder.ID {
		t.Fatalf("proposed order %s, want %s", propose.OrderID, makerOrder.ID)
	}

	makerActor := NewRolloverMaker(RolloverMakerConfig{
		OrderID:         propose.OrderID,
		Version:         propose.Version,
		TxFeeRate:       makerOrder.InitialTxFeeRate,
		FundingRate:     makerOrder.InitialFundingRate,
		Registry:        NewRegistry(),
		Executor:        maker.executor,
		Wallet:          fakeWallet{},
		Oracle:          maker.oracle,
		Channel:         makerEnd,
		DecisionTimeout: time.Second,
		Logger:          zerolog.Nop(),
	})
	makerActor.Decide(Decision{Accepted: true})

	if err := makerActor.Run(ctx); err != nil {
		t.Fatalf("maker: %v", err)
	}
	if err := <-takerDone; err != nil {
		t.Fatalf("taker: %v", err)
	}

	if got := maker.state(t, makerOrder.ID); got != cfd.StateOpen {
		t.Errorf("maker state = %s, want %s", got, cfd.StateOpen)
	}
	if got := taker.state(t, takerOrder.ID); got != cfd.StateOpen {
		t.Errorf("taker state = %s, want %s", got, cfd.StateOpen)
	}

	// Both parties watch the new settlement event.
	if len(maker.oracle.monitored) != 1 || len(taker.oracle.monitored) != 1 {
		t.Fatalf("monitored events: maker %d, taker %d, want 1 each",
			len(maker.oracle.monitored), len(taker.oracle.monitored))
	}
	if maker.oracle.monitored[0] != taker.oracle.monitored[0] {
		t.Errorf("parties monitor different events: %s vs %s",
			maker.oracle.monitored[0], taker.oracle.monitored[0])
	}

	// The rolled contract re-derives its payout table against the new
	// settlement announcement.
	makerBlob := maker.contractBlob(t, makerOrder.ID)
	takerBlob := taker.contractBlob(t, takerOrder.ID)
	if len(makerBlob.Payouts) != 1 || len(takerBlob.Payouts) != 1 {
		t.Fatalf("announcement entries = maker %d, taker %d, want 1 each",
			len(makerBlob.Payouts), len(takerBlob.Payouts))
	}
	if got, want := makerBlob.Payouts[0].Announcement.ID, maker.oracle.monitored[0]; got != want {
		t.Errorf("payout table keyed on %s, monitoring %s", got, want)
	}
	makerCurve := makerBlob.Payouts[0].Payouts
	takerCurve := takerBlob.Payouts[0].Payouts
	if len(makerCurve) == 0 || len(makerCurve) != len(takerCurve) {
		t.Fatalf("curve lengths = maker %d, taker %d", len(makerCurve), len(takerCurve))
	}
	for i := range makerCurve {
		if makerCurve[i].Maker != takerCurve[i].Maker || makerCurve[i].Taker != takerCurve[i].Taker {
			t.Fatalf("payout %d diverges: maker sees %+v, taker sees %+v",
				i, makerCurve[i], takerCurve[i])
		}
	}
}

func TestRolloverTakerAbortsOnCompleteFeeMismatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, takerOrder := pairedOrders()
	taker := newParty(t)
	taker.seedOpenContract(t, takerOrder)

	makerEnd, takerEnd := NewPipe()

	takerActor := NewRolloverTaker(RolloverTakerConfig{
		OrderID:  takerOrder.ID,
		Version:  cfd.RolloverV2,
		Registry: NewRegistry(),
		Executor: taker.executor,
		Wallet:   fakeWallet{},
		Oracle:   taker.oracle,
		Channel:  takerEnd,
		Logger:   zerolog.Nop(),
	})

	takerDone := make(chan error, 1)
	go func() { takerDone <- takerActor.Run(ctx) }()

	propose, err := receive[RolloverProposeMsg](ctx, makerEnd, MsgRolloverPropose)
	if err != nil {
		t.Fatal(err)
	}

	// A maker announcing correct terms but a complete fee that cannot be
	// derived from them.
	err = send(ctx, makerEnd, MsgRolloverDecision, RolloverDecisionMsg{
		OrderID:           propose.OrderID,
		Confirmed:         true,
		TxFeeRate:         takerOrder.InitialTxFeeRate,
		FundingRate:       takerOrder.InitialFundingRate,
		Version:           cfd.RolloverV2,
		CompleteFee:       model.CompleteFee{LongPaysShort: 999999},
		SettlementEventID: "/price/BTCUSD/2026-09-01T13:00:00.price?n=20",
	})
	if err != nil {
		t.Fatal(err)
	}

	err = <-takerDone
	if !errors.Is(err, ErrCompleteFeeMismatch) {
		t.Fatalf("taker err = %v, want %v", err, ErrCompleteFeeMismatch)
	}

	var failure *Failure
	if !errors.As(err, &failure) {
		t.Fatalf("err %T is not a Failure", err)
	}
	if failure.Phase != PhaseBeforeCommitment {
		t.Errorf("failure phase = %s, want %s", failure.Phase, PhaseBeforeCommitment)
	}

	// Nothing was signed, the contract is back on its current terms.
	if got := taker.state(t, takerOrder.ID); got != cfd.StateOpen {
		t.Errorf("taker state = %s, want %s", got, cfd.StateOpen)
	}
}

func TestRolloverMakerRejects(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	makerOrder, takerOrder := pairedOrders()
	maker := newParty(t)
	taker := newParty(t)
	maker.seedOpenContract(t, makerOrder)
	taker.seedOpenContract(t, takerOrder)

	makerEnd, takerEnd := NewPipe()

	takerActor := NewRolloverTaker(RolloverTakerConfig{
		OrderID:  takerOrder.ID,
		Version:  cfd.RolloverV1,
		Registry: NewRegistry(),
		Executor: taker.executor,
		Wallet:   fakeWallet{},
		Oracle:   taker.oracle,
		Channel:  takerEnd,
		Logger:   zerolog.Nop(),
	})

	takerDone := make(chan error, 1)
	go func() { takerDone <- takerActor.Run(ctx) }()

	propose, err := receive[RolloverProposeMsg](ctx, makerEnd, MsgRolloverPropose)
	if err != nil {
		t.Fatal(err)
	}

	makerActor := NewRolloverMaker(RolloverMakerConfig{
		OrderID:         propose.OrderID,
		Version:         propose.Version,
		TxFeeRate:       makerOrder.InitialTxFeeRate,
		FundingRate:     makerOrder.InitialFundingRate,
		Registry:        NewRegistry(),
		Executor:        maker.executor,
		Wallet:          fakeWallet{},
		Oracle:          maker.oracle,
		Channel:         makerEnd,
		DecisionTimeout: time.Second,
		Logger:          zerolog.Nop(),
	})
	makerActor.Decide(Decision{Accepted: false, Reason: "rolling over is disabled"})

	if err := makerActor.Run(ctx); err != nil {
		t.Fatalf("maker: %v", err)
	}

	err = <-takerDone
	var failure *Failure
	if !errors.As(err, &failure) {
		t.Fatalf("taker err %T is not a Failure", err)
	}
	if failure.Phase != PhasePeerRejected {
		t.Errorf("failure phase = %s, want %s", failure.Phase, PhasePeerRejected)
	}

	// A rejected rollover leaves the contract running on its old terms.
	if got := maker.state(t, makerOrder.ID); got != cfd.StateOpen {
		t.Errorf("maker state = %s, want %s", got, cfd.StateOpen)
	}
	if got := taker.state(t, takerOrder.ID); got != cfd.StateOpen {
		t.Errorf("taker state = %s, want %s", got, cfd.StateOpen)
	}
}
