package protocol

import (
	"context"
	"errors"
	"testing"
	"time"

	"CfdDaemon/internal/cfd"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func TestSettlementRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	makerOrder, takerOrder := pairedOrders()
	maker := newParty(t)
	taker := newParty(t)
	maker.seedOpenContract(t, makerOrder)
	taker.seedOpenContract(t, takerOrder)

	proposal := cfd.SettlementProposal{
		OrderID:   takerOrder.ID,
		Timestamp: time.Now().UTC(),
		Price:     decimal.NewFromInt(42000),
		Maker:     120000,
		Taker:     130000,
	}

	makerEnd, takerEnd := NewPipe()

	takerActor := NewSettlementTaker(SettlementTakerConfig{
		Proposal: proposal,
		Registry: NewRegistry(),
		Executor: taker.executor,
		Wallet:   fakeWallet{},
		Channel:  takerEnd,
		Logger:   zerolog.Nop(),
	})

	takerDone := make(chan error, 1)
	go func() { takerDone <- takerActor.Run(ctx) }()

	propose, err := receive[SettlementProposeMsg](ctx, makerEnd, MsgSettlementPropose)
	if err != nil {
		t.Fatal(err)
	}

	makerActor := NewSettlementMaker(SettlementMakerConfig{
		Proposal:        propose.Proposal,
		Registry:        NewRegistry(),
		Executor:        maker.executor,
		Wallet:          fakeWallet{},
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

	if got := maker.state(t, makerOrder.ID); got != cfd.StateClosed {
		t.Errorf("maker state = %s, want %s", got, cfd.StateClosed)
	}
	if got := taker.state(t, takerOrder.ID); got != cfd.StateClosed {
		t.Errorf("taker state = %s, want %s", got, cfd.StateClosed)
	}
}

func TestSettlementMakerRejectsBackToOpen(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	makerOrder, takerOrder := pairedOrders()
	maker := newParty(t)
	taker := newParty(t)
	maker.seedOpenContract(t, makerOrder)
	taker.seedOpenContract(t, takerOrder)

	proposal := cfd.SettlementProposal{
		OrderID:   takerOrder.ID,
		Timestamp: time.Now().UTC(),
		Price:     decimal.NewFromInt(42000),
		Maker:     120000,
		Taker:     130000,
	}

	makerEnd, takerEnd := NewPipe()

	takerActor := NewSettlementTaker(SettlementTakerConfig{
		Proposal: proposal,
		Registry: NewRegistry(),
		Executor: taker.executor,
		Wallet:   fakeWallet{},
		Channel:  takerEnd,
		Logger:   zerolog.Nop(),
	})

	takerDone := make(chan error, 1)
	go func() { takerDone <- takerActor.Run(ctx) }()

	propose, err := receive[SettlementProposeMsg](ctx, makerEnd, MsgSettlementPropose)
	if err != nil {
		t.Fatal(err)
	}

	makerActor := NewSettlementMaker(SettlementMakerConfig{
		Proposal:        propose.Proposal,
		Registry:        NewRegistry(),
		Executor:        maker.executor,
		Wallet:          fakeWallet{},
		Channel:         makerEnd,
		DecisionTimeout: time.Second,
		Logger:          zerolog.Nop(),
	})
	makerActor.Decide(Decision{Accepted: false, Reason: "price too far from market"})

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

	// Rejection is not fatal: both sides return to open.
	if got := maker.state(t, makerOrder.ID); got != cfd.StateOpen {
		t.Errorf("maker state = %s, want %s", got, cfd.StateOpen)
	}
	if got := taker.state(t, takerOrder.ID); got != cfd.StateOpen {
		t.Errorf("taker state = %s, want %s", got, cfd.StateOpen)
	}
}

func TestSettlementTakerClassifiesPostSignatureFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, takerOrder := pairedOrders()
	taker := newParty(t)
	taker.seedOpenContract(t, takerOrder)

	proposal := cfd.SettlementProposal{
		OrderID:   takerOrder.ID,
		Timestamp: time.Now().UTC(),
		Price:     decimal.NewFromInt(42000),
		Maker:     120000,
		Taker:     130000,
	}

	makerEnd, takerEnd := NewPipe()

	takerActor := NewSettlementTaker(SettlementTakerConfig{
		Proposal: proposal,
		Registry: NewRegistry(),
		Executor: taker.executor,
		Wallet:   fakeWallet{},
		Channel:  takerEnd,
		Logger:   zerolog.Nop(),
	})

	takerDone := make(chan error, 1)
	go func() { takerDone <- takerActor.Run(ctx) }()

	if _, err := receive[SettlementProposeMsg](ctx, makerEnd, MsgSettlementPropose); err != nil {
		t.Fatal(err)
	}
	err := send(ctx, makerEnd, MsgSettlementDecision, SettlementDecisionMsg{
		OrderID:   takerOrder.ID,
		Confirmed: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Take the signature, then vanish without sending the close.
	if _, err := receive[SettlementSignatureMsg](ctx, makerEnd, MsgSettlementSignature); err != nil {
		t.Fatal(err)
	}
	makerEnd.Close()

	err = <-takerDone
	var failure *Failure
	if !errors.As(err, &failure) {
		t.Fatalf("taker err %T is not a Failure", err)
	}
	if failure.Phase != PhaseAfterCommitment {
		t.Errorf("failure phase = %s, want %s", failure.Phase, PhaseAfterCommitment)
	}
	if !failure.RequiresMonitoring() {
		t.Error("post-signature failure must require monitoring")
	}
}

func TestSettlementTakerClassifiesPreSignatureFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, takerOrder := pairedOrders()
	taker := newParty(t)
	taker.seedOpenContract(t, takerOrder)

	proposal := cfd.SettlementProposal{
		OrderID:   takerOrder.ID,
		Timestamp: time.Now().UTC(),
		Price:     decimal.NewFromInt(42000),
		Maker:     120000,
		Taker:     130000,
	}

	makerEnd, takerEnd := NewPipe()

	takerActor := NewSettlementTaker(SettlementTakerConfig{
		Proposal: proposal,
		Registry: NewRegistry(),
		Executor: taker.executor,
		Wallet:   fakeWallet{},
		Channel:  takerEnd,
		Logger:   zerolog.Nop(),
	})

	takerDone := make(chan error, 1)
	go func() { takerDone <- takerActor.Run(ctx) }()

	// Drop the connection before answering the proposal.
	if _, err := receive[SettlementProposeMsg](ctx, makerEnd, MsgSettlementPropose); err != nil {
		t.Fatal(err)
	}
	makerEnd.Close()

	err := <-takerDone
	var failure *Failure
	if !errors.As(err, &failure) {
		t.Fatalf("taker err %T is not a Failure", err)
	}
	if failure.Phase != PhaseBeforeCommitment {
		t.Errorf("failure phase = %s, want %s", failure.Phase, PhaseBeforeCommitment)
	}
	if failure.RequiresMonitoring() {
		t.Error("pre-signature failure must not require monitoring")
	}
}
