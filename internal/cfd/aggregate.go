// Package cfd holds the event-sourced contract aggregate. All state is
// derived by folding the event log over the immutable order; commands
// validate a transition and emit events without mutating the aggregate.
package cfd

import (
	"errors"
	"fmt"

	"CfdDaemon/internal/model"
)

// State is the lifecycle phase of a contract.
type State string

const (
	StatePendingSetup       State = "pending_setup"
	StateSettingUp          State = "setting_up"
	StateOpen               State = "open"
	StateRollingOver        State = "rolling_over"
	StateSettlementProposed State = "settlement_proposed"
	StateCommitted          State = "committed"
	StateClosed             State = "closed"
	StateFailed             State = "failed"
)

var (
	ErrNotPendingSetup      = errors.New("contract setup already started or completed")
	ErrNotOpen              = errors.New("contract is not open")
	ErrRolloverInProgress   = errors.New("rollover already in progress")
	ErrNoRolloverInProgress = errors.New("no rollover in progress")
	ErrSettlementInProgress = errors.New("collaborative settlement already in progress")
	ErrNoSettlementProposed = errors.New("no collaborative settlement proposed")
	ErrContractClosed       = errors.New("contract is closed")
)

// Cfd is one contract's aggregate. Values are copied on Apply, so a Cfd in
// hand is never mutated behind the caller's back.
type Cfd struct {
	order      model.Order
	version    uint32
	state      State
	dlc        *DLC
	feeAccount model.FeeAccount
	proposal   *SettlementProposal
	rollover   *pendingRollover
}

type pendingRollover struct {
	txFeeRate   model.TxFeeRate
	fundingRate model.FundingRate
	version     RolloverVersion
}

// FromOrder constructs the aggregate at version zero, before any event.
func FromOrder(order model.Order) (Cfd, error) {
	account, err := order.InitialFeeAccount()
	if err != nil {
		return Cfd{}, fmt.Errorf("seed fee account: %w", err)
	}

	return Cfd{
		order:      order,
		state:      StatePendingSetup,
		feeAccount: account,
	}, nil
}

// Replay folds historical events in persisted order. Replay is deterministic
// and side-effect free: the same log always yields the same aggregate.
func Replay(order model.Order, events []Event) (Cfd, error) {
	c, err := FromOrder(order)
	if err != nil {
		return Cfd{}, err
	}

	for _, e := range events {
		c = c.Apply(e)
	}
	return c, nil
}

// Apply folds one event into a new aggregate value. Unknown kinds only bump
// the version so that logs written by newer daemons still replay.
func (c Cfd) Apply(e Event) Cfd {
	c.version++

	switch e.Kind {
	case ContractSetupStarted:
		c.state = StateSettingUp

	case ContractSetupCompleted:
		c.state = StateOpen
		c.dlc = e.DLC

	case ContractSetupFailed, OfferRejected:
		// Setup never completed; the contract is unusable.
		c.state = StateFailed

	case RolloverStarted:
		c.state = StateRollingOver

	case RolloverAccepted:
		c.rollover = &pendingRollover{
			txFeeRate:   e.TxFeeRate,
			fundingRate: e.FundingRate,
			version:     e.Version,
		}

	case RolloverCompleted:
		c.state = StateOpen
		c.dlc = e.DLC
		c.rollover = nil
		if e.FundingFee != nil {
			c.feeAccount = c.feeAccount.AddFundingFee(*e.FundingFee)
		}

	case RolloverRejected, RolloverFailed:
		// A failed attempt is terminal only for itself.
		c.state = StateOpen
		c.rollover = nil

	case SettlementProposed:
		c.state = StateSettlementProposed
		c.proposal = e.Proposal

	case SettlementAccepted:
		// Remains in the proposed phase until completion.

	case SettlementRejected, SettlementFailed:
		c.state = StateOpen
		c.proposal = nil

	case SettlementComplete:
		c.state = StateClosed
		c.proposal = nil

	case ManualCommit:
		c.state = StateCommitted
	}

	return c
}

func (c Cfd) Order() model.Order            { return c.order }
func (c Cfd) Version() uint32               { return c.version }
func (c Cfd) State() State                  { return c.state }
func (c Cfd) Position() model.Position      { return c.order.Position }
func (c Cfd) Role() model.Role              { return c.order.Role }
func (c Cfd) FeeAccount() model.FeeAccount  { return c.feeAccount }
func (c Cfd) Proposal() *SettlementProposal { return c.proposal }

// DLC returns the current contract state blob, nil before setup completes.
func (c Cfd) DLC() *DLC { return c.dlc }

// --- Contract setup ---

// StartContractSetup begins the setup protocol, yielding the parameters the
// wallet needs to build the contract transactions.
func (c Cfd) StartContractSetup() (Event, model.SetupParams, error) {
	if c.state != StatePendingSetup {
		return Event{}, model.SetupParams{}, fmt.Errorf("start setup for %s contract: %w", c.state, ErrNotPendingSetup)
	}

	params, err := c.order.SetupParams()
	if err != nil {
		return Event{}, model.SetupParams{}, err
	}

	return newEvent(c.order.ID, ContractSetupStarted), params, nil
}

func (c Cfd) CompleteContractSetup(dlc DLC) (Event, error) {
	if c.state != StateSettingUp {
		return Event{}, fmt.Errorf("complete setup in state %s: %w", c.state, ErrNotPendingSetup)
	}

	e := newEvent(c.order.ID, ContractSetupCompleted)
	e.DLC = &dlc
	return e, nil
}

func (c Cfd) FailContractSetup(reason error) Event {
	e := newEvent(c.order.ID, ContractSetupFailed)
	e.Reason = reason.Error()
	return e
}

func (c Cfd) RejectContractSetup(reason error) Event {
	e := newEvent(c.order.ID, OfferRejected)
	e.Reason = reason.Error()
	return e
}

// --- Rollover ---

// RolloverParams carries everything the rollover protocol needs, including
// the fee account from which the canonical complete fee is derived.
type RolloverParams struct {
	Version     RolloverVersion
	TxFeeRate   model.TxFeeRate
	FundingRate model.FundingRate
	FeeAccount  model.FeeAccount
	CurrentFee  model.FundingFee
}

// CompleteFee computes the single settlement figure both parties must agree
// on before any signature is exchanged.
//
// V1 settles the account without the current interval's fee. That is a known
// bug: the fee for the interval being rolled into only lands on the next
// rollover, so every V1 rollover charges one interval late. Deployed V1
// peers derive exactly this figure, so it is preserved verbatim. V2 adds the
// current fee first.
func (p RolloverParams) CompleteFee() model.CompleteFee {
	if p.Version == RolloverV1 {
		return p.FeeAccount.Settle()
	}
	return p.FeeAccount.AddFundingFee(p.CurrentFee).Settle()
}

// StartRollover enters the rollover phase. Only an open contract can roll.
func (c Cfd) StartRollover() (Event, error) {
	switch c.state {
	case StateRollingOver:
		return Event{}, ErrRolloverInProgress
	case StateOpen:
		return newEvent(c.order.ID, RolloverStarted), nil
	default:
		return Event{}, fmt.Errorf("start rollover in state %s: %w", c.state, ErrNotOpen)
	}
}

// AcceptRolloverProposal fixes the rollover terms. The returned params are
// the sole input to the fee figure, so both parties computing them from the
// same announced rates must agree.
func (c Cfd) AcceptRolloverProposal(
	txFeeRate model.TxFeeRate,
	fundingRate model.FundingRate,
	version RolloverVersion,
) (Event, RolloverParams, error) {
	if c.state != StateRollingOver {
		return Event{}, RolloverParams{}, ErrNoRolloverInProgress
	}
	if c.dlc == nil {
		return Event{}, RolloverParams{}, errors.New("cannot roll over without a completed contract")
	}

	currentFee, err := model.CalculateFundingFee(
		c.order.InitialPrice,
		c.order.Quantity,
		c.order.LongLeverage,
		c.order.ShortLeverage,
		fundingRate,
		model.SettlementIntervalHours(c.order.SettlementInterval),
	)
	if err != nil {
		return Event{}, RolloverParams{}, fmt.Errorf("compute rollover funding fee: %w", err)
	}

	params := RolloverParams{
		Version:     version,
		TxFeeRate:   txFeeRate,
		FundingRate: fundingRate,
		FeeAccount:  c.feeAccount,
		CurrentFee:  currentFee,
	}

	e := newEvent(c.order.ID, RolloverAccepted)
	e.TxFeeRate = txFeeRate
	e.FundingRate = fundingRate
	e.Version = version

	return e, params, nil
}

func (c Cfd) CompleteRollover(dlc DLC, fee model.FundingFee) (Event, error) {
	if c.state != StateRollingOver {
		return Event{}, ErrNoRolloverInProgress
	}

	e := newEvent(c.order.ID, RolloverCompleted)
	e.DLC = &dlc
	e.FundingFee = &fee
	return e, nil
}

func (c Cfd) RejectRollover(reason error) (Event, error) {
	if c.state != StateRollingOver {
		return Event{}, ErrNoRolloverInProgress
	}

	e := newEvent(c.order.ID, RolloverRejected)
	e.Reason = reason.Error()
	return e, nil
}

func (c Cfd) FailRollover(reason error) (Event, error) {
	if c.state != StateRollingOver {
		return Event{}, ErrNoRolloverInProgress
	}

	e := newEvent(c.order.ID, RolloverFailed)
	e.Reason = reason.Error()
	return e, nil
}

// --- Collaborative settlement ---

func (c Cfd) ProposeSettlement(proposal SettlementProposal) (Event, error) {
	switch c.state {
	case StateSettlementProposed:
		return Event{}, ErrSettlementInProgress
	case StateOpen:
		e := newEvent(c.order.ID, SettlementProposed)
		e.Proposal = &proposal
		return e, nil
	case StateClosed:
		return Event{}, ErrContractClosed
	default:
		return Event{}, fmt.Errorf("propose settlement in state %s: %w", c.state, ErrNotOpen)
	}
}

func (c Cfd) AcceptSettlement() (Event, error) {
	if c.state != StateSettlementProposed {
		return Event{}, ErrNoSettlementProposed
	}
	return newEvent(c.order.ID, SettlementAccepted), nil
}

func (c Cfd) RejectSettlement() (Event, error) {
	if c.state != StateSettlementProposed {
		return Event{}, ErrNoSettlementProposed
	}
	return newEvent(c.order.ID, SettlementRejected), nil
}

func (c Cfd) CompleteSettlement(proposal SettlementProposal, closeTx []byte) (Event, error) {
	if c.state != StateSettlementProposed {
		return Event{}, ErrNoSettlementProposed
	}

	e := newEvent(c.order.ID, SettlementComplete)
	price := proposal.Price
	e.Price = &price
	e.Tx = closeTx
	return e, nil
}

func (c Cfd) FailSettlement(reason error) (Event, error) {
	if c.state != StateSettlementProposed {
		return Event{}, ErrNoSettlementProposed
	}

	e := newEvent(c.order.ID, SettlementFailed)
	e.Reason = reason.Error()
	return e, nil
}

// --- Non-collaborative close ---

// Commit records the operator's decision to publish the commit transaction
// and resolve on chain.
func (c Cfd) Commit() (Event, error) {
	switch c.state {
	case StateOpen, StateRollingOver, StateSettlementProposed:
		return newEvent(c.order.ID, ManualCommit), nil
	case StateClosed, StateCommitted:
		return Event{}, ErrContractClosed
	default:
		return Event{}, fmt.Errorf("commit in state %s: %w", c.state, ErrNotOpen)
	}
}
