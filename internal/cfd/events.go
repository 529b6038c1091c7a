package cfd

import (
	"time"

	"CfdDaemon/internal/model"
	"CfdDaemon/internal/oracle"

	"github.com/shopspring/decimal"
)

// EventKind discriminates the lifecycle events of a contract.
type EventKind string

const (
	ContractSetupStarted   EventKind = "ContractSetupStarted"
	ContractSetupCompleted EventKind = "ContractSetupCompleted"
	ContractSetupFailed    EventKind = "ContractSetupFailed"
	OfferRejected          EventKind = "OfferRejected"

	RolloverStarted   EventKind = "RolloverStarted"
	RolloverAccepted  EventKind = "RolloverAccepted"
	RolloverRejected  EventKind = "RolloverRejected"
	RolloverCompleted EventKind = "RolloverCompleted"
	RolloverFailed    EventKind = "RolloverFailed"

	SettlementProposed EventKind = "CollaborativeSettlementProposed"
	SettlementAccepted EventKind = "CollaborativeSettlementAccepted"
	SettlementRejected EventKind = "CollaborativeSettlementRejected"
	SettlementComplete EventKind = "CollaborativeSettlementCompleted"
	SettlementFailed   EventKind = "CollaborativeSettlementFailed"

	ManualCommit EventKind = "ManualCommit"
)

// DLC is the opaque discreet-log-contract state produced by the setup and
// rollover protocols. The raw blob carries the contract transactions and
// adaptor signatures; this layer only tracks which oracle event settles it.
type DLC struct {
	SettlementEventID oracle.EventID `json:"settlement_event_id"`
	Raw               []byte         `json:"raw"`
}

// SettlementProposal is a proposed collaborative close at a negotiated
// price, with the resulting split of the locked collateral.
type SettlementProposal struct {
	OrderID   model.OrderID   `json:"order_id"`
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
	Maker     model.Sats      `json:"maker"`
	Taker     model.Sats      `json:"taker"`
}

// RolloverVersion selects the fee formula used during a rollover. V1 is kept
// only for compatibility with deployed peers.
type RolloverVersion int

const (
	RolloverV1 RolloverVersion = 1
	RolloverV2 RolloverVersion = 2
)

// Event is one immutable state-transition fact in a contract's log. Kind
// selects which payload fields are populated.
type Event struct {
	OrderID   model.OrderID `json:"order_id"`
	Timestamp time.Time     `json:"timestamp"`
	Kind      EventKind     `json:"kind"`

	DLC        *DLC                `json:"dlc,omitempty"`
	FundingFee *model.FundingFee   `json:"funding_fee,omitempty"`
	Reason     string              `json:"reason,omitempty"`
	Proposal   *SettlementProposal `json:"proposal,omitempty"`

	// Rollover terms, populated on RolloverAccepted.
	TxFeeRate   model.TxFeeRate   `json:"tx_fee_rate,omitempty"`
	FundingRate model.FundingRate `json:"funding_rate,omitempty"`
	Version     RolloverVersion   `json:"version,omitempty"`

	// Close terms, populated on CollaborativeSettlementCompleted.
	Price *decimal.Decimal `json:"price,omitempty"`
	Tx    []byte           `json:"tx,omitempty"`
}

func newEvent(orderID model.OrderID, kind EventKind) Event {
	return Event{OrderID: orderID, Timestamp: time.Now().UTC(), Kind: kind}
}
