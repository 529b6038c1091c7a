package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"CfdDaemon/internal/cfd"
	"CfdDaemon/internal/model"
	"CfdDaemon/internal/oracle"

	"github.com/shopspring/decimal"
)

// Envelope is one framed wire message: a type tag plus the type's payload.
// Each protocol accepts a closed set of types in a fixed legal sequence; an
// unexpected or malformed message is a protocol error, never a crash.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

const (
	// Offer endpoint.
	MsgOffers         = "offers"
	MsgTakeOrder      = "take_order"
	MsgInvalidOrderID = "invalid_order_id"

	// Contract setup.
	MsgSetupAccept    = "setup_accept"
	MsgSetupReject    = "setup_reject"
	MsgSetupParams    = "setup_params"
	MsgSetupSignature = "setup_signature"
	MsgSetupComplete  = "setup_complete"
	MsgSetupFailed    = "setup_failed"

	// Rollover.
	MsgRolloverPropose   = "rollover_propose"
	MsgRolloverDecision  = "rollover_decision"
	MsgRolloverSignature = "rollover_signature"
	MsgRolloverComplete  = "rollover_complete"
	MsgRolloverFailed    = "rollover_failed"

	// Collaborative settlement.
	MsgSettlementPropose   = "settlement_propose"
	MsgSettlementDecision  = "settlement_decision"
	MsgSettlementSignature = "settlement_signature"
	MsgSettlementComplete  = "settlement_complete"
	MsgSettlementFailed    = "settlement_failed"
)

// OffersMsg broadcasts the maker's current offer set.
type OffersMsg struct {
	Offers []model.Offer `json:"offers"`
}

// TakeOrderMsg is the taker's request to turn an offer into a contract.
type TakeOrderMsg struct {
	OfferID  model.OfferID   `json:"offer_id"`
	Identity model.Identity  `json:"identity"`
	Quantity decimal.Decimal `json:"quantity"`
	Leverage model.Leverage  `json:"leverage"`
}

// InvalidOrderIDMsg tells the taker the referenced offer is no longer
// current. No contract is created.
type InvalidOrderIDMsg struct {
	OfferID model.OfferID `json:"offer_id"`
}

// SetupAcceptMsg names the contract the maker recorded for the take. Both
// parties derive the frozen terms from the offer independently.
type SetupAcceptMsg struct {
	OrderID model.OrderID `json:"order_id"`
}

type SetupRejectMsg struct {
	OfferID model.OfferID `json:"offer_id"`
	Reason  string        `json:"reason"`
}

// SetupParamsMsg exchanges each party's opaque wallet-built funding inputs.
type SetupParamsMsg struct {
	OrderID model.OrderID `json:"order_id"`
	Params  []byte        `json:"params"`
}

type SetupSignatureMsg struct {
	OrderID   model.OrderID `json:"order_id"`
	Signature []byte        `json:"signature"`
}

type SetupCompleteMsg struct {
	OrderID           model.OrderID  `json:"order_id"`
	SettlementEventID oracle.EventID `json:"settlement_event_id"`
}

// RolloverProposeMsg opens a rollover attempt for an open contract.
type RolloverProposeMsg struct {
	OrderID   model.OrderID       `json:"order_id"`
	Timestamp time.Time           `json:"timestamp"`
	Version   cfd.RolloverVersion `json:"version"`
}

// RolloverDecisionMsg is the maker's answer. On confirmation it fixes the
// terms and the canonical complete fee; the taker recomputes the fee from
// the same terms and aborts on any mismatch.
type RolloverDecisionMsg struct {
	OrderID           model.OrderID       `json:"order_id"`
	Confirmed         bool                `json:"confirmed"`
	Reason            string              `json:"reason,omitempty"`
	TxFeeRate         model.TxFeeRate     `json:"tx_fee_rate,omitempty"`
	FundingRate       model.FundingRate   `json:"funding_rate,omitempty"`
	Version           cfd.RolloverVersion `json:"rollover_version,omitempty"`
	CompleteFee       model.CompleteFee   `json:"complete_fee,omitempty"`
	SettlementEventID oracle.EventID      `json:"settlement_event_id,omitempty"`
}

type RolloverSignatureMsg struct {
	OrderID   model.OrderID `json:"order_id"`
	Signature []byte        `json:"signature"`
}

type RolloverCompleteMsg struct {
	OrderID           model.OrderID  `json:"order_id"`
	SettlementEventID oracle.EventID `json:"settlement_event_id"`
}

type SettlementProposeMsg struct {
	Proposal cfd.SettlementProposal `json:"proposal"`
}

type SettlementDecisionMsg struct {
	OrderID   model.OrderID `json:"order_id"`
	Confirmed bool          `json:"confirmed"`
	Reason    string        `json:"reason,omitempty"`
}

type SettlementSignatureMsg struct {
	OrderID   model.OrderID `json:"order_id"`
	Signature []byte        `json:"signature"`
}

type SettlementCompleteMsg struct {
	OrderID model.OrderID `json:"order_id"`
	CloseTx []byte        `json:"close_tx"`
}

// FailedMsg signals an unrecoverable protocol error to the peer.
type FailedMsg struct {
	OrderID model.OrderID `json:"order_id"`
	Reason  string        `json:"reason"`
}

// Encode wraps a payload in an envelope of the given type.
func Encode(msgType string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", msgType, err)
	}
	return Envelope{Type: msgType, Data: data}, nil
}

// Decode unmarshals an envelope's payload, checking the type tag first. A
// tag mismatch means the peer broke the protocol sequence.
func Decode[T any](e Envelope, want string) (T, error) {
	var payload T

	if e.Type != want {
		return payload, fmt.Errorf("expected %s, peer sent %s", want, e.Type)
	}
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return payload, fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return payload, nil
}
