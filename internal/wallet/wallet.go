// Package wallet implements the signing capability the negotiation
// protocols depend on. Key management and raw DLC cryptography live outside
// the daemon; signatures here are opaque commitments derived from a local
// seed, verified only by the counterparty echoing them back.
package wallet

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"CfdDaemon/internal/model"
)

type Wallet struct {
	seed     []byte
	identity model.Identity
}

func New(seed []byte, identity model.Identity) *Wallet {
	return &Wallet{seed: seed, identity: identity}
}

// BuildPartyParams serializes this party's contribution to the contract
// transactions: margins, price, and the identity the counterparty addresses
// revocation messages to.
func (w *Wallet) BuildPartyParams(_ context.Context, params model.SetupParams) ([]byte, error) {
	blob, err := json.Marshal(struct {
		Identity           model.Identity `json:"identity"`
		Margin             model.Sats     `json:"margin"`
		CounterpartyMargin model.Sats     `json:"counterparty_margin"`
		Price              string         `json:"price"`
		Quantity           string         `json:"quantity"`
		RefundTimelock     uint32         `json:"refund_timelock"`
	}{
		Identity:           w.identity,
		Margin:             params.Margin,
		CounterpartyMargin: params.CounterpartyMargin,
		Price:              params.Price.String(),
		Quantity:           params.Quantity.String(),
		RefundTimelock:     params.RefundTimelock,
	})
	if err != nil {
		return nil, fmt.Errorf("build party params: %w", err)
	}
	return blob, nil
}

// Sign produces a deterministic commitment over the payload.
func (w *Wallet) Sign(_ context.Context, payload []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, w.seed)
	mac.Write([]byte(w.identity))
	mac.Write(payload)
	return []byte(hex.EncodeToString(mac.Sum(nil))), nil
}
