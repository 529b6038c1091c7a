package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"CfdDaemon/internal/cfd"
	"CfdDaemon/internal/model"
	"CfdDaemon/internal/oracle"
	"CfdDaemon/internal/payout"
)

// payoutSteps is the discretization granularity of the settlement payout
// curve embedded in every contract blob.
const payoutSteps = 200

// dlcBlob is the opaque contract both parties persist after a successful
// negotiation: the counterparty's signature plus the oracle-indexed payout
// table that signature covers.
type dlcBlob struct {
	Signature []byte                `json:"signature"`
	Payouts   []payout.OraclePayout `json:"payouts"`
}

// newDLC derives the payout curve from the agreed contract terms, maps it
// onto the settlement announcement and packs it with the peer's signature.
// Each party computes the curve independently, so diverging terms surface
// here rather than at attestation time.
func newDLC(
	order model.Order,
	fee model.CompleteFee,
	announcement oracle.Announcement,
	peerSignature []byte,
	inst instruments,
) (cfd.DLC, error) {
	startedAt := time.Now()

	payouts, err := payout.NewPayouts(
		order.Position,
		order.Role,
		order.InitialPrice,
		order.Quantity,
		order.LongLeverage,
		order.ShortLeverage,
		payoutSteps,
		fee,
	)
	if err != nil {
		inst.curveFailed()
		return cfd.DLC{}, fmt.Errorf("payout curve: %w", err)
	}

	table, err := payout.NewOraclePayouts(payouts, []oracle.Announcement{announcement})
	if err != nil {
		inst.curveFailed()
		return cfd.DLC{}, fmt.Errorf("oracle payouts: %w", err)
	}

	raw, err := json.Marshal(dlcBlob{Signature: peerSignature, Payouts: table.All()})
	if err != nil {
		inst.curveFailed()
		return cfd.DLC{}, fmt.Errorf("encode contract blob: %w", err)
	}

	inst.curveBuilt(startedAt)
	return cfd.DLC{SettlementEventID: announcement.ID, Raw: raw}, nil
}
