package payout

import (
	"errors"
	"fmt"

	"CfdDaemon/internal/model"
	"CfdDaemon/internal/oracle"

	"github.com/shopspring/decimal"
)

// PartyPayout is one price range with the payouts assigned to the two
// protocol parties in a fixed (maker, taker) order, independent of which
// side is long.
type PartyPayout struct {
	Range PriceRange `json:"range"`
	Maker model.Sats `json:"maker"`
	Taker model.Sats `json:"taker"`
}

// Payouts is the full set of payout combinations by which a contract can be
// settled, plus the two extremes at which one party is liquidated.
type Payouts struct {
	Settlement       []PartyPayout
	LongLiquidation  PartyPayout
	ShortLiquidation PartyPayout
}

// NewPayouts generates the curve and orients each payout pair so that the
// maker and taker amounts point to the economically correct party for the
// caller's position and role.
func NewPayouts(
	position model.Position,
	role model.Role,
	price, quantity decimal.Decimal,
	longLeverage, shortLeverage model.Leverage,
	nPayouts int,
	fee model.CompleteFee,
) (Payouts, error) {
	payouts, err := Calculate(price, quantity, longLeverage, shortLeverage, nPayouts, fee)
	if err != nil {
		return Payouts{}, err
	}

	takerIsLong := (position == model.PositionLong && role == model.RoleTaker) ||
		(position == model.PositionShort && role == model.RoleMaker)

	settlement := make([]PartyPayout, len(payouts))
	for i, p := range payouts {
		if takerIsLong {
			settlement[i] = PartyPayout{Range: p.Range, Maker: p.Short, Taker: p.Long}
		} else {
			settlement[i] = PartyPayout{Range: p.Range, Maker: p.Long, Taker: p.Short}
		}
	}

	return Payouts{
		Settlement:       settlement,
		LongLiquidation:  settlement[0],
		ShortLiquidation: settlement[len(settlement)-1],
	}, nil
}

// OraclePayout associates one oracle announcement with the payout set it
// authorizes.
type OraclePayout struct {
	Announcement oracle.Announcement
	Payouts      []PartyPayout
}

// OraclePayouts maps every relevant oracle announcement to its authorized
// payouts: the settlement announcement to the full curve, each liquidation
// checkpoint to the two liquidation extremes only.
type OraclePayouts struct {
	entries []OraclePayout
}

var errNoAnnouncements = errors.New("need at least one announcement to construct oracle payouts")

// NewOraclePayouts orders the announcements by embedded event id and treats
// the latest as the settlement announcement. A single announcement is a
// settlement with zero liquidation checkpoints.
func NewOraclePayouts(payouts Payouts, announcements []oracle.Announcement) (OraclePayouts, error) {
	if len(announcements) == 0 {
		return OraclePayouts{}, errNoAnnouncements
	}

	sorted := oracle.SortAnnouncements(announcements)

	entries := make([]OraclePayout, 0, len(sorted))
	for _, checkpoint := range sorted[:len(sorted)-1] {
		entries = append(entries, OraclePayout{
			Announcement: checkpoint,
			Payouts:      []PartyPayout{payouts.LongLiquidation, payouts.ShortLiquidation},
		})
	}

	entries = append(entries, OraclePayout{
		Announcement: sorted[len(sorted)-1],
		Payouts:      payouts.Settlement,
	})

	return OraclePayouts{entries: entries}, nil
}

// Settlement returns the entry for the settlement announcement.
func (o OraclePayouts) Settlement() OraclePayout {
	return o.entries[len(o.entries)-1]
}

// Liquidations returns the liquidation-checkpoint entries in order.
func (o OraclePayouts) Liquidations() []OraclePayout {
	return o.entries[:len(o.entries)-1]
}

// All returns every entry, checkpoints first, settlement last.
func (o OraclePayouts) All() []OraclePayout {
	return o.entries
}

// Lookup finds the payouts authorized by an announcement id.
func (o OraclePayouts) Lookup(id oracle.EventID) ([]PartyPayout, error) {
	for _, e := range o.entries {
		if e.Announcement.ID == id {
			return e.Payouts, nil
		}
	}
	return nil, fmt.Errorf("no payouts for announcement %s", id)
}
