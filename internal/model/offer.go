package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Offer is a maker's published terms for one side of the market. Takers
// reference offers by id; a taken offer is superseded by a replicated one
// with a fresh id.
type Offer struct {
	ID                 OfferID         `json:"id"`
	MakerPosition      Position        `json:"maker_position"`
	Price              decimal.Decimal `json:"price"`
	MinQuantity        decimal.Decimal `json:"min_quantity"`
	MaxQuantity        decimal.Decimal `json:"max_quantity"`
	LeverageChoices    []Leverage      `json:"leverage_choices"`
	SettlementInterval time.Duration   `json:"settlement_interval"`
	OpeningFee         Sats            `json:"opening_fee"`
	FundingRate        FundingRate     `json:"funding_rate"`
	TxFeeRate          TxFeeRate       `json:"tx_fee_rate"`
	ContractSymbol     string          `json:"contract_symbol"`
}

// AllowsQuantity reports whether the requested quantity is within bounds.
func (o Offer) AllowsQuantity(quantity decimal.Decimal) bool {
	return quantity.GreaterThanOrEqual(o.MinQuantity) && quantity.LessThanOrEqual(o.MaxQuantity)
}

// AllowsLeverage reports whether the taker may choose the given leverage.
func (o Offer) AllowsLeverage(leverage Leverage) bool {
	for _, l := range o.LeverageChoices {
		if l == leverage {
			return true
		}
	}
	return false
}

// OfferSet is the maker's current pair of offers plus the fee parameters
// shared by both sides.
type OfferSet struct {
	Long             *Offer      `json:"long,omitempty"`
	Short            *Offer      `json:"short,omitempty"`
	TxFeeRate        TxFeeRate   `json:"tx_fee_rate"`
	FundingRateLong  FundingRate `json:"funding_rate_long"`
	FundingRateShort FundingRate `json:"funding_rate_short"`
}

// OfferParams are the operator-set pricing inputs from which an OfferSet is
// derived. A nil price disables that side.
type OfferParams struct {
	PriceLong          *decimal.Decimal
	PriceShort         *decimal.Decimal
	MinQuantity        decimal.Decimal
	MaxQuantity        decimal.Decimal
	TxFeeRate          TxFeeRate
	FundingRateLong    FundingRate
	FundingRateShort   FundingRate
	OpeningFee         Sats
	LeverageChoices    []Leverage
	SettlementInterval time.Duration
	ContractSymbol     string
}

// NewOfferSet mints offers for each configured side.
func NewOfferSet(p OfferParams) OfferSet {
	set := OfferSet{
		TxFeeRate:        p.TxFeeRate,
		FundingRateLong:  p.FundingRateLong,
		FundingRateShort: p.FundingRateShort,
	}

	if p.PriceLong != nil {
		set.Long = newOffer(PositionLong, *p.PriceLong, p.FundingRateLong, p)
	}
	if p.PriceShort != nil {
		set.Short = newOffer(PositionShort, *p.PriceShort, p.FundingRateShort, p)
	}

	return set
}

func newOffer(position Position, price decimal.Decimal, rate FundingRate, p OfferParams) *Offer {
	return &Offer{
		ID:                 uuid.New(),
		MakerPosition:      position,
		Price:              price,
		MinQuantity:        p.MinQuantity,
		MaxQuantity:        p.MaxQuantity,
		LeverageChoices:    p.LeverageChoices,
		SettlementInterval: p.SettlementInterval,
		OpeningFee:         p.OpeningFee,
		FundingRate:        rate,
		TxFeeRate:          p.TxFeeRate,
		ContractSymbol:     p.ContractSymbol,
	}
}

// Pick returns the offer with the given id, if it is still current.
func (s OfferSet) Pick(id OfferID) (Offer, bool) {
	if s.Long != nil && s.Long.ID == id {
		return *s.Long, true
	}
	if s.Short != nil && s.Short.ID == id {
		return *s.Short, true
	}
	return Offer{}, false
}

// Replicate mints equivalent offers with fresh ids so other takers can still
// act on the same terms after one offer is consumed.
func (s OfferSet) Replicate() OfferSet {
	out := s
	if s.Long != nil {
		long := *s.Long
		long.ID = uuid.New()
		out.Long = &long
	}
	if s.Short != nil {
		short := *s.Short
		short.ID = uuid.New()
		out.Short = &short
	}
	return out
}

// All returns the published offers as a flat list, long side first.
func (s OfferSet) All() []Offer {
	var out []Offer
	if s.Long != nil {
		out = append(out, *s.Long)
	}
	if s.Short != nil {
		out = append(out, *s.Short)
	}
	return out
}
