package model

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// SettlementInterval is the default oracle settlement window of a contract.
const SettlementInterval = 24 * time.Hour

// refundThreshold is the factor applied to the settlement interval when
// computing the refund timelock. 1.5 times the interval leaves the oracle a
// full interval to attest even if a party commits immediately after setup.
const refundThreshold = 1.5

// blockInterval is the assumed average block time used to convert durations
// into block counts.
const blockInterval = 10 * time.Minute

// Order is the immutable negotiated terms of one contract instance. It never
// changes after creation.
type Order struct {
	ID                 OrderID
	OfferID            OfferID
	Position           Position
	InitialPrice       decimal.Decimal
	InitialFundingRate FundingRate
	LongLeverage       Leverage
	ShortLeverage      Leverage
	SettlementInterval time.Duration
	Quantity           decimal.Decimal
	Counterparty       Identity
	Role               Role
	OpeningFee         Sats
	InitialTxFeeRate   TxFeeRate
	ContractSymbol     string
}

// NewOrder derives the long and short leverage once, from the taker's chosen
// leverage plus role and position, and freezes all terms.
func NewOrder(
	id OrderID,
	offerID OfferID,
	position Position,
	initialPrice decimal.Decimal,
	takerLeverage Leverage,
	settlementInterval time.Duration,
	role Role,
	quantity decimal.Decimal,
	counterparty Identity,
	openingFee Sats,
	initialFundingRate FundingRate,
	initialTxFeeRate TxFeeRate,
	contractSymbol string,
) Order {
	long, short := LongAndShortLeverage(takerLeverage, role, position)

	return Order{
		ID:                 id,
		OfferID:            offerID,
		Position:           position,
		InitialPrice:       initialPrice,
		InitialFundingRate: initialFundingRate,
		LongLeverage:       long,
		ShortLeverage:      short,
		SettlementInterval: settlementInterval,
		Quantity:           quantity,
		Counterparty:       counterparty,
		Role:               role,
		OpeningFee:         openingFee,
		InitialTxFeeRate:   initialTxFeeRate,
		ContractSymbol:     contractSymbol,
	}
}

// OrderFromTakenOffer builds the order a party records when an offer is
// taken. The maker holds the offer's position, the taker the counter
// position.
func OrderFromTakenOffer(
	orderID OrderID,
	offer Offer,
	quantity decimal.Decimal,
	counterparty Identity,
	role Role,
	takerLeverage Leverage,
) Order {
	position := offer.MakerPosition
	if role == RoleTaker {
		position = offer.MakerPosition.Counter()
	}

	return NewOrder(
		orderID,
		offer.ID,
		position,
		offer.Price,
		takerLeverage,
		offer.SettlementInterval,
		role,
		quantity,
		counterparty,
		offer.OpeningFee,
		offer.FundingRate,
		offer.TxFeeRate,
		offer.ContractSymbol,
	)
}

// Margin is the collateral this party locks.
func (o Order) Margin() Sats {
	return CalculateMargin(o.InitialPrice, o.Quantity, o.ownLeverage())
}

// CounterpartyMargin is the collateral the other party locks.
func (o Order) CounterpartyMargin() Sats {
	return CalculateMargin(o.InitialPrice, o.Quantity, o.counterpartyLeverage())
}

func (o Order) ownLeverage() Leverage {
	if o.Position == PositionLong {
		return o.LongLeverage
	}
	return o.ShortLeverage
}

func (o Order) counterpartyLeverage() Leverage {
	if o.Position == PositionLong {
		return o.ShortLeverage
	}
	return o.LongLeverage
}

// TakerLeverage recovers the leverage the taker chose.
func (o Order) TakerLeverage() Leverage {
	if (o.Role == RoleTaker && o.Position == PositionLong) ||
		(o.Role == RoleMaker && o.Position == PositionShort) {
		return o.LongLeverage
	}
	return o.ShortLeverage
}

// RefundTimelockInBlocks returns the refund timelock as a block count,
// covering 1.5 settlement intervals.
func (o Order) RefundTimelockInBlocks() uint32 {
	scaled := time.Duration(float64(o.SettlementInterval) * refundThreshold)
	blocks := float64(scaled) / float64(blockInterval)
	return uint32(math.Ceil(blocks))
}

// InitialFeeAccount seeds the fee account with the opening fee and the first
// settlement interval's funding fee.
func (o Order) InitialFeeAccount() (FeeAccount, error) {
	initialFunding, err := CalculateFundingFee(
		o.InitialPrice,
		o.Quantity,
		o.LongLeverage,
		o.ShortLeverage,
		o.InitialFundingRate,
		SettlementIntervalHours(o.SettlementInterval),
	)
	if err != nil {
		return FeeAccount{}, err
	}

	account := NewFeeAccount(o.Position, o.Role).
		AddOpeningFee(o.OpeningFee).
		AddFundingFee(initialFunding)

	return account, nil
}

// SetupParams carries everything the contract-setup protocol needs to build
// the contract transactions with the wallet.
type SetupParams struct {
	Margin             Sats
	CounterpartyMargin Sats
	Counterparty       Identity
	Price              decimal.Decimal
	Quantity           decimal.Decimal
	LongLeverage       Leverage
	ShortLeverage      Leverage
	RefundTimelock     uint32
	TxFeeRate          TxFeeRate
	FeeAccount         FeeAccount
}

// SetupParams assembles the protocol inputs for contract setup.
func (o Order) SetupParams() (SetupParams, error) {
	account, err := o.InitialFeeAccount()
	if err != nil {
		return SetupParams{}, err
	}

	return SetupParams{
		Margin:             o.Margin(),
		CounterpartyMargin: o.CounterpartyMargin(),
		Counterparty:       o.Counterparty,
		Price:              o.InitialPrice,
		Quantity:           o.Quantity,
		LongLeverage:       o.LongLeverage,
		ShortLeverage:      o.ShortLeverage,
		RefundTimelock:     o.RefundTimelockInBlocks(),
		TxFeeRate:          o.InitialTxFeeRate,
		FeeAccount:         account,
	}, nil
}

// ClosePayouts computes the collateral split of a collaborative close at
// the given price, keyed by role. The long side realizes
// quantity * (1/initial - 1/close) on top of its margin; the short side
// gets the remainder, so the two always sum to the locked total.
func (o Order) ClosePayouts(closePrice decimal.Decimal) (maker, taker Sats, err error) {
	if closePrice.IsZero() || closePrice.IsNegative() {
		return 0, 0, fmt.Errorf("close price must be positive, got %s", closePrice)
	}

	marginLong := CalculateMargin(o.InitialPrice, o.Quantity, o.LongLeverage)
	marginShort := CalculateMargin(o.InitialPrice, o.Quantity, o.ShortLeverage)
	total := marginLong + marginShort

	pnl := o.Quantity.
		Mul(decimal.NewFromInt(1).Div(o.InitialPrice).Sub(decimal.NewFromInt(1).Div(closePrice))).
		Mul(decimal.NewFromInt(SatsPerBitcoin))

	long := Sats(decimal.NewFromInt(int64(marginLong)).Add(pnl).IntPart())
	if long < 0 {
		long = 0
	}
	if long > total {
		long = total
	}
	short := total - long

	makerPosition := o.Position
	if o.Role == RoleTaker {
		makerPosition = o.Position.Counter()
	}

	if makerPosition == PositionLong {
		return long, short, nil
	}
	return short, long, nil
}
