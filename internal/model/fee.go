package model

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// TxFeeRate is the on-chain transaction fee rate in sat/vbyte both parties
// agree to use for the contract transactions.
type TxFeeRate uint32

const DefaultTxFeeRate TxFeeRate = 1

// FundingRate is the per-settlement-interval funding rate. A positive rate
// means the long party pays the short party.
type FundingRate struct {
	Rate decimal.Decimal `json:"rate"`
}

func NewFundingRate(rate decimal.Decimal) FundingRate {
	return FundingRate{Rate: rate}
}

func (f FundingRate) IsPositive() bool {
	return !f.Rate.IsNegative()
}

// FundingFee is one interval's worth of funding, with the rate that produced
// it. The sign of the rate carries the direction; the fee itself is an
// absolute amount.
type FundingFee struct {
	Fee  Sats        `json:"fee"`
	Rate FundingRate `json:"rate"`
}

var errZeroHours = errors.New("funding fee interval must be positive")

// CalculateFundingFee computes the funding owed for holding a position over
// the given number of hours. The paying side's margin is the base: with a
// positive rate the long pays, so the long margin is charged; with a
// negative rate the short margin is.
func CalculateFundingFee(
	price decimal.Decimal,
	quantity decimal.Decimal,
	longLeverage, shortLeverage Leverage,
	rate FundingRate,
	hours int64,
) (FundingFee, error) {
	if hours <= 0 {
		return FundingFee{}, errZeroHours
	}

	payerLeverage := longLeverage
	if !rate.IsPositive() {
		payerLeverage = shortLeverage
	}

	margin := CalculateMargin(price, quantity, payerLeverage)

	fraction := decimal.NewFromInt(hours).Div(decimal.NewFromInt(24))
	fee := decimal.NewFromInt(int64(margin)).
		Mul(rate.Rate.Abs()).
		Mul(fraction)

	// Truncate to whole satoshis so both parties derive the same figure.
	return FundingFee{Fee: Sats(fee.IntPart()), Rate: rate}, nil
}

// CompleteFee is the net fee flow of a contract, denominated from the long
// party's perspective: a positive amount flows from long to short.
type CompleteFee struct {
	// LongPaysShort is negative when the short party pays the long party.
	LongPaysShort Sats `json:"long_pays_short"`
}

// FeeAccount accumulates opening and funding fees for one contract from one
// party's perspective and settles them into a single CompleteFee.
type FeeAccount struct {
	position Position
	role     Role
	balance  Sats // positive: long pays short
}

func NewFeeAccount(position Position, role Role) FeeAccount {
	return FeeAccount{position: position, role: role}
}

// AddOpeningFee charges the opening fee, which the taker always pays to the
// maker regardless of position.
func (f FeeAccount) AddOpeningFee(fee Sats) FeeAccount {
	takerPosition := f.position
	if f.role == RoleMaker {
		takerPosition = f.position.Counter()
	}

	if takerPosition == PositionLong {
		f.balance += fee
	} else {
		f.balance -= fee
	}
	return f
}

// AddFundingFee applies one interval's funding in the direction given by the
// fee's rate sign.
func (f FeeAccount) AddFundingFee(fee FundingFee) FeeAccount {
	if fee.Rate.IsPositive() {
		f.balance += fee.Fee
	} else {
		f.balance -= fee.Fee
	}
	return f
}

// Settle collapses the accumulated balance into the canonical net flow.
func (f FeeAccount) Settle() CompleteFee {
	return CompleteFee{LongPaysShort: f.balance}
}

func (f FeeAccount) Position() Position { return f.position }
func (f FeeAccount) Role() Role         { return f.role }

// SettlementIntervalHours converts a settlement interval to whole hours for
// funding-fee computation.
func SettlementIntervalHours(interval time.Duration) int64 {
	return int64(interval.Hours())
}
