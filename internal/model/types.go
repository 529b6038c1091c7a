package model

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Position is the side of the contract held by a party.
type Position int8

const (
	PositionLong Position = iota + 1
	PositionShort
)

// Counter returns the opposite position.
func (p Position) Counter() Position {
	if p == PositionLong {
		return PositionShort
	}
	return PositionLong
}

func (p Position) String() string {
	switch p {
	case PositionLong:
		return "long"
	case PositionShort:
		return "short"
	default:
		return "unknown"
	}
}

func ParsePosition(s string) (Position, error) {
	switch s {
	case "long":
		return PositionLong, nil
	case "short":
		return PositionShort, nil
	default:
		return 0, fmt.Errorf("unknown position: %q", s)
	}
}

// Role distinguishes the party that publishes offers from the party that
// takes them.
type Role int8

const (
	RoleMaker Role = iota + 1
	RoleTaker
)

func (r Role) String() string {
	switch r {
	case RoleMaker:
		return "maker"
	case RoleTaker:
		return "taker"
	default:
		return "unknown"
	}
}

func ParseRole(s string) (Role, error) {
	switch s {
	case "maker":
		return RoleMaker, nil
	case "taker":
		return RoleTaker, nil
	default:
		return 0, fmt.Errorf("unknown role: %q", s)
	}
}

// Leverage is a whole-number leverage multiplier.
type Leverage uint8

const LeverageOne Leverage = 1

func (l Leverage) Decimal() decimal.Decimal {
	return decimal.NewFromInt(int64(l))
}

// Sats is an amount of bitcoin in satoshis.
type Sats int64

const SatsPerBitcoin = 100_000_000

// Identity is the opaque network identity of a counterparty, as established
// by the transport handshake.
type Identity string

// OrderID identifies one contract instance.
type OrderID = uuid.UUID

// OfferID identifies one published offer.
type OfferID = uuid.UUID

// LongAndShortLeverage derives the leverage of each side from the taker's
// chosen leverage. The maker side always runs at leverage one.
func LongAndShortLeverage(takerLeverage Leverage, role Role, position Position) (long, short Leverage) {
	takerPosition := position
	if role == RoleMaker {
		takerPosition = position.Counter()
	}

	if takerPosition == PositionLong {
		return takerLeverage, LeverageOne
	}
	return LeverageOne, takerLeverage
}

// CalculateMargin computes the collateral a party must lock for an inverse
// contract: quantity / (price * leverage), converted to whole satoshis.
func CalculateMargin(price decimal.Decimal, quantity decimal.Decimal, leverage Leverage) Sats {
	if price.IsZero() || leverage == 0 {
		return 0
	}

	btc := quantity.Div(price.Mul(leverage.Decimal()))
	return Sats(btc.Mul(decimal.NewFromInt(SatsPerBitcoin)).IntPart())
}
