// Package payout turns contract terms into the discretized payout table the
// oracle-conditioned contract transactions are built from. All price math is
// decimal; payouts are whole satoshis. Never float64 for money.
package payout

import (
	"errors"
	"fmt"

	"CfdDaemon/internal/model"
	"CfdDaemon/internal/oracle"

	"github.com/shopspring/decimal"
)

// ErrDegenerateCurve is returned when the inputs collapse to fewer than two
// distinct price ranges. A single-point curve would silently misprice the
// contract, so construction fails instead.
var ErrDegenerateCurve = errors.New("payout curve is degenerate")

// PriceRange is a half-open price interval [Start, End).
type PriceRange struct {
	Start decimal.Decimal `json:"start"`
	End   decimal.Decimal `json:"end"`
}

// Payout is one price range with the long and short side's payout. The two
// amounts always sum to the total locked collateral.
type Payout struct {
	Range PriceRange `json:"range"`
	Long  model.Sats `json:"long"`
	Short model.Sats `json:"short"`
}

var satsPerBtc = decimal.NewFromInt(model.SatsPerBitcoin)

// Calculate discretizes the payout function of an inverse contract over the
// full price domain [0, MaxAttestablePrice]. The first range is the long
// liquidation, the last the short liquidation, with nPayouts interior
// segments between the two liquidation prices. Adjacent segments with equal
// payouts are collapsed.
func Calculate(
	price decimal.Decimal,
	quantity decimal.Decimal,
	longLeverage, shortLeverage model.Leverage,
	nPayouts int,
	fee model.CompleteFee,
) ([]Payout, error) {
	if nPayouts < 1 {
		return nil, fmt.Errorf("n_payouts must be at least 1, got %d", nPayouts)
	}
	if !price.IsPositive() || !quantity.IsPositive() {
		return nil, fmt.Errorf("price and quantity must be positive: %w", ErrDegenerateCurve)
	}
	if longLeverage == 0 || shortLeverage == 0 {
		return nil, fmt.Errorf("leverage must be positive: %w", ErrDegenerateCurve)
	}

	marginLong := model.CalculateMargin(price, quantity, longLeverage)
	marginShort := model.CalculateMargin(price, quantity, shortLeverage)
	total := marginLong + marginShort
	if total <= 0 {
		return nil, fmt.Errorf("no collateral locked: %w", ErrDegenerateCurve)
	}

	maxPrice := decimal.NewFromInt(oracle.MaxAttestablePrice)

	longLiq := liquidationPriceLong(price, longLeverage)
	shortLiq := liquidationPriceShort(price, shortLeverage, maxPrice)

	if longLiq.GreaterThanOrEqual(shortLiq) || shortLiq.GreaterThan(maxPrice) {
		return nil, fmt.Errorf(
			"liquidation bounds %s..%s leave no interior: %w",
			longLiq, shortLiq, ErrDegenerateCurve,
		)
	}

	longAt := func(p decimal.Decimal) model.Sats {
		// marginLong + quantity*(1/price - 1/p), clamped to the collateral.
		diff := decimal.NewFromInt(1).Div(price).Sub(decimal.NewFromInt(1).Div(p))
		pnl := quantity.Mul(diff).Mul(satsPerBtc)
		return clampSats(marginLong+model.Sats(pnl.IntPart()), 0, total)
	}

	payouts := make([]Payout, 0, nPayouts+2)
	payouts = append(payouts, Payout{
		Range: PriceRange{Start: decimal.Zero, End: longLiq},
		Long:  0,
		Short: total,
	})

	step := shortLiq.Sub(longLiq).Div(decimal.NewFromInt(int64(nPayouts)))
	two := decimal.NewFromInt(2)

	start := longLiq
	for i := 0; i < nPayouts; i++ {
		end := longLiq.Add(step.Mul(decimal.NewFromInt(int64(i + 1))))
		if i == nPayouts-1 {
			end = shortLiq // absorb rounding drift so ranges stay gap-free
		}

		mid := start.Add(end).Div(two)
		long := longAt(mid)

		payouts = append(payouts, Payout{
			Range: PriceRange{Start: start, End: end},
			Long:  long,
			Short: total - long,
		})
		start = end
	}

	payouts = append(payouts, Payout{
		Range: PriceRange{Start: shortLiq, End: maxPrice},
		Long:  total,
		Short: 0,
	})

	payouts = applyFee(payouts, fee, total)
	payouts = mergeEqual(payouts)

	if len(payouts) < 2 {
		return nil, fmt.Errorf("only %d distinct ranges: %w", len(payouts), ErrDegenerateCurve)
	}

	return payouts, nil
}

// liquidationPriceLong is the price at which the long's payout reaches zero:
// price * l / (l + 1).
func liquidationPriceLong(price decimal.Decimal, leverage model.Leverage) decimal.Decimal {
	l := leverage.Decimal()
	return price.Mul(l).Div(l.Add(decimal.NewFromInt(1)))
}

// liquidationPriceShort is the price at which the short's payout reaches
// zero: price * l / (l - 1). At leverage one the short can never be
// liquidated by a rising price, so the bound is the oracle's maximum.
func liquidationPriceShort(price decimal.Decimal, leverage model.Leverage, maxPrice decimal.Decimal) decimal.Decimal {
	if leverage == model.LeverageOne {
		return maxPrice
	}

	l := leverage.Decimal()
	liq := price.Mul(l).Div(l.Sub(decimal.NewFromInt(1)))
	if liq.GreaterThan(maxPrice) {
		return maxPrice
	}
	return liq
}

// applyFee shifts every payout by the net fee flow, clamped so neither side
// can be paid more than the locked collateral.
func applyFee(payouts []Payout, fee model.CompleteFee, total model.Sats) []Payout {
	if fee.LongPaysShort == 0 {
		return payouts
	}

	for i := range payouts {
		long := clampSats(payouts[i].Long-fee.LongPaysShort, 0, total)
		payouts[i].Long = long
		payouts[i].Short = total - long
	}
	return payouts
}

func mergeEqual(payouts []Payout) []Payout {
	merged := payouts[:1]
	for _, p := range payouts[1:] {
		last := &merged[len(merged)-1]
		if p.Long == last.Long && p.Short == last.Short {
			last.Range.End = p.Range.End
			continue
		}
		merged = append(merged, p)
	}
	return merged
}

func clampSats(v, lo, hi model.Sats) model.Sats {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
