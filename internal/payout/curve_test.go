package payout_test

import (
	"errors"
	"testing"
	"time"

	"CfdDaemon/internal/model"
	"CfdDaemon/internal/oracle"
	"CfdDaemon/internal/payout"

	"github.com/shopspring/decimal"
)

func TestCalculate_RangesAreContiguousAndCoverDomain(t *testing.T) {
	price := decimal.NewFromInt(40_000)
	quantity := decimal.NewFromInt(1000)

	payouts, err := payout.Calculate(price, quantity, 2, 5, 200, model.CompleteFee{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(payouts) < 2 {
		t.Fatalf("expected at least 2 ranges, got %d", len(payouts))
	}

	first := payouts[0]
	if !first.Range.Start.IsZero() {
		t.Errorf("domain must start at 0, got %s", first.Range.Start)
	}

	last := payouts[len(payouts)-1]
	if !last.Range.End.Equal(decimal.NewFromInt(oracle.MaxAttestablePrice)) {
		t.Errorf("domain must end at the max attestable price, got %s", last.Range.End)
	}

	for i := 1; i < len(payouts); i++ {
		if !payouts[i].Range.Start.Equal(payouts[i-1].Range.End) {
			t.Errorf("gap or overlap between range %d and %d: %s vs %s",
				i-1, i, payouts[i-1].Range.End, payouts[i].Range.Start)
		}
	}
}

func TestCalculate_PayoutsSumToTotalCollateral(t *testing.T) {
	price := decimal.NewFromInt(40_000)
	quantity := decimal.NewFromInt(1000)

	marginLong := model.CalculateMargin(price, quantity, 2)
	marginShort := model.CalculateMargin(price, quantity, 5)
	total := marginLong + marginShort

	for _, fee := range []model.Sats{0, 5000, -5000} {
		payouts, err := payout.Calculate(price, quantity, 2, 5, 200, model.CompleteFee{LongPaysShort: fee})
		if err != nil {
			t.Fatalf("fee %d: unexpected error: %v", fee, err)
		}

		for i, p := range payouts {
			if p.Long+p.Short != total {
				t.Errorf("fee %d range %d: %d + %d != %d", fee, i, p.Long, p.Short, total)
			}
			if p.Long < 0 || p.Short < 0 {
				t.Errorf("fee %d range %d: negative payout", fee, i)
			}
		}
	}
}

func TestCalculate_ExtremesAreLiquidations(t *testing.T) {
	price := decimal.NewFromInt(40_000)
	quantity := decimal.NewFromInt(1000)

	payouts, err := payout.Calculate(price, quantity, 2, 5, 200, model.CompleteFee{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	total := payouts[0].Long + payouts[0].Short

	if payouts[0].Long != 0 {
		t.Errorf("long liquidation should pay the long nothing, got %d", payouts[0].Long)
	}
	if payouts[len(payouts)-1].Long != total {
		t.Errorf("short liquidation should pay the long everything, got %d", payouts[len(payouts)-1].Long)
	}
}

func TestCalculate_MonotonicInPrice(t *testing.T) {
	payouts, err := payout.Calculate(decimal.NewFromInt(40_000), decimal.NewFromInt(1000), 1, 3, 50, model.CompleteFee{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 1; i < len(payouts); i++ {
		if payouts[i].Long < payouts[i-1].Long {
			t.Errorf("long payout must not decrease with price: range %d", i)
		}
	}
}

func TestCalculate_DegenerateInputsFail(t *testing.T) {
	price := decimal.NewFromInt(40_000)
	quantity := decimal.NewFromInt(1000)

	cases := []struct {
		name string
		fn   func() error
	}{
		{"zero price", func() error {
			_, err := payout.Calculate(decimal.Zero, quantity, 2, 2, 10, model.CompleteFee{})
			return err
		}},
		{"zero quantity", func() error {
			_, err := payout.Calculate(price, decimal.Zero, 2, 2, 10, model.CompleteFee{})
			return err
		}},
		{"zero leverage", func() error {
			_, err := payout.Calculate(price, quantity, 0, 2, 10, model.CompleteFee{})
			return err
		}},
		{"tiny quantity locks nothing", func() error {
			_, err := payout.Calculate(price, decimal.NewFromFloat(0.000000001), 1, 1, 10, model.CompleteFee{})
			return err
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.fn()
			if err == nil {
				t.Fatal("expected error")
			}
			if tc.name != "zero price" && tc.name != "zero quantity" && !errors.Is(err, payout.ErrDegenerateCurve) {
				t.Errorf("want ErrDegenerateCurve, got %v", err)
			}
		})
	}
}

func TestCalculate_SinglePayoutStillYieldsLiquidations(t *testing.T) {
	payouts, err := payout.Calculate(decimal.NewFromInt(40_000), decimal.NewFromInt(1000), 2, 2, 1, model.CompleteFee{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(payouts) < 2 {
		t.Errorf("n_payouts=1 must still produce both liquidation extremes, got %d ranges", len(payouts))
	}
}

func TestNewPayouts_OrientationSwapsWithRoleAndPosition(t *testing.T) {
	price := decimal.NewFromInt(40_000)
	quantity := decimal.NewFromInt(1000)

	// Taker long and maker short describe the same contract, so the pair
	// assignment must be identical.
	takerLong, err := payout.NewPayouts(model.PositionLong, model.RoleTaker, price, quantity, 2, 5, 50, model.CompleteFee{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	makerShort, err := payout.NewPayouts(model.PositionShort, model.RoleMaker, price, quantity, 2, 5, 50, model.CompleteFee{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := range takerLong.Settlement {
		if takerLong.Settlement[i].Taker != makerShort.Settlement[i].Taker {
			t.Fatalf("range %d: taker payout diverges between equivalent views", i)
		}
	}

	// In the long liquidation the long party gets nothing. With the taker
	// long, that is the taker.
	if takerLong.LongLiquidation.Taker != 0 {
		t.Errorf("taker long: long liquidation should zero the taker, got %d", takerLong.LongLiquidation.Taker)
	}

	// Flip sides: maker long means the maker is zeroed instead.
	makerLong, err := payout.NewPayouts(model.PositionLong, model.RoleMaker, price, quantity, 2, 5, 50, model.CompleteFee{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if makerLong.LongLiquidation.Maker != 0 {
		t.Errorf("maker long: long liquidation should zero the maker, got %d", makerLong.LongLiquidation.Maker)
	}
}

func makeAnnouncements(n int) []oracle.Announcement {
	base := time.Date(2026, 8, 31, 13, 0, 0, 0, time.UTC)
	anns := make([]oracle.Announcement, n)
	for i := range anns {
		anns[i] = oracle.Announcement{
			ID:       oracle.NewEventID("BTCUSD", base.Add(time.Duration(i)*time.Hour)),
			NoncePKs: []string{"d02d163cf9623f567c4e3faf851a9266ac1ede13da4ca4141f3a7717fba9a739"},
		}
	}
	return anns
}

func testPayouts(t *testing.T) payout.Payouts {
	t.Helper()
	p, err := payout.NewPayouts(
		model.PositionLong, model.RoleTaker,
		decimal.NewFromInt(40_000), decimal.NewFromInt(1000),
		2, 5, 50, model.CompleteFee{},
	)
	if err != nil {
		t.Fatalf("build payouts: %v", err)
	}
	return p
}

func TestNewOraclePayouts_SettlementIsLatest(t *testing.T) {
	payouts := testPayouts(t)
	anns := makeAnnouncements(24)

	// Shuffle the input order; sorting is the mapper's job.
	shuffled := []oracle.Announcement{anns[5], anns[23], anns[0], anns[12]}
	shuffled = append(shuffled, anns[1:5]...)
	shuffled = append(shuffled, anns[6:12]...)
	shuffled = append(shuffled, anns[13:23]...)

	op, err := payout.NewOraclePayouts(payouts, shuffled)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := op.Settlement().Announcement.ID; got != anns[23].ID {
		t.Errorf("settlement should be the latest announcement, got %s", got)
	}

	liquidations := op.Liquidations()
	if len(liquidations) != 23 {
		t.Fatalf("want 23 liquidation checkpoints, got %d", len(liquidations))
	}
	for _, l := range liquidations {
		if len(l.Payouts) != 2 {
			t.Errorf("checkpoint %s: want exactly the two liquidation payouts, got %d", l.Announcement.ID, len(l.Payouts))
		}
	}

	if len(op.Settlement().Payouts) != len(payouts.Settlement) {
		t.Error("settlement entry must carry the full curve")
	}
}

func TestNewOraclePayouts_SingleAnnouncement(t *testing.T) {
	payouts := testPayouts(t)
	anns := makeAnnouncements(1)

	op, err := payout.NewOraclePayouts(payouts, anns)
	if err != nil {
		t.Fatalf("a single announcement must construct, got: %v", err)
	}

	if len(op.Liquidations()) != 0 {
		t.Errorf("want zero liquidation checkpoints, got %d", len(op.Liquidations()))
	}
	if op.Settlement().Announcement.ID != anns[0].ID {
		t.Error("the sole announcement must be the settlement announcement")
	}
}

func TestNewOraclePayouts_EmptyFails(t *testing.T) {
	if _, err := payout.NewOraclePayouts(testPayouts(t), nil); err == nil {
		t.Fatal("empty announcement list must fail")
	}
}
