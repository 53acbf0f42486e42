package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/perpetual/pkg/fixedpoint"
)

func d(s string) decimal.Decimal { return fixedpoint.MustParse(s) }

func examplePosition() Position {
	return Position{
		ID:                  "POS-1",
		Owner:               "alice",
		IsLong:              true,
		Size:                d("1000"),
		Collateral:          d("100"),
		EntryPrice:          d("2"),
		FundingIndexAtEntry: decimal.Zero,
	}
}

func TestLiquidatableBelowMaintenance(t *testing.T) {
	c := NewPnLCalculator()
	p := examplePosition()

	tests := []struct {
		price        string
		effective    string
		liquidatable bool
	}{
		{"2", "100", false},
		{"1.9", "50", false},         // -5% * 1000 = -50
		{"1.899999", "49.9995", true}, // 刚跌破维持保证金
		{"1.8", "0", true},
	}
	for _, tt := range tests {
		h := c.Evaluate(p, d(tt.price), decimal.Zero, 500)
		require.True(t, d("50").Equal(h.RequiredCollateral))
		require.True(t, d(tt.effective).Equal(h.EffectiveCollateral), "price %s effective %s", tt.price, h.EffectiveCollateral)
		require.Equal(t, tt.liquidatable, h.Liquidatable, "price %s", tt.price)
	}
}

func TestSmallMovesAreNotTruncated(t *testing.T) {
	c := NewPnLCalculator()
	p := examplePosition()
	p.Size = d("0.000001")
	pnl := c.UnrealizedPnL(p, d("2.000000002"))
	require.True(t, pnl.IsPositive(), "pnl %s", pnl)
}

func TestShortPnLSignAndRounding(t *testing.T) {
	r := require.New(t)
	c := NewPnLCalculator()
	p := examplePosition()
	p.IsLong = false

	r.True(d("50").Equal(c.UnrealizedPnL(p, d("1.9"))))
	r.True(d("-50").Equal(c.UnrealizedPnL(p, d("2.1"))))
	// 1/3 的变动向下取整
	p.EntryPrice = d("3")
	p.Size = d("1")
	r.True(d("-0.333333333333333334").Equal(c.UnrealizedPnL(p, d("4"))))
}

func TestHealthMonotonicity(t *testing.T) {
	r := require.New(t)
	c := NewPnLCalculator()
	p := examplePosition()

	prev := c.Evaluate(p, d("2.2"), decimal.Zero, 500).Ratio
	for _, price := range []string{"2.1", "2.0", "1.95", "1.93", "1.9", "1.85"} {
		ratio := c.Evaluate(p, d(price), decimal.Zero, 500).Ratio
		r.True(ratio.LessThanOrEqual(prev), "loss must not improve health at %s", price)
		prev = ratio
	}

	prev = c.Evaluate(p, d("1.95"), decimal.Zero, 500).Ratio
	for _, col := range []string{"110", "150", "400"} {
		p.Collateral = d(col)
		ratio := c.Evaluate(p, d("1.95"), decimal.Zero, 500).Ratio
		r.True(ratio.GreaterThan(prev))
		prev = ratio
	}
}

func TestFundingReducesEffectiveCollateral(t *testing.T) {
	c := NewPnLCalculator()
	p := examplePosition()
	h := c.Evaluate(p, d("2"), d("0.06"), 500)
	require.True(t, d("60").Equal(h.FundingOwed))
	require.True(t, d("40").Equal(h.EffectiveCollateral))
	require.True(t, h.Liquidatable)
}

func TestRewardNeverExceedsRemainingEquity(t *testing.T) {
	c := NewPnLCalculator()
	for _, eff := range []string{"-10", "0", "0.000000000000000001", "1", "49.99", "1000000"} {
		for _, bps := range []int64{0, 1, 500, 5000, 10000} {
			reward := c.LiquidatorReward(d(eff), bps)
			require.True(t, reward.LessThanOrEqual(fixedpoint.NonNegative(d(eff))), "eff %s bps %d", eff, bps)
			require.False(t, reward.IsNegative())
		}
	}
}
