package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/perpetual/pkg/errs"
	"github.com/wyfcoding/perpetual/pkg/fixedpoint"
)

func d(s string) decimal.Decimal { return fixedpoint.MustParse(s) }

func newTestAMM(t *testing.T) *VirtualAMM {
	t.Helper()
	amm, err := NewVirtualAMM(d("1000000"), d("2000000"), 1000)
	require.NoError(t, err)
	return amm
}

func TestLongWithinSlippageMovesMarkUp(t *testing.T) {
	r := require.New(t)
	amm := newTestAMM(t)
	r.True(d("2").Equal(amm.MarkPrice()))

	res, err := amm.ExecuteSwap(SwapRequest{Direction: DirectionLong, Notional: d("100"), MaxPrice: d("2.1")})
	r.NoError(err)
	r.True(res.ExecutionPrice.GreaterThan(d("2")))
	r.True(res.ExecutionPrice.LessThanOrEqual(d("2.1")))
	r.True(amm.MarkPrice().GreaterThan(d("2")), "mark %s", amm.MarkPrice())
	r.True(amm.MarkPrice().Equal(res.MarkAfter))
}

func TestLongAtMarkBoundFailsWithSlippage(t *testing.T) {
	r := require.New(t)
	amm := newTestAMM(t)
	before := amm.Reserves()

	_, err := amm.ExecuteSwap(SwapRequest{Direction: DirectionLong, Notional: d("100"), MaxPrice: d("2.0")})
	r.ErrorIs(err, ErrSlippageExceeded)
	r.Equal(errs.KindMarket, errs.KindOf(err))
	r.Equal(before, amm.Reserves())
}

func TestShortRespectsMinPrice(t *testing.T) {
	r := require.New(t)
	amm := newTestAMM(t)

	_, err := amm.ExecuteSwap(SwapRequest{Direction: DirectionShort, Notional: d("100"), MinPrice: d("2.0")})
	r.ErrorIs(err, ErrSlippageExceeded)

	res, err := amm.ExecuteSwap(SwapRequest{Direction: DirectionShort, Notional: d("100"), MinPrice: d("1.9")})
	r.NoError(err)
	r.True(amm.MarkPrice().LessThan(d("2")))
	r.True(res.ExecutionPrice.LessThan(d("2")))
}

func TestPriceImpactLimit(t *testing.T) {
	r := require.New(t)
	amm := newTestAMM(t)

	// 20% 的 quote 储备足以让价格移动超过 10%
	_, err := amm.ExecuteSwap(SwapRequest{Direction: DirectionLong, Notional: d("400000")})
	r.ErrorIs(err, ErrPriceImpactExceeded)

	_, err = amm.ExecuteSwap(SwapRequest{Direction: DirectionLong, Notional: d("400000"), ReduceOnly: true})
	r.NoError(err)
}

func TestShortCannotDrainQuote(t *testing.T) {
	amm := newTestAMM(t)
	_, err := amm.ExecuteSwap(SwapRequest{Direction: DirectionShort, Notional: d("2000000"), ReduceOnly: true})
	require.ErrorIs(t, err, ErrInsufficientLiquidity)
}

func TestRoundTripRestoresReserves(t *testing.T) {
	r := require.New(t)
	amm := newTestAMM(t)
	start := amm.Reserves()

	open, err := amm.ExecuteSwap(SwapRequest{Direction: DirectionLong, Notional: d("12345.678")})
	r.NoError(err)
	closeRes, err := amm.ExecuteSwap(SwapRequest{Direction: DirectionShort, Notional: d("12345.678"), ReduceOnly: true})
	r.NoError(err)

	r.True(open.BaseAmount.Equal(closeRes.BaseAmount))
	r.True(open.ExecutionPrice.Equal(closeRes.ExecutionPrice))
	r.True(start.Base.Equal(amm.Reserves().Base))
	r.True(start.Quote.Equal(amm.Reserves().Quote))
}

func TestProductNeverBelowK(t *testing.T) {
	r := require.New(t)
	amm, err := NewVirtualAMM(d("777.777777"), d("1234.5678"), fixedpoint.BpsDenominator)
	r.NoError(err)
	k := amm.Reserves().K

	notionals := []string{"0.1", "3.33", "17", "0.000001", "42.42", "9.999999"}
	for i, n := range notionals {
		dir := DirectionLong
		if i%2 == 1 {
			dir = DirectionShort
		}
		_, err := amm.ExecuteSwap(SwapRequest{Direction: dir, Notional: d(n)})
		r.NoError(err)
		res := amm.Reserves()
		r.True(res.Base.Mul(res.Quote).GreaterThanOrEqual(k), "step %d", i)
		r.True(res.K.Equal(k))
	}
}

func TestQuoteDoesNotMutate(t *testing.T) {
	r := require.New(t)
	amm := newTestAMM(t)
	before := amm.Reserves()

	_, err := amm.Quote(SwapRequest{Direction: DirectionShort, Notional: d("500")})
	r.NoError(err)
	r.Equal(before, amm.Reserves())
}

func TestResizeLiquidityKeepsPrice(t *testing.T) {
	r := require.New(t)
	amm := newTestAMM(t)

	res, err := amm.ResizeLiquidity(d("2000000"))
	r.NoError(err)
	r.True(d("4000000").Equal(res.Quote))
	r.True(d("2").Equal(amm.MarkPrice()))
	r.True(res.K.Equal(d("8000000000000")))
}

func TestInvalidRequests(t *testing.T) {
	amm := newTestAMM(t)
	tests := []struct {
		name string
		req  SwapRequest
	}{
		{"zero notional", SwapRequest{Direction: DirectionLong}},
		{"bad direction", SwapRequest{Direction: 0, Notional: d("1")}},
		{"inverted bounds", SwapRequest{Direction: DirectionLong, Notional: d("1"), MinPrice: d("3"), MaxPrice: d("2")}},
		{"negative bound", SwapRequest{Direction: DirectionLong, Notional: d("1"), MinPrice: d("-1")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := amm.ExecuteSwap(tt.req)
			require.ErrorIs(t, err, ErrInvalidSwap)
			require.Equal(t, errs.KindValidation, errs.KindOf(err))
		})
	}
}

func TestRestoreRejectsBrokenInvariant(t *testing.T) {
	amm := newTestAMM(t)
	bad := amm.Reserves()
	bad.Base = bad.Base.Sub(d("1"))
	require.ErrorIs(t, amm.Restore(bad), ErrReserveInvariant)
}
