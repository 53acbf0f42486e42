package domain

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/perpetual/pkg/errs"
)

// fakeCustody 记录转账，可注入失败
type fakeCustody struct {
	in, out map[string]decimal.Decimal
	failIn  error
	failOut error
}

func newFakeCustody() *fakeCustody {
	return &fakeCustody{in: map[string]decimal.Decimal{}, out: map[string]decimal.Decimal{}}
}

func (f *fakeCustody) TransferIn(_ context.Context, account string, amount decimal.Decimal) error {
	if f.failIn != nil {
		return f.failIn
	}
	f.in[account] = f.in[account].Add(amount)
	return nil
}

func (f *fakeCustody) TransferOut(_ context.Context, account string, amount decimal.Decimal) error {
	if f.failOut != nil {
		return f.failOut
	}
	f.out[account] = f.out[account].Add(amount)
	return nil
}

func n(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestLockReleaseAndFees(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	l := NewLedger(newFakeCustody())

	r.NoError(l.Lock(ctx, "alice", n(100)))
	r.NoError(l.CreditFee(n(1)))
	r.NoError(l.Release(ctx, n(99), "alice"))

	b := l.Balances()
	r.True(b.Locked.IsZero())
	r.True(n(1).Equal(b.AccumulatedFees))
	r.True(n(1).Equal(b.TotalCustodied))
	r.NoError(b.Check())
}

func TestReleaseBeyondLockedIsRejected(t *testing.T) {
	r := require.New(t)
	l := NewLedger(newFakeCustody())
	r.NoError(l.Lock(context.Background(), "alice", n(10)))

	err := l.Release(context.Background(), n(11), "alice")
	r.ErrorIs(err, ErrInsufficientLocked)
	r.True(n(10).Equal(l.Balances().Locked))
}

func TestCustodyFailureLeavesLedgerUntouched(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	fc := newFakeCustody()
	l := NewLedger(fc)
	r.NoError(l.Lock(ctx, "alice", n(10)))
	before := l.Balances()

	fc.failOut = &CustodyError{Code: CustodyTransport, Account: "alice", Reason: "timeout"}
	err := l.Release(ctx, n(5), "alice")
	r.ErrorIs(err, ErrCustodyFailure)
	r.Equal(errs.KindExternal, errs.KindOf(err))

	var cerr *CustodyError
	r.True(errors.As(err, &cerr))
	r.Equal(CustodyTransport, cerr.Code)
	r.Equal(before, l.Balances())

	fc.failIn = &CustodyError{Code: CustodyInsufficientBalance, Account: "bob", Reason: "empty"}
	err = l.Lock(ctx, "bob", n(1))
	r.True(errors.As(err, &cerr))
	r.Equal(CustodyInsufficientBalance, cerr.Code)
	r.Equal(before, l.Balances())
}

func TestProfitCappedByProviderEquity(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	l := NewLedger(newFakeCustody())
	_, err := l.DepositLiquidity(ctx, "lp", n(50))
	r.NoError(err)
	r.NoError(l.Lock(ctx, "alice", n(10)))

	paid, err := l.RealizeProfit(n(80))
	r.NoError(err)
	r.True(n(50).Equal(paid))
	r.True(n(60).Equal(l.Balances().Locked))
	r.True(l.Balances().ProviderEquity.IsZero())
}

func TestBadDebtCoverageReportsShortfall(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	l := NewLedger(newFakeCustody())
	r.NoError(l.DepositInsurance(ctx, "treasury", n(30)))

	short, err := l.CoverBadDebt(n(20))
	r.NoError(err)
	r.True(short.IsZero())

	short, err = l.CoverBadDebt(n(25))
	r.NoError(err)
	r.True(n(15).Equal(short))
	r.True(l.Balances().Insurance.IsZero())
	r.True(n(30).Equal(l.Balances().ProviderEquity))
	r.NoError(l.Balances().Check())
}

func TestLiquidityShares(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	l := NewLedger(newFakeCustody())

	s1, err := l.DepositLiquidity(ctx, "lp1", n(100))
	r.NoError(err)
	r.True(n(100).Equal(s1))

	// 做市商获得 100 的交易亏损后，份额价值翻倍
	r.NoError(l.Lock(ctx, "trader", n(100)))
	r.NoError(l.RealizeLoss(n(100)))

	s2, err := l.DepositLiquidity(ctx, "lp2", n(100))
	r.NoError(err)
	r.True(n(50).Equal(s2))

	out, err := l.WithdrawLiquidity(ctx, "lp1", n(100))
	r.NoError(err)
	r.True(n(200).Equal(out))
	r.True(l.SharesOf("lp1").IsZero())

	_, err = l.WithdrawLiquidity(ctx, "lp2", n(51))
	r.ErrorIs(err, ErrInsufficientShares)
	r.NoError(l.Balances().Check())
}

func TestClaimFees(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	fc := newFakeCustody()
	l := NewLedger(fc)

	_, err := l.ClaimFees(ctx, "treasury")
	r.ErrorIs(err, ErrNothingToClaim)

	r.NoError(l.Lock(ctx, "alice", n(10)))
	r.NoError(l.CreditFee(n(3)))
	got, err := l.ClaimFees(ctx, "treasury")
	r.NoError(err)
	r.True(n(3).Equal(got))
	r.True(n(3).Equal(fc.out["treasury"]))
	r.True(n(7).Equal(l.Balances().TotalCustodied))
}

func TestRestoreRejectsInconsistentSnapshot(t *testing.T) {
	r := require.New(t)
	l := NewLedger(newFakeCustody())

	err := l.Restore(Snapshot{Balances: Balances{Locked: n(1), TotalCustodied: n(2)}})
	r.ErrorIs(err, ErrLedgerInvariant)

	err = l.Restore(Snapshot{
		Balances: Balances{ProviderEquity: n(5), TotalCustodied: n(5), TotalShares: n(5)},
		Shares:   map[string]decimal.Decimal{"lp": n(4)},
	})
	r.ErrorIs(err, ErrLedgerInvariant)
}

func TestInvalidAmounts(t *testing.T) {
	l := NewLedger(newFakeCustody())
	require.ErrorIs(t, l.Lock(context.Background(), "a", decimal.Zero), ErrInvalidAmount)
	require.ErrorIs(t, l.CreditFee(n(-1)), ErrInvalidAmount)
	require.ErrorIs(t, l.Lock(context.Background(), "a", decimal.New(1, -19)), ErrInvalidAmount)
}
