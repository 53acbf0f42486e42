// 包 资金费率累加器的领域模型
package domain

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/perpetual/pkg/errs"
	"github.com/wyfcoding/perpetual/pkg/fixedpoint"
)

var (
	ErrStaleIndexPrice      = errs.New(errs.KindValidation, "stale_index_price", "index price is stale or invalid")
	ErrInvalidFundingParams = errs.New(errs.KindValidation, "invalid_funding_params", "invalid funding parameters")
)

// IndexPrice 外部指数价格
type IndexPrice struct {
	Value     decimal.Decimal
	Timestamp time.Time
}

// PriceFeed 指数价格适配器。
// 结算时在引擎写锁内调用，与 Custody 相同：实现不应回调引擎，确需回调时必须沿用收到的 ctx，
// 否则会阻塞在写锁上而不是得到 ErrReentrantCall。
type PriceFeed interface {
	IndexPrice(ctx context.Context) (IndexPrice, error)
}

// MarkPricer 标记价格来源（虚拟做市商）
type MarkPricer interface {
	MarkPrice() decimal.Decimal
}

// Params 资金费率参数
type Params struct {
	// 结算周期
	Interval time.Duration `json:"interval"`
	// 溢价系数
	Coefficient decimal.Decimal `json:"coefficient"`
	// 单周期费率下限/上限
	MinRate decimal.Decimal `json:"min_rate"`
	MaxRate decimal.Decimal `json:"max_rate"`
	// 指数价格最大允许延迟
	MaxStaleness time.Duration `json:"max_staleness"`
}

// Validate 校验参数
func (p Params) Validate() error {
	if p.Interval <= 0 {
		return ErrInvalidFundingParams.Withf("interval must be positive")
	}
	if p.MaxStaleness <= 0 {
		return ErrInvalidFundingParams.Withf("max staleness must be positive")
	}
	if p.Coefficient.IsNegative() {
		return ErrInvalidFundingParams.Withf("coefficient %s is negative", p.Coefficient)
	}
	if p.MinRate.GreaterThan(p.MaxRate) {
		return ErrInvalidFundingParams.Withf("min rate %s above max rate %s", p.MinRate, p.MaxRate)
	}
	if p.MaxRate.Abs().GreaterThan(fixedpoint.One) || p.MinRate.Abs().GreaterThan(fixedpoint.One) {
		return ErrInvalidFundingParams.Withf("rate bounds must lie within [-1, 1]")
	}
	return nil
}

// State 累加器状态，LastSettled 总是 start + n*Interval。
type State struct {
	CumulativeIndex decimal.Decimal `json:"cumulative_index"`
	LastSettled     time.Time       `json:"last_settled"`
	LastRate        decimal.Decimal `json:"last_rate"`
}

// Settlement 一次结算的结果，Intervals 为零表示无需结算。
type Settlement struct {
	Intervals       int64
	Rate            decimal.Decimal
	MarkPrice       decimal.Decimal
	IndexPrice      decimal.Decimal
	CumulativeIndex decimal.Decimal
	SettledAt       time.Time
}

// Accumulator 累计资金费率指数。
// 多个周期未结算时，以当前溢价计算一个费率并乘以周期数一次性累加（不复利）。
type Accumulator struct {
	params Params
	feed   PriceFeed
	mark   MarkPricer
	state  State
	view   atomic.Pointer[State]
}

// NewAccumulator 创建累加器，start 为首个周期起点
func NewAccumulator(params Params, feed PriceFeed, mark MarkPricer, start time.Time) (*Accumulator, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	a := &Accumulator{params: params, feed: feed, mark: mark}
	a.commit(State{CumulativeIndex: decimal.Zero, LastSettled: start, LastRate: decimal.Zero})
	return a, nil
}

func (a *Accumulator) commit(s State) {
	a.state = s
	snap := s
	a.view.Store(&snap)
}

// ElapsedIntervals 自上次结算以来完整经过的周期数
func (a *Accumulator) ElapsedIntervals(now time.Time) int64 {
	if !now.After(a.state.LastSettled) {
		return 0
	}
	return int64(now.Sub(a.state.LastSettled) / a.params.Interval)
}

// Settle 结算所有已经过的周期。没有完整周期时直接返回，不访问价格源。
// 指数价格无效或过期时返回 ErrStaleIndexPrice，状态保持不变。
func (a *Accumulator) Settle(ctx context.Context, now time.Time) (Settlement, error) {
	n := a.ElapsedIntervals(now)
	if n == 0 {
		return Settlement{CumulativeIndex: a.state.CumulativeIndex, SettledAt: a.state.LastSettled}, nil
	}

	index, err := a.feed.IndexPrice(ctx)
	if err != nil {
		return Settlement{}, ErrStaleIndexPrice.Wrap(err)
	}
	if !index.Value.IsPositive() {
		return Settlement{}, ErrStaleIndexPrice.Withf("non-positive index %s", index.Value)
	}
	if now.Sub(index.Timestamp) > a.params.MaxStaleness {
		return Settlement{}, ErrStaleIndexPrice.Withf("index from %s older than %s", index.Timestamp.Format(time.RFC3339), a.params.MaxStaleness)
	}

	mark := a.mark.MarkPrice()
	premium := fixedpoint.DivDown(a.params.Coefficient.Mul(mark.Sub(index.Value)), index.Value)
	rate := fixedpoint.Clamp(premium, a.params.MinRate, a.params.MaxRate)

	next := State{
		CumulativeIndex: a.state.CumulativeIndex.Add(rate.Mul(decimal.NewFromInt(n))),
		LastSettled:     a.state.LastSettled.Add(time.Duration(n) * a.params.Interval),
		LastRate:        rate,
	}
	a.commit(next)

	return Settlement{
		Intervals:       n,
		Rate:            rate,
		MarkPrice:       mark,
		IndexPrice:      index.Value,
		CumulativeIndex: next.CumulativeIndex,
		SettledAt:       next.LastSettled,
	}, nil
}

// Owed 仓位自开仓以来应付的资金费，正数为应付，负数为应收；向上取整。
func Owed(currentIndex, entryIndex, size decimal.Decimal, isLong bool) decimal.Decimal {
	delta := currentIndex.Sub(entryIndex)
	if !isLong {
		delta = delta.Neg()
	}
	return fixedpoint.MulUp(delta, size)
}

// CumulativeIndex 当前累计指数（非阻塞）
func (a *Accumulator) CumulativeIndex() decimal.Decimal {
	return a.view.Load().CumulativeIndex
}

// View 状态快照（非阻塞）
func (a *Accumulator) View() State {
	return *a.view.Load()
}

// Params 当前参数
func (a *Accumulator) Params() Params {
	return a.params
}

// SetParams 更新参数，校验失败时不做任何修改
func (a *Accumulator) SetParams(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	a.params = p
	return nil
}

// State 导出状态用于检查点
func (a *Accumulator) State() State {
	return a.state
}

// Restore 恢复检查点或快照
func (a *Accumulator) Restore(s State) {
	a.commit(s)
}
