// 包 虚拟定价引擎的领域模型
package domain

import (
	"sync/atomic"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/perpetual/pkg/errs"
	"github.com/wyfcoding/perpetual/pkg/fixedpoint"
)

var (
	ErrSlippageExceeded      = errs.New(errs.KindMarket, "slippage_exceeded", "execution price outside caller bounds")
	ErrPriceImpactExceeded   = errs.New(errs.KindMarket, "price_impact_exceeded", "price move exceeds maximum impact")
	ErrInsufficientLiquidity = errs.New(errs.KindMarket, "insufficient_liquidity", "swap exhausts virtual reserves")
	ErrInvalidSwap           = errs.New(errs.KindValidation, "invalid_swap", "invalid swap request")
	ErrInvalidReserves       = errs.New(errs.KindValidation, "invalid_reserves", "invalid virtual reserves")
	ErrReserveInvariant      = errs.New(errs.KindInvariant, "reserve_invariant_violated", "base*quote fell below k")
)

// Direction 交易方向
type Direction int8

const (
	DirectionLong  Direction = 1
	DirectionShort Direction = -1
)

// Opposite 反向
func (d Direction) Opposite() Direction {
	return -d
}

func (d Direction) String() string {
	if d == DirectionLong {
		return "LONG"
	}
	return "SHORT"
}

// DirectionOf 由多空标志得到方向
func DirectionOf(isLong bool) Direction {
	if isLong {
		return DirectionLong
	}
	return DirectionShort
}

// Reserves 虚拟储备快照，值类型，可安全在 goroutine 间共享。
// 不变量: Base*Quote >= K，舍入始终让乘积停留在 K 之上。
type Reserves struct {
	Base  decimal.Decimal `json:"base"`
	Quote decimal.Decimal `json:"quote"`
	K     decimal.Decimal `json:"k"`
}

// NewReserves 以初始储备构造，K = base*quote
func NewReserves(base, quote decimal.Decimal) (Reserves, error) {
	if !base.IsPositive() || !quote.IsPositive() {
		return Reserves{}, ErrInvalidReserves.Withf("base=%s quote=%s", base, quote)
	}
	if !fixedpoint.IsNormalized(base) || !fixedpoint.IsNormalized(quote) {
		return Reserves{}, ErrInvalidReserves.Withf("reserves exceed %d decimal places", fixedpoint.Precision)
	}
	return Reserves{Base: base, Quote: quote, K: base.Mul(quote)}, nil
}

// MarkPrice quote/base
func (r Reserves) MarkPrice() decimal.Decimal {
	if r.Base.IsZero() {
		return decimal.Zero
	}
	return fixedpoint.DivDown(r.Quote, r.Base)
}

// Holds 检查恒定乘积不变量
func (r Reserves) Holds() bool {
	return r.Base.IsPositive() && r.Quote.IsPositive() && r.Base.Mul(r.Quote).GreaterThanOrEqual(r.K)
}

// SwapRequest 交易请求。MinPrice/MaxPrice 为零表示该侧不设边界。
// ReduceOnly 用于平仓与强平，跳过价格冲击检查，但仍检查滑点。
type SwapRequest struct {
	Direction  Direction
	Notional   decimal.Decimal
	MinPrice   decimal.Decimal
	MaxPrice   decimal.Decimal
	ReduceOnly bool
}

// SwapResult 交易结果
type SwapResult struct {
	Direction      Direction
	Notional       decimal.Decimal
	BaseAmount     decimal.Decimal
	ExecutionPrice decimal.Decimal
	MarkBefore     decimal.Decimal
	MarkAfter      decimal.Decimal
	After          Reserves
}

func (req SwapRequest) validate() error {
	if req.Direction != DirectionLong && req.Direction != DirectionShort {
		return ErrInvalidSwap.Withf("unknown direction %d", req.Direction)
	}
	if !req.Notional.IsPositive() {
		return ErrInvalidSwap.Withf("notional must be positive, got %s", req.Notional)
	}
	if req.MinPrice.IsNegative() || req.MaxPrice.IsNegative() {
		return ErrInvalidSwap.Withf("negative price bound")
	}
	if !req.MinPrice.IsZero() && !req.MaxPrice.IsZero() && req.MinPrice.GreaterThan(req.MaxPrice) {
		return ErrInvalidSwap.Withf("min price %s above max price %s", req.MinPrice, req.MaxPrice)
	}
	return nil
}

// Simulate 在当前储备上模拟交易，不修改任何状态。
// 多头: quote 增加 notional，base 取 ceil(k/quote)，换出 base 差额；
// 空头: quote 减少 notional，base 取 ceil(k/quote)，换入 base 差额。
func (r Reserves) Simulate(req SwapRequest, maxImpactBps int64) (SwapResult, error) {
	if err := req.validate(); err != nil {
		return SwapResult{}, err
	}

	var newQuote, newBase, baseAmount decimal.Decimal
	switch req.Direction {
	case DirectionLong:
		newQuote = r.Quote.Add(req.Notional)
		newBase = fixedpoint.DivUp(r.K, newQuote)
		baseAmount = r.Base.Sub(newBase)
	default:
		if req.Notional.GreaterThanOrEqual(r.Quote) {
			return SwapResult{}, ErrInsufficientLiquidity.Withf("notional %s, quote reserve %s", req.Notional, r.Quote)
		}
		newQuote = r.Quote.Sub(req.Notional)
		newBase = fixedpoint.DivUp(r.K, newQuote)
		baseAmount = newBase.Sub(r.Base)
	}
	if !baseAmount.IsPositive() {
		return SwapResult{}, ErrInsufficientLiquidity.Withf("notional %s below price granularity", req.Notional)
	}

	after := Reserves{Base: newBase, Quote: newQuote, K: r.K}
	res := SwapResult{
		Direction:      req.Direction,
		Notional:       req.Notional,
		BaseAmount:     baseAmount,
		ExecutionPrice: fixedpoint.DivDown(req.Notional, baseAmount),
		MarkBefore:     r.MarkPrice(),
		MarkAfter:      after.MarkPrice(),
		After:          after,
	}

	if !req.ReduceOnly && maxImpactBps > 0 {
		// |after-before| * 10000 > before * maxImpactBps
		move := res.MarkAfter.Sub(res.MarkBefore).Abs().Mul(decimal.NewFromInt(fixedpoint.BpsDenominator))
		if move.GreaterThan(res.MarkBefore.Mul(decimal.NewFromInt(maxImpactBps))) {
			return SwapResult{}, ErrPriceImpactExceeded.Withf("mark %s -> %s, max %d bps", res.MarkBefore, res.MarkAfter, maxImpactBps)
		}
	}
	if !req.MinPrice.IsZero() && res.ExecutionPrice.LessThan(req.MinPrice) {
		return SwapResult{}, ErrSlippageExceeded.Withf("price %s below min %s", res.ExecutionPrice, req.MinPrice)
	}
	if !req.MaxPrice.IsZero() && res.ExecutionPrice.GreaterThan(req.MaxPrice) {
		return SwapResult{}, ErrSlippageExceeded.Withf("price %s above max %s", res.ExecutionPrice, req.MaxPrice)
	}
	if !after.Holds() {
		return SwapResult{}, ErrReserveInvariant.Withf("base=%s quote=%s k=%s", newBase, newQuote, r.K)
	}
	return res, nil
}

// VirtualAMM 虚拟做市商。
// 写操作（ExecuteSwap/ResizeLiquidity/Restore）由上层串行化；读操作走原子发布的快照，从不阻塞。
type VirtualAMM struct {
	reserves     Reserves
	maxImpactBps atomic.Int64
	view         atomic.Pointer[Reserves]
}

// NewVirtualAMM 创建虚拟做市商
func NewVirtualAMM(base, quote decimal.Decimal, maxImpactBps int64) (*VirtualAMM, error) {
	r, err := NewReserves(base, quote)
	if err != nil {
		return nil, err
	}
	a := &VirtualAMM{}
	if err := a.SetMaxPriceImpactBps(maxImpactBps); err != nil {
		return nil, err
	}
	a.commit(r)
	return a, nil
}

func (a *VirtualAMM) commit(r Reserves) {
	a.reserves = r
	snap := r
	a.view.Store(&snap)
}

// MarkPrice 当前标记价格
func (a *VirtualAMM) MarkPrice() decimal.Decimal {
	return a.view.Load().MarkPrice()
}

// Reserves 当前储备快照
func (a *VirtualAMM) Reserves() Reserves {
	return *a.view.Load()
}

// MaxPriceImpactBps 单笔最大价格冲击
func (a *VirtualAMM) MaxPriceImpactBps() int64 {
	return a.maxImpactBps.Load()
}

// SetMaxPriceImpactBps 设置单笔最大价格冲击，取值 (0, 10000]
func (a *VirtualAMM) SetMaxPriceImpactBps(bps int64) error {
	if bps <= 0 || bps > fixedpoint.BpsDenominator {
		return ErrInvalidSwap.Withf("max price impact %d bps out of (0, %d]", bps, fixedpoint.BpsDenominator)
	}
	a.maxImpactBps.Store(bps)
	return nil
}

// Quote 模拟交易
func (a *VirtualAMM) Quote(req SwapRequest) (SwapResult, error) {
	return a.Reserves().Simulate(req, a.MaxPriceImpactBps())
}

// ExecuteSwap 执行交易并更新储备，返回后 MarkPrice 立即反映新价格。
func (a *VirtualAMM) ExecuteSwap(req SwapRequest) (SwapResult, error) {
	res, err := a.reserves.Simulate(req, a.MaxPriceImpactBps())
	if err != nil {
		return SwapResult{}, err
	}
	a.commit(res.After)
	return res, nil
}

// ResizeLiquidity 调整虚拟流动性深度，保持标记价格不变并重新计算 K。
func (a *VirtualAMM) ResizeLiquidity(newBase decimal.Decimal) (Reserves, error) {
	if !newBase.IsPositive() || !fixedpoint.IsNormalized(newBase) {
		return Reserves{}, ErrInvalidReserves.Withf("base %s", newBase)
	}
	newQuote := fixedpoint.DivDown(newBase.Mul(a.reserves.Quote), a.reserves.Base)
	r, err := NewReserves(newBase, newQuote)
	if err != nil {
		return Reserves{}, err
	}
	a.commit(r)
	return r, nil
}

// State 导出状态用于检查点
func (a *VirtualAMM) State() Reserves {
	return a.reserves
}

// Restore 恢复检查点或快照
func (a *VirtualAMM) Restore(r Reserves) error {
	if !r.Holds() {
		return ErrReserveInvariant.Withf("restore base=%s quote=%s k=%s", r.Base, r.Quote, r.K)
	}
	a.commit(r)
	return nil
}
