package application

import (
	"github.com/shopspring/decimal"
	collateral "github.com/wyfcoding/perpetual/internal/collateral/domain"
	funding "github.com/wyfcoding/perpetual/internal/funding/domain"
	"github.com/wyfcoding/perpetual/internal/position/domain"
	pricing "github.com/wyfcoding/perpetual/internal/pricing/domain"
)

// 以下查询只读取原子发布的视图，不获取写锁。
// 跨对象的组合读取（例如持仓与标记价格）可能分别来自相邻的两次提交。

// Position 按 ID 查询持仓
func (e *Engine) Position(id string) (domain.Position, error) {
	v, ok := e.positions.Load(id)
	if !ok {
		return domain.Position{}, domain.ErrPositionNotFound.Withf("%s", id)
	}
	return v.(domain.Position), nil
}

// PositionsOf 按 owner 查询持仓，顺序与持仓簿中的 owner 索引一致
func (e *Engine) PositionsOf(owner string) []domain.Position {
	v, ok := e.owners.Load(owner)
	if !ok {
		return nil
	}
	ids := v.([]string)
	out := make([]domain.Position, 0, len(ids))
	for _, id := range ids {
		if p, ok := e.positions.Load(id); ok {
			out = append(out, p.(domain.Position))
		}
	}
	return out
}

// ForEachPosition 遍历所有持仓，fn 返回 false 时停止
func (e *Engine) ForEachPosition(fn func(domain.Position) bool) {
	e.positions.Range(func(_, v any) bool {
		return fn(v.(domain.Position))
	})
}

// Health 以当前储备模拟平仓价计算仓位健康度
func (e *Engine) Health(id string) (domain.Health, error) {
	p, err := e.Position(id)
	if err != nil {
		return domain.Health{}, err
	}
	exit, err := e.amm.Quote(p.CloseRequest())
	if err != nil {
		return domain.Health{}, err
	}
	return e.calc.Evaluate(p, exit.ExecutionPrice, e.funding.CumulativeIndex(), e.Params().MaintenanceMarginBps), nil
}

// Quote 模拟一笔开仓成交，不修改储备
func (e *Engine) Quote(isLong bool, notional decimal.Decimal) (pricing.SwapResult, error) {
	return e.amm.Quote(pricing.SwapRequest{Direction: pricing.DirectionOf(isLong), Notional: notional})
}

// MarkPrice 当前标记价格
func (e *Engine) MarkPrice() decimal.Decimal {
	return e.amm.MarkPrice()
}

// Reserves 当前虚拟储备
func (e *Engine) Reserves() pricing.Reserves {
	return e.amm.Reserves()
}

// FundingState 资金费率累加器状态
func (e *Engine) FundingState() funding.State {
	return e.funding.View()
}

// LedgerBalances 账本余额
func (e *Engine) LedgerBalances() collateral.Balances {
	return e.ledger.Balances()
}

// Params 当前风险参数
func (e *Engine) Params() domain.RiskParameters {
	return *e.paramsView.Load()
}

// Paused 引擎是否处于暂停状态
func (e *Engine) Paused() bool {
	return e.paused.Load()
}

func (e *Engine) openPositions() int {
	n := 0
	e.positions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
