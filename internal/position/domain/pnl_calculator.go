package domain

import (
	"github.com/shopspring/decimal"
	funding "github.com/wyfcoding/perpetual/internal/funding/domain"
	"github.com/wyfcoding/perpetual/pkg/fixedpoint"
)

// Health 仓位健康度评估结果
type Health struct {
	PnL                 decimal.Decimal `json:"pnl"`
	FundingOwed         decimal.Decimal `json:"funding_owed"`
	EffectiveCollateral decimal.Decimal `json:"effective_collateral"`
	RequiredCollateral  decimal.Decimal `json:"required_collateral"`
	Ratio               decimal.Decimal `json:"ratio"`
	Liquidatable        bool            `json:"liquidatable"`
}

// PnLCalculator PnL 计算器
// 提供盈亏、资金费与健康度计算的领域服务，所有舍入都偏向协议一侧
type PnLCalculator struct{}

// NewPnLCalculator 创建 PnL 计算器实例
func NewPnLCalculator() *PnLCalculator {
	return &PnLCalculator{}
}

// UnrealizedPnL 计算未实现盈亏
// 先把价格变动按 entryPrice 缩放到 18 位精度，再乘以 size，避免小幅变动被截断为零。
// 空头使用 (entry-current)/entry，两个方向都向下取整。
func (c *PnLCalculator) UnrealizedPnL(p Position, currentPrice decimal.Decimal) decimal.Decimal {
	if !p.EntryPrice.IsPositive() || p.Size.IsZero() {
		return decimal.Zero
	}
	delta := currentPrice.Sub(p.EntryPrice)
	if !p.IsLong {
		delta = delta.Neg()
	}
	scaled := fixedpoint.DivDown(delta, p.EntryPrice)
	return fixedpoint.MulDown(scaled, p.Size)
}

// FundingOwed 自开仓以来应付资金费
func (c *PnLCalculator) FundingOwed(p Position, cumulativeIndex decimal.Decimal) decimal.Decimal {
	return funding.Owed(cumulativeIndex, p.FundingIndexAtEntry, p.Size, p.IsLong)
}

// RequiredCollateral 维持保证金 size*mmBps/10000，向上取整
func (c *PnLCalculator) RequiredCollateral(p Position, maintenanceMarginBps int64) decimal.Decimal {
	return fixedpoint.BpsUp(p.Size, maintenanceMarginBps)
}

// Evaluate 计算有效保证金与健康度，effective < required 时可被强平
func (c *PnLCalculator) Evaluate(p Position, exitPrice, cumulativeIndex decimal.Decimal, maintenanceMarginBps int64) Health {
	pnl := c.UnrealizedPnL(p, exitPrice)
	owed := c.FundingOwed(p, cumulativeIndex)
	effective := p.Collateral.Add(pnl).Sub(owed)
	required := c.RequiredCollateral(p, maintenanceMarginBps)

	h := Health{
		PnL:                 pnl,
		FundingOwed:         owed,
		EffectiveCollateral: effective,
		RequiredCollateral:  required,
		Liquidatable:        effective.LessThan(required),
	}
	if required.IsPositive() {
		h.Ratio = fixedpoint.DivDown(effective, required)
	}
	return h
}

// LiquidatorReward min(remaining*bps/10000, remaining)，remaining 为负时视为零
func (c *PnLCalculator) LiquidatorReward(effective decimal.Decimal, rewardBps int64) decimal.Decimal {
	remaining := fixedpoint.NonNegative(effective)
	return decimal.Min(fixedpoint.BpsDown(remaining, rewardBps), remaining)
}

// TradingFee size*feeBps/10000，向上取整
func (c *PnLCalculator) TradingFee(size decimal.Decimal, feeBps int64) decimal.Decimal {
	return fixedpoint.BpsUp(size, feeBps)
}
