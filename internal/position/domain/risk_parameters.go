package domain

import (
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/perpetual/pkg/fixedpoint"
)

// 风险参数边界
const (
	MinLeverage             int64 = 1
	MaxLeverageCap          int64 = 100
	MinMaintenanceMarginBps int64 = 50
	MaxMaintenanceMarginBps int64 = 5000
	MaxTradingFeeBps        int64 = 500
	MaxLiquidationFeeBps    int64 = 5000
	MaxPositionsPerUserCap        = 1000
)

// RiskParameters 市场级风险参数，由引擎实例持有，只能通过带校验的 setter 修改。
type RiskParameters struct {
	MaxLeverage          int64           `json:"max_leverage"`
	MaintenanceMarginBps int64           `json:"maintenance_margin_bps"`
	TradingFeeBps        int64           `json:"trading_fee_bps"`
	LiquidationFeeBps    int64           `json:"liquidation_fee_bps"` // 清算人奖励比例
	MinCollateral        decimal.Decimal `json:"min_collateral"`
	MaxPositionSize      decimal.Decimal `json:"max_position_size"`
	MaxPositionsPerUser  int             `json:"max_positions_per_user"`
	FeeRecipient         string          `json:"fee_recipient"`
}

// DefaultRiskParameters 默认参数
func DefaultRiskParameters() RiskParameters {
	return RiskParameters{
		MaxLeverage:          20,
		MaintenanceMarginBps: 250,
		TradingFeeBps:        10,
		LiquidationFeeBps:    500,
		MinCollateral:        decimal.NewFromInt(10),
		MaxPositionSize:      decimal.NewFromInt(1_000_000),
		MaxPositionsPerUser:  50,
		FeeRecipient:         "treasury",
	}
}

// Validate 校验全部边界。
// 额外要求 MaintenanceMarginBps * MaxLeverage < 10000，保证以最大杠杆新开的仓位不会立即可被强平。
func (p RiskParameters) Validate() error {
	switch {
	case p.MaxLeverage < MinLeverage || p.MaxLeverage > MaxLeverageCap:
		return ErrInvalidParameter.Withf("max leverage %d outside [%d, %d]", p.MaxLeverage, MinLeverage, MaxLeverageCap)
	case p.MaintenanceMarginBps < MinMaintenanceMarginBps || p.MaintenanceMarginBps > MaxMaintenanceMarginBps:
		return ErrInvalidParameter.Withf("maintenance margin %d bps outside [%d, %d]", p.MaintenanceMarginBps, MinMaintenanceMarginBps, MaxMaintenanceMarginBps)
	case p.TradingFeeBps < 0 || p.TradingFeeBps > MaxTradingFeeBps:
		return ErrInvalidParameter.Withf("trading fee %d bps outside [0, %d]", p.TradingFeeBps, MaxTradingFeeBps)
	case p.LiquidationFeeBps < 0 || p.LiquidationFeeBps > MaxLiquidationFeeBps:
		return ErrInvalidParameter.Withf("liquidation fee %d bps outside [0, %d]", p.LiquidationFeeBps, MaxLiquidationFeeBps)
	case !p.MinCollateral.IsPositive() || !fixedpoint.IsNormalized(p.MinCollateral):
		return ErrInvalidParameter.Withf("min collateral %s", p.MinCollateral)
	case !p.MaxPositionSize.IsPositive() || !fixedpoint.IsNormalized(p.MaxPositionSize):
		return ErrInvalidParameter.Withf("max position size %s", p.MaxPositionSize)
	case p.MaxPositionsPerUser < 1 || p.MaxPositionsPerUser > MaxPositionsPerUserCap:
		return ErrInvalidParameter.Withf("max positions per user %d outside [1, %d]", p.MaxPositionsPerUser, MaxPositionsPerUserCap)
	case p.FeeRecipient == "":
		return ErrInvalidParameter.Withf("fee recipient is empty")
	case p.MaintenanceMarginBps*p.MaxLeverage >= fixedpoint.BpsDenominator:
		return ErrInvalidParameter.Withf("maintenance margin %d bps at %dx leverage leaves no headroom", p.MaintenanceMarginBps, p.MaxLeverage)
	}
	return nil
}

func (p *RiskParameters) apply(mutate func(*RiskParameters)) error {
	next := *p
	mutate(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	*p = next
	return nil
}

func (p *RiskParameters) SetMaxLeverage(v int64) error {
	return p.apply(func(n *RiskParameters) { n.MaxLeverage = v })
}

func (p *RiskParameters) SetMaintenanceMarginBps(v int64) error {
	return p.apply(func(n *RiskParameters) { n.MaintenanceMarginBps = v })
}

func (p *RiskParameters) SetTradingFeeBps(v int64) error {
	return p.apply(func(n *RiskParameters) { n.TradingFeeBps = v })
}

func (p *RiskParameters) SetLiquidationFeeBps(v int64) error {
	return p.apply(func(n *RiskParameters) { n.LiquidationFeeBps = v })
}

func (p *RiskParameters) SetMinCollateral(v decimal.Decimal) error {
	return p.apply(func(n *RiskParameters) { n.MinCollateral = v })
}

func (p *RiskParameters) SetMaxPositionSize(v decimal.Decimal) error {
	return p.apply(func(n *RiskParameters) { n.MaxPositionSize = v })
}

func (p *RiskParameters) SetMaxPositionsPerUser(v int) error {
	return p.apply(func(n *RiskParameters) { n.MaxPositionsPerUser = v })
}

func (p *RiskParameters) SetFeeRecipient(v string) error {
	return p.apply(func(n *RiskParameters) { n.FeeRecipient = v })
}
