package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	PositionOpenedEventType     = "PositionOpened"
	PositionClosedEventType     = "PositionClosed"
	CollateralAdjustedEventType = "CollateralAdjusted"
	PositionLiquidatedEventType = "PositionLiquidated"
	FundingSettledEventType     = "FundingSettled"
	InsuranceShortfallEventType = "InsuranceShortfall"
	LiquidityChangedEventType   = "LiquidityChanged"
	FeesClaimedEventType        = "FeesClaimed"
	ParametersChangedEventType  = "ParametersChanged"
	EnginePausedEventType       = "EnginePaused"
)

// PositionOpenedEvent 开仓事件
type PositionOpenedEvent struct {
	Market     string          `json:"market"`
	Position   Position        `json:"position"`
	Fee        decimal.Decimal `json:"fee"`
	MarkPrice  decimal.Decimal `json:"mark_price"`
	OccurredOn time.Time       `json:"occurred_on"`
}

// PositionClosedEvent 平仓事件
type PositionClosedEvent struct {
	Market      string          `json:"market"`
	PositionID  string          `json:"position_id"`
	Owner       string          `json:"owner"`
	ExitPrice   decimal.Decimal `json:"exit_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	FundingPaid decimal.Decimal `json:"funding_paid"`
	Fee         decimal.Decimal `json:"fee"`
	Payout      decimal.Decimal `json:"payout"`
	BadDebt     decimal.Decimal `json:"bad_debt"`
	OccurredOn  time.Time       `json:"occurred_on"`
}

// CollateralAdjustedEvent 追加/提取保证金事件
type CollateralAdjustedEvent struct {
	Market        string          `json:"market"`
	PositionID    string          `json:"position_id"`
	Owner         string          `json:"owner"`
	Delta         decimal.Decimal `json:"delta"`
	NewCollateral decimal.Decimal `json:"new_collateral"`
	Position      Position        `json:"position"`
	OccurredOn    time.Time       `json:"occurred_on"`
}

// PositionLiquidatedEvent 强平事件
type PositionLiquidatedEvent struct {
	Market              string          `json:"market"`
	PositionID          string          `json:"position_id"`
	Owner               string          `json:"owner"`
	Liquidator          string          `json:"liquidator"`
	ExitPrice           decimal.Decimal `json:"exit_price"`
	EffectiveCollateral decimal.Decimal `json:"effective_collateral"`
	HealthRatio         decimal.Decimal `json:"health_ratio"`
	Reward              decimal.Decimal `json:"reward"`
	InsuranceCredit     decimal.Decimal `json:"insurance_credit"`
	BadDebt             decimal.Decimal `json:"bad_debt"`
	Shortfall           decimal.Decimal `json:"shortfall"`
	OccurredOn          time.Time       `json:"occurred_on"`
}

// FundingSettledEvent 资金费率结算事件
type FundingSettledEvent struct {
	Market          string          `json:"market"`
	Intervals       int64           `json:"intervals"`
	Rate            decimal.Decimal `json:"rate"`
	MarkPrice       decimal.Decimal `json:"mark_price"`
	IndexPrice      decimal.Decimal `json:"index_price"`
	CumulativeIndex decimal.Decimal `json:"cumulative_index"`
	SettledAt       time.Time       `json:"settled_at"`
	OccurredOn      time.Time       `json:"occurred_on"`
}

// InsuranceShortfallEvent 保险基金不足以覆盖穿仓亏损
type InsuranceShortfallEvent struct {
	Market     string          `json:"market"`
	PositionID string          `json:"position_id"`
	BadDebt    decimal.Decimal `json:"bad_debt"`
	Shortfall  decimal.Decimal `json:"shortfall"`
	OccurredOn time.Time       `json:"occurred_on"`
}

// LiquidityChangedEvent 做市商存取事件
type LiquidityChangedEvent struct {
	Market     string          `json:"market"`
	Provider   string          `json:"provider"`
	Amount     decimal.Decimal `json:"amount"`
	Shares     decimal.Decimal `json:"shares"`
	Deposit    bool            `json:"deposit"`
	OccurredOn time.Time       `json:"occurred_on"`
}

// FeesClaimedEvent 手续费提取事件
type FeesClaimedEvent struct {
	Market     string          `json:"market"`
	Recipient  string          `json:"recipient"`
	Amount     decimal.Decimal `json:"amount"`
	OccurredOn time.Time       `json:"occurred_on"`
}

// ParametersChangedEvent 参数变更事件
type ParametersChangedEvent struct {
	Market     string    `json:"market"`
	Parameter  string    `json:"parameter"`
	Value      string    `json:"value"`
	OccurredOn time.Time `json:"occurred_on"`
}

// EnginePausedEvent 引擎因不变量被破坏而暂停
type EnginePausedEvent struct {
	Market     string    `json:"market"`
	Operation  string    `json:"operation"`
	Reason     string    `json:"reason"`
	OccurredOn time.Time `json:"occurred_on"`
}
