package application

import (
	"github.com/wyfcoding/perpetual/internal/position/domain"
)

// PositionDTO 持仓 DTO，金额统一以字符串输出避免精度丢失
type PositionDTO struct {
	PositionID          string `json:"position_id"`
	Owner               string `json:"owner"`
	Side                string `json:"side"`
	Size                string `json:"size"`
	Collateral          string `json:"collateral"`
	EntryPrice          string `json:"entry_price"`
	FundingIndexAtEntry string `json:"funding_index_at_entry"`
	OpenedAt            int64  `json:"opened_at"`
}

// HealthDTO 健康度 DTO
type HealthDTO struct {
	PositionID          string `json:"position_id"`
	PnL                 string `json:"pnl"`
	FundingOwed         string `json:"funding_owed"`
	EffectiveCollateral string `json:"effective_collateral"`
	RequiredCollateral  string `json:"required_collateral"`
	Ratio               string `json:"ratio"`
	Liquidatable        bool   `json:"liquidatable"`
}

// MarketDTO 市场状态 DTO
type MarketDTO struct {
	Market          string `json:"market"`
	MarkPrice       string `json:"mark_price"`
	BaseReserve     string `json:"base_reserve"`
	QuoteReserve    string `json:"quote_reserve"`
	CumulativeIndex string `json:"cumulative_index"`
	LastFundingRate string `json:"last_funding_rate"`
	LastSettled     int64  `json:"last_settled"`
	Locked          string `json:"locked"`
	ProviderEquity  string `json:"provider_equity"`
	AccumulatedFees string `json:"accumulated_fees"`
	Insurance       string `json:"insurance"`
	Paused          bool   `json:"paused"`
}

// ToPositionDTO 转换持仓
func ToPositionDTO(p domain.Position) *PositionDTO {
	side := "long"
	if !p.IsLong {
		side = "short"
	}
	return &PositionDTO{
		PositionID:          p.ID,
		Owner:               p.Owner,
		Side:                side,
		Size:                p.Size.String(),
		Collateral:          p.Collateral.String(),
		EntryPrice:          p.EntryPrice.String(),
		FundingIndexAtEntry: p.FundingIndexAtEntry.String(),
		OpenedAt:            p.OpenedAt.UnixMilli(),
	}
}

// ToHealthDTO 转换健康度
func ToHealthDTO(id string, h domain.Health) *HealthDTO {
	return &HealthDTO{
		PositionID:          id,
		PnL:                 h.PnL.String(),
		FundingOwed:         h.FundingOwed.String(),
		EffectiveCollateral: h.EffectiveCollateral.String(),
		RequiredCollateral:  h.RequiredCollateral.String(),
		Ratio:               h.Ratio.String(),
		Liquidatable:        h.Liquidatable,
	}
}

// MarketState 当前市场状态
func (e *Engine) MarketState() *MarketDTO {
	r := e.Reserves()
	f := e.FundingState()
	b := e.LedgerBalances()
	return &MarketDTO{
		Market:          e.market,
		MarkPrice:       r.MarkPrice().String(),
		BaseReserve:     r.Base.String(),
		QuoteReserve:    r.Quote.String(),
		CumulativeIndex: f.CumulativeIndex.String(),
		LastFundingRate: f.LastRate.String(),
		LastSettled:     f.LastSettled.UnixMilli(),
		Locked:          b.Locked.String(),
		ProviderEquity:  b.ProviderEquity.String(),
		AccumulatedFees: b.AccumulatedFees.String(),
		Insurance:       b.Insurance.String(),
		Paused:          e.Paused(),
	}
}
