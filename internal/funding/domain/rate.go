package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// FundingRate 资金费率结算记录
type FundingRate struct {
	gorm.Model
	Market          string          `gorm:"column:market;type:varchar(32);index;not null"`
	Rate            decimal.Decimal `gorm:"column:rate;type:decimal(38,18);not null"`
	Intervals       int64           `gorm:"column:intervals;not null"`
	MarkPrice       decimal.Decimal `gorm:"column:mark_price;type:decimal(38,18);not null"`
	IndexPrice      decimal.Decimal `gorm:"column:index_price;type:decimal(38,18);not null"`
	CumulativeIndex decimal.Decimal `gorm:"column:cumulative_index;type:decimal(38,18);not null"`
	Timestamp       time.Time       `gorm:"column:timestamp;index;not null"`
}

func (FundingRate) TableName() string { return "funding_rates" }

// NewFundingRate 由一次结算生成记录
func NewFundingRate(market string, s Settlement) *FundingRate {
	return &FundingRate{
		Market:          market,
		Rate:            s.Rate,
		Intervals:       s.Intervals,
		MarkPrice:       s.MarkPrice,
		IndexPrice:      s.IndexPrice,
		CumulativeIndex: s.CumulativeIndex,
		Timestamp:       s.SettledAt,
	}
}

// FundingRateRepository 资金费率历史仓储
type FundingRateRepository interface {
	SaveRate(ctx context.Context, rate *FundingRate) error
	GetLatestRate(ctx context.Context, market string) (*FundingRate, error)
	ListRates(ctx context.Context, market string, limit int) ([]*FundingRate, error)
}
