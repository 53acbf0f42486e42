package pricefeed

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	funding "github.com/wyfcoding/perpetual/internal/funding/domain"
)

// MarkFeed 以标记价格作为指数价格，溢价恒为零，仅用于没有行情源的开发环境
type MarkFeed struct {
	mark atomic.Pointer[func() decimal.Decimal]
	now  func() time.Time
}

func NewMarkFeed(now func() time.Time) *MarkFeed {
	if now == nil {
		now = time.Now
	}
	return &MarkFeed{now: now}
}

// Bind 绑定标记价格来源，引擎创建后调用
func (f *MarkFeed) Bind(mark func() decimal.Decimal) {
	f.mark.Store(&mark)
}

func (f *MarkFeed) IndexPrice(context.Context) (funding.IndexPrice, error) {
	mark := f.mark.Load()
	if mark == nil {
		return funding.IndexPrice{}, ErrNoIndexPrice
	}
	return funding.IndexPrice{Value: (*mark)(), Timestamp: f.now()}, nil
}
