// 包 资金费率应用服务：周期结算 keeper 与结算历史记录。
package application

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/wyfcoding/perpetual/internal/funding/domain"
	positiondomain "github.com/wyfcoding/perpetual/internal/position/domain"
)

// Settler 可以结算资金费的引擎
type Settler interface {
	Market() string
	SettleFunding(ctx context.Context) (domain.Settlement, error)
}

// FundingService 资金费率服务。
// 作为 keeper 按固定间隔触发结算；同时消费 FundingSettled 事件写入历史，
// 这样开平仓过程中顺带完成的结算也会被记录。
type FundingService struct {
	settler  Settler
	repo     domain.FundingRateRepository
	interval time.Duration
	logger   *slog.Logger
}

// NewFundingService 创建资金费率服务，repo 可以为空
func NewFundingService(settler Settler, repo domain.FundingRateRepository, interval time.Duration, logger *slog.Logger) *FundingService {
	if interval <= 0 {
		interval = time.Minute
	}
	return &FundingService{
		settler:  settler,
		repo:     repo,
		interval: interval,
		logger:   logger.With("module", "funding_keeper"),
	}
}

// Start 启动结算循环，直到 ctx 结束
func (s *FundingService) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("funding keeper started", "market", s.settler.Market(), "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("funding keeper stopping")
			return nil
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Warn("funding settlement failed", "error", err)
			}
		}
	}
}

// RunOnce 执行一次结算
func (s *FundingService) RunOnce(ctx context.Context) (domain.Settlement, error) {
	settlement, err := s.settler.SettleFunding(ctx)
	if err != nil {
		return domain.Settlement{}, err
	}
	if settlement.Intervals > 0 {
		s.logger.Debug("funding settled by keeper", "intervals", settlement.Intervals, "rate", settlement.Rate.String())
	}
	return settlement, nil
}

// Publish 实现事件订阅，只处理 FundingSettled
func (s *FundingService) Publish(ctx context.Context, eventType, _ string, event any) error {
	if eventType != positiondomain.FundingSettledEventType || s.repo == nil {
		return nil
	}
	ev, ok := event.(positiondomain.FundingSettledEvent)
	if !ok {
		return errors.New("unexpected funding settled payload")
	}
	return s.repo.SaveRate(ctx, domain.NewFundingRate(ev.Market, domain.Settlement{
		Intervals:       ev.Intervals,
		Rate:            ev.Rate,
		MarkPrice:       ev.MarkPrice,
		IndexPrice:      ev.IndexPrice,
		CumulativeIndex: ev.CumulativeIndex,
		SettledAt:       ev.SettledAt,
	}))
}

// LatestRate 最近一次结算记录
func (s *FundingService) LatestRate(ctx context.Context) (*domain.FundingRate, error) {
	if s.repo == nil {
		return nil, nil
	}
	return s.repo.GetLatestRate(ctx, s.settler.Market())
}

// History 最近 limit 条结算记录
func (s *FundingService) History(ctx context.Context, limit int) ([]*domain.FundingRate, error) {
	if s.repo == nil {
		return nil, nil
	}
	return s.repo.ListRates(ctx, s.settler.Market(), limit)
}
