package application

import (
	"context"
	"fmt"

	collateral "github.com/wyfcoding/perpetual/internal/collateral/domain"
	funding "github.com/wyfcoding/perpetual/internal/funding/domain"
	"github.com/wyfcoding/perpetual/internal/position/domain"
	pricing "github.com/wyfcoding/perpetual/internal/pricing/domain"
	"github.com/wyfcoding/perpetual/pkg/logger"
)

// Snapshot 在写锁内导出完整状态，导出结果与任何写操作都不交错
func (e *Engine) Snapshot(ctx context.Context) (*domain.EngineSnapshot, error) {
	if owner, ok := ctx.Value(engineKey{}).(*Engine); ok && owner == e {
		return nil, ErrReentrantCall.Withf("snapshot")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	return &domain.EngineSnapshot{
		Market:            e.market,
		Sequence:          e.seq.Load(),
		TakenAt:           e.now(),
		Params:            e.params,
		Reserves:          e.amm.State(),
		MaxPriceImpactBps: e.amm.MaxPriceImpactBps(),
		FundingParams:     e.funding.Params(),
		Funding:           e.funding.State(),
		Ledger:            e.ledger.Snapshot(),
		Book:              e.book.Snapshot(),
		Paused:            e.paused.Load(),
	}, nil
}

// Restore 用快照替换引擎全部状态。
// 先在临时组件上完整重建并校验，失败时引擎保持原状。
func (e *Engine) Restore(ctx context.Context, s *domain.EngineSnapshot) error {
	if owner, ok := ctx.Value(engineKey{}).(*Engine); ok && owner == e {
		return ErrReentrantCall.Withf("restore")
	}
	if s == nil {
		return ErrInvalidCommand.Withf("snapshot is nil")
	}
	if s.Market != e.market {
		return ErrInvalidCommand.Withf("snapshot market %s, engine market %s", s.Market, e.market)
	}
	if err := s.Params.Validate(); err != nil {
		return err
	}

	amm, err := pricing.NewVirtualAMM(s.Reserves.Base, s.Reserves.Quote, s.MaxPriceImpactBps)
	if err != nil {
		return fmt.Errorf("failed to restore reserves: %w", err)
	}
	if err := amm.Restore(s.Reserves); err != nil {
		return err
	}
	acc, err := funding.NewAccumulator(s.FundingParams, e.feed, amm, s.Funding.LastSettled)
	if err != nil {
		return fmt.Errorf("failed to restore funding: %w", err)
	}
	acc.Restore(s.Funding)
	ledger := collateral.NewLedger(e.custody)
	if err := ledger.Restore(s.Ledger); err != nil {
		return err
	}
	book, err := domain.RestoreBook(s.Book)
	if err != nil {
		return err
	}
	if total := book.TotalCollateral(); !total.Equal(s.Ledger.Balances.Locked) {
		return ErrInvariantViolation.Withf("snapshot position collateral %s != locked %s", total, s.Ledger.Balances.Locked)
	}

	// 以上校验全部通过后，原地覆盖现有组件，查询侧持有的指针保持不变
	e.mu.Lock()
	defer e.mu.Unlock()
	e.params = s.Params
	_ = e.amm.Restore(amm.State())
	_ = e.amm.SetMaxPriceImpactBps(amm.MaxPriceImpactBps())
	_ = e.funding.SetParams(acc.Params())
	e.funding.Restore(acc.State())
	_ = e.ledger.Restore(ledger.Snapshot())
	if vr, ok := e.custody.(collateral.VaultRestorer); ok {
		vr.RestoreVault(s.Ledger.Balances.TotalCustodied)
	}
	e.book = book
	e.seq.Store(s.Sequence)
	e.paused.Store(s.Paused)
	e.rebuildViews()

	logger.Info(logger.WithMarket(ctx, e.market), "engine restored",
		"sequence", s.Sequence, "positions", book.Len(), "taken_at", s.TakenAt)
	return nil
}

// Sequence 已提交的写操作序号
func (e *Engine) Sequence() uint64 {
	return e.seq.Load()
}
