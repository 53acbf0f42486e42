// 包 强平 keeper：扫描引擎中的持仓并对可强平仓位发起强平。
package application

import (
	"context"
	"log/slog"
	"time"

	positionapp "github.com/wyfcoding/perpetual/internal/position/application"
	"github.com/wyfcoding/perpetual/internal/position/domain"
	"github.com/wyfcoding/perpetual/pkg/errs"
)

// PositionEngine keeper 依赖的引擎能力
type PositionEngine interface {
	ForEachPosition(fn func(domain.Position) bool)
	Health(id string) (domain.Health, error)
	Liquidate(ctx context.Context, cmd positionapp.LiquidateCommand) (*positionapp.LiquidationResult, error)
}

// LiquidationEngine 强平 keeper，定期扫描并触发强平。
// 健康度检查走引擎的只读视图，只有真正可强平的仓位才进入写路径。
type LiquidationEngine struct {
	engine        PositionEngine
	liquidator    string
	logger        *slog.Logger
	checkInterval time.Duration
	batchSize     int
}

// NewLiquidationEngine 创建强平 keeper，liquidator 为接收奖励的账户
func NewLiquidationEngine(engine PositionEngine, liquidator string, interval time.Duration, batchSize int, logger *slog.Logger) *LiquidationEngine {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &LiquidationEngine{
		engine:        engine,
		liquidator:    liquidator,
		logger:        logger.With("module", "liquidation_keeper"),
		checkInterval: interval,
		batchSize:     batchSize,
	}
}

// Start 启动强平监控循环。
func (e *LiquidationEngine) Start(ctx context.Context) error {
	ticker := time.NewTicker(e.checkInterval)
	defer ticker.Stop()

	e.logger.Info("liquidation keeper started", "interval", e.checkInterval, "liquidator", e.liquidator)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("liquidation keeper stopping")
			return nil
		case <-ticker.C:
			if _, err := e.RunCycle(ctx); err != nil {
				e.logger.Error("liquidation cycle failed", "error", err)
			}
		}
	}
}

// RunCycle 执行一次扫描，返回成功强平的仓位数。
// 单个仓位失败不会中断本轮扫描；引擎暂停时立即返回。
func (e *LiquidationEngine) RunCycle(ctx context.Context) (int, error) {
	candidates := e.scan()
	liquidated := 0
	for _, id := range candidates {
		if ctx.Err() != nil {
			return liquidated, ctx.Err()
		}
		res, err := e.engine.Liquidate(ctx, positionapp.LiquidateCommand{PositionID: id, Liquidator: e.liquidator})
		switch {
		case err == nil:
			liquidated++
			e.logger.Info("position liquidated", "position_id", id, "reward", res.Reward.String(), "shortfall", res.Shortfall.String())
		case errs.CodeOf(err) == errs.CodeOf(domain.ErrPositionHealthy), errs.CodeOf(err) == errs.CodeOf(domain.ErrPositionNotFound):
			// 扫描之后价格回升或仓位已被平掉
			e.logger.Debug("liquidation skipped", "position_id", id, "reason", err)
		case errs.Is(err, errs.KindInvariant):
			return liquidated, err
		default:
			e.logger.Error("failed to liquidate position", "position_id", id, "error", err)
		}
	}
	return liquidated, nil
}

// scan 找出当前可强平的仓位，每轮最多 batchSize 个
func (e *LiquidationEngine) scan() []string {
	var ids []string
	e.engine.ForEachPosition(func(p domain.Position) bool {
		h, err := e.engine.Health(p.ID)
		if err != nil {
			e.logger.Debug("health check failed", "position_id", p.ID, "error", err)
			return true
		}
		if h.Liquidatable {
			ids = append(ids, p.ID)
		}
		return len(ids) < e.batchSize
	})
	return ids
}
