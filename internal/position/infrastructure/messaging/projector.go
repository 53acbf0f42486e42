package messaging

import (
	"context"
	"errors"

	"github.com/wyfcoding/perpetual/internal/position/domain"
)

// PositionProjector 将持仓生命周期事件投影到读模型缓存
type PositionProjector struct {
	repo domain.PositionReadRepository
}

func NewPositionProjector(repo domain.PositionReadRepository) *PositionProjector {
	return &PositionProjector{repo: repo}
}

func (p *PositionProjector) Publish(ctx context.Context, eventType, _ string, event any) error {
	switch ev := event.(type) {
	case domain.PositionOpenedEvent:
		return p.repo.Save(ctx, ev.Position)
	case domain.CollateralAdjustedEvent:
		return p.repo.Save(ctx, ev.Position)
	case domain.PositionClosedEvent:
		return p.repo.Delete(ctx, ev.Owner, ev.PositionID)
	case domain.PositionLiquidatedEvent:
		return p.repo.Delete(ctx, ev.Owner, ev.PositionID)
	}
	return nil
}

// Rebuild 以引擎当前持仓重建读模型，用于启动或快照恢复之后
func (p *PositionProjector) Rebuild(ctx context.Context, each func(fn func(domain.Position) bool)) error {
	var err error
	each(func(pos domain.Position) bool {
		err = p.repo.Save(ctx, pos)
		return err == nil
	})
	return err
}

// FanoutPublisher 依次投递给所有下游，汇总各自的错误
type FanoutPublisher []domain.EventPublisher

func (f FanoutPublisher) Publish(ctx context.Context, eventType, key string, event any) error {
	var errs []error
	for _, pub := range f {
		if err := pub.Publish(ctx, eventType, key, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
