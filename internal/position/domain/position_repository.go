package domain

import (
	"context"
	"time"

	collateral "github.com/wyfcoding/perpetual/internal/collateral/domain"
	funding "github.com/wyfcoding/perpetual/internal/funding/domain"
	pricing "github.com/wyfcoding/perpetual/internal/pricing/domain"
)

// EngineSnapshot 引擎完整状态：持仓、owner 索引、风险参数、资金费率指数、虚拟储备与账本
type EngineSnapshot struct {
	Market            string              `json:"market"`
	Sequence          uint64              `json:"sequence"`
	TakenAt           time.Time           `json:"taken_at"`
	Params            RiskParameters      `json:"params"`
	Reserves          pricing.Reserves    `json:"reserves"`
	MaxPriceImpactBps int64               `json:"max_price_impact_bps"`
	FundingParams     funding.Params      `json:"funding_params"`
	Funding           funding.State       `json:"funding"`
	Ledger            collateral.Snapshot `json:"ledger"`
	Book              BookSnapshot        `json:"book"`
	Paused            bool                `json:"paused"`
}

// SnapshotRepository 引擎快照仓储 (写模型)
type SnapshotRepository interface {
	// Save 保存一份快照
	Save(ctx context.Context, snapshot *EngineSnapshot) error
	// Latest 获取市场最新快照，不存在时返回 nil
	Latest(ctx context.Context, market string) (*EngineSnapshot, error)
}

// PositionReadRepository 持仓读模型缓存
// 仅用于按 ID 与按 owner 的查询（读写分离）
type PositionReadRepository interface {
	Save(ctx context.Context, position Position) error
	Get(ctx context.Context, positionID string) (*Position, error)
	ListByOwner(ctx context.Context, owner string) ([]Position, error)
	Delete(ctx context.Context, owner, positionID string) error
}
