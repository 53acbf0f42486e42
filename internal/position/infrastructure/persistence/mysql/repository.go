// 引擎快照的 GORM 仓储实现，MySQL 与 PostgreSQL 共用。
package mysql

import (
	"context"
	"errors"
	"fmt"

	"github.com/wyfcoding/perpetual/internal/position/domain"
	"gorm.io/gorm"
)

type snapshotRepository struct {
	db *gorm.DB
}

// NewSnapshotRepository 创建快照仓储
func NewSnapshotRepository(db *gorm.DB) *snapshotRepository {
	return &snapshotRepository{db: db}
}

var _ domain.SnapshotRepository = (*snapshotRepository)(nil)

func (r *snapshotRepository) Save(ctx context.Context, snapshot *domain.EngineSnapshot) error {
	model, err := toSnapshotModel(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return r.db.WithContext(ctx).Create(model).Error
}

func (r *snapshotRepository) Latest(ctx context.Context, market string) (*domain.EngineSnapshot, error) {
	var model SnapshotModel
	err := r.db.WithContext(ctx).Where("market = ?", market).Order("sequence desc").Order("id desc").First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toSnapshot(&model)
}

// Prune 只保留每个市场最近 keep 份快照
func (r *snapshotRepository) Prune(ctx context.Context, market string, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	var ids []uint
	err := r.db.WithContext(ctx).Model(&SnapshotModel{}).
		Where("market = ?", market).
		Order("sequence desc").Order("id desc").
		Pluck("id", &ids).Error
	if err != nil || len(ids) <= keep {
		return 0, err
	}
	res := r.db.WithContext(ctx).Unscoped().Delete(&SnapshotModel{}, ids[keep:])
	return res.RowsAffected, res.Error
}
