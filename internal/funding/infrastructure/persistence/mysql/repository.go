// 资金费率历史的 GORM 仓储实现，MySQL 与 PostgreSQL 共用。
package mysql

import (
	"context"
	"errors"

	"github.com/wyfcoding/perpetual/internal/funding/domain"
	"gorm.io/gorm"
)

// fundingRateRepository GORM 资金费率仓储实现
type fundingRateRepository struct {
	db *gorm.DB
}

// NewFundingRateRepository 创建资金费率仓储
func NewFundingRateRepository(db *gorm.DB) domain.FundingRateRepository {
	return &fundingRateRepository{db: db}
}

func (r *fundingRateRepository) SaveRate(ctx context.Context, rate *domain.FundingRate) error {
	return r.db.WithContext(ctx).Save(rate).Error
}

func (r *fundingRateRepository) GetLatestRate(ctx context.Context, market string) (*domain.FundingRate, error) {
	var rate domain.FundingRate
	err := r.db.WithContext(ctx).Where("market = ?", market).Order("timestamp desc").First(&rate).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rate, nil
}

func (r *fundingRateRepository) ListRates(ctx context.Context, market string, limit int) ([]*domain.FundingRate, error) {
	if limit <= 0 {
		limit = 100
	}
	var rates []*domain.FundingRate
	err := r.db.WithContext(ctx).Where("market = ?", market).Order("timestamp desc").Limit(limit).Find(&rates).Error
	return rates, err
}
