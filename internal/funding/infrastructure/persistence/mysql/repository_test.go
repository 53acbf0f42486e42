package mysql

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/perpetual/internal/funding/domain"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file:funding_rates?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Discard,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.FundingRate{}))
	t.Cleanup(func() {
		db.Exec("DELETE FROM funding_rates")
	})
	return db
}

func settlement(hour int64, rate string) domain.Settlement {
	return domain.Settlement{
		Intervals:       1,
		Rate:            decimal.RequireFromString(rate),
		MarkPrice:       decimal.NewFromInt(2),
		IndexPrice:      decimal.NewFromInt(2),
		CumulativeIndex: decimal.RequireFromString(rate),
		SettledAt:       time.Unix(hour*3600, 0).UTC(),
	}
}

func TestFundingRateRepository(t *testing.T) {
	r := require.New(t)
	repo := NewFundingRateRepository(setupDB(t))
	ctx := context.Background()

	latest, err := repo.GetLatestRate(ctx, "ETH-USD")
	r.NoError(err)
	r.Nil(latest)

	r.NoError(repo.SaveRate(ctx, domain.NewFundingRate("ETH-USD", settlement(1, "0.001"))))
	r.NoError(repo.SaveRate(ctx, domain.NewFundingRate("ETH-USD", settlement(3, "-0.0005"))))
	r.NoError(repo.SaveRate(ctx, domain.NewFundingRate("ETH-USD", settlement(2, "0.002"))))
	r.NoError(repo.SaveRate(ctx, domain.NewFundingRate("BTC-USD", settlement(4, "0.003"))))

	latest, err = repo.GetLatestRate(ctx, "ETH-USD")
	r.NoError(err)
	r.True(latest.Rate.Equal(decimal.RequireFromString("-0.0005")))

	rates, err := repo.ListRates(ctx, "ETH-USD", 2)
	r.NoError(err)
	r.Len(rates, 2)
	r.True(rates[0].Timestamp.After(rates[1].Timestamp))
	r.True(rates[1].Rate.Equal(decimal.RequireFromString("0.002")))

	rates, err = repo.ListRates(ctx, "ETH-USD", 0)
	r.NoError(err)
	r.Len(rates, 3)
}
