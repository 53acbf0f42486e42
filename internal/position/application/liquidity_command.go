package application

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/perpetual/internal/position/domain"
	"github.com/wyfcoding/perpetual/pkg/logger"
)

// DepositLiquidity 做市商存入资金，按当前权益折算份额
func (e *Engine) DepositLiquidity(ctx context.Context, provider string, amount decimal.Decimal) (decimal.Decimal, error) {
	var minted decimal.Decimal
	err := e.execute(ctx, "deposit_liquidity", func(tx *txn) error {
		if provider == "" {
			return ErrInvalidCommand.Withf("provider is empty")
		}
		shares, err := e.ledger.DepositLiquidity(tx.ctx, provider, amount)
		if err != nil {
			return err
		}
		minted = shares
		e.liquidityChanged(tx, provider, amount, shares, true)
		return nil
	})
	return minted, err
}

// WithdrawLiquidity 做市商赎回份额，按当前权益折算金额
func (e *Engine) WithdrawLiquidity(ctx context.Context, provider string, shares decimal.Decimal) (decimal.Decimal, error) {
	var paid decimal.Decimal
	err := e.execute(ctx, "withdraw_liquidity", func(tx *txn) error {
		if provider == "" {
			return ErrInvalidCommand.Withf("provider is empty")
		}
		amount, err := e.ledger.WithdrawLiquidity(tx.ctx, provider, shares)
		if err != nil {
			return err
		}
		paid = amount
		e.liquidityChanged(tx, provider, amount, shares, false)
		return nil
	})
	return paid, err
}

func (e *Engine) liquidityChanged(tx *txn, provider string, amount, shares decimal.Decimal, deposit bool) {
	tx.emit(domain.LiquidityChangedEventType, provider, domain.LiquidityChangedEvent{
		Market:     e.market,
		Provider:   provider,
		Amount:     amount,
		Shares:     shares,
		Deposit:    deposit,
		OccurredOn: e.now(),
	})
	logger.Info(tx.ctx, "liquidity changed", "provider", provider, "amount", amount.String(), "shares", shares.String(), "deposit", deposit)
}
