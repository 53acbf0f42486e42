package application

import (
	"context"
	"strconv"

	"github.com/shopspring/decimal"
	funding "github.com/wyfcoding/perpetual/internal/funding/domain"
	"github.com/wyfcoding/perpetual/internal/position/domain"
	pricing "github.com/wyfcoding/perpetual/internal/pricing/domain"
	"github.com/wyfcoding/perpetual/pkg/logger"
)

func (e *Engine) updateParams(ctx context.Context, name, value string, set func(*domain.RiskParameters) error) error {
	return e.execute(ctx, "set_"+name, func(tx *txn) error {
		if err := set(&e.params); err != nil {
			return err
		}
		e.parametersChanged(tx, name, value)
		return nil
	})
}

func (e *Engine) parametersChanged(tx *txn, name, value string) {
	tx.emit(domain.ParametersChangedEventType, e.market, domain.ParametersChangedEvent{
		Market:     e.market,
		Parameter:  name,
		Value:      value,
		OccurredOn: e.now(),
	})
	logger.Info(tx.ctx, "parameter changed", "parameter", name, "value", value)
}

func (e *Engine) SetMaxLeverage(ctx context.Context, v int64) error {
	return e.updateParams(ctx, "max_leverage", strconv.FormatInt(v, 10), func(p *domain.RiskParameters) error { return p.SetMaxLeverage(v) })
}

func (e *Engine) SetMaintenanceMarginBps(ctx context.Context, v int64) error {
	return e.updateParams(ctx, "maintenance_margin_bps", strconv.FormatInt(v, 10), func(p *domain.RiskParameters) error { return p.SetMaintenanceMarginBps(v) })
}

func (e *Engine) SetTradingFeeBps(ctx context.Context, v int64) error {
	return e.updateParams(ctx, "trading_fee_bps", strconv.FormatInt(v, 10), func(p *domain.RiskParameters) error { return p.SetTradingFeeBps(v) })
}

func (e *Engine) SetLiquidationFeeBps(ctx context.Context, v int64) error {
	return e.updateParams(ctx, "liquidation_fee_bps", strconv.FormatInt(v, 10), func(p *domain.RiskParameters) error { return p.SetLiquidationFeeBps(v) })
}

func (e *Engine) SetMinCollateral(ctx context.Context, v decimal.Decimal) error {
	return e.updateParams(ctx, "min_collateral", v.String(), func(p *domain.RiskParameters) error { return p.SetMinCollateral(v) })
}

func (e *Engine) SetMaxPositionSize(ctx context.Context, v decimal.Decimal) error {
	return e.updateParams(ctx, "max_position_size", v.String(), func(p *domain.RiskParameters) error { return p.SetMaxPositionSize(v) })
}

func (e *Engine) SetMaxPositionsPerUser(ctx context.Context, v int) error {
	return e.updateParams(ctx, "max_positions_per_user", strconv.Itoa(v), func(p *domain.RiskParameters) error { return p.SetMaxPositionsPerUser(v) })
}

func (e *Engine) SetFeeRecipient(ctx context.Context, v string) error {
	return e.updateParams(ctx, "fee_recipient", v, func(p *domain.RiskParameters) error { return p.SetFeeRecipient(v) })
}

// SetFundingParams 更新资金费率参数。先按旧参数结算已经过的周期。
func (e *Engine) SetFundingParams(ctx context.Context, p funding.Params) error {
	return e.execute(ctx, "set_funding_params", func(tx *txn) error {
		if _, err := e.settleFunding(tx, false); err != nil {
			return err
		}
		if err := e.funding.SetParams(p); err != nil {
			return err
		}
		e.parametersChanged(tx, "funding", p.Interval.String()+" coef="+p.Coefficient.String())
		return nil
	})
}

// SetMaxPriceImpactBps 设置单笔最大价格冲击
func (e *Engine) SetMaxPriceImpactBps(ctx context.Context, bps int64) error {
	return e.execute(ctx, "set_max_price_impact", func(tx *txn) error {
		if err := e.amm.SetMaxPriceImpactBps(bps); err != nil {
			return err
		}
		e.parametersChanged(tx, "max_price_impact_bps", strconv.FormatInt(bps, 10))
		return nil
	})
}

// ResizeLiquidity 调整虚拟流动性深度，标记价格不变
func (e *Engine) ResizeLiquidity(ctx context.Context, newBase decimal.Decimal) (pricing.Reserves, error) {
	var out pricing.Reserves
	err := e.execute(ctx, "resize_liquidity", func(tx *txn) error {
		r, err := e.amm.ResizeLiquidity(newBase)
		if err != nil {
			return err
		}
		out = r
		e.parametersChanged(tx, "virtual_base", r.Base.String())
		return nil
	})
	return out, err
}

// ClaimFees 把累计手续费转给当前的 FeeRecipient
func (e *Engine) ClaimFees(ctx context.Context) (decimal.Decimal, error) {
	var claimed decimal.Decimal
	err := e.execute(ctx, "claim_fees", func(tx *txn) error {
		recipient := e.params.FeeRecipient
		amount, err := e.ledger.ClaimFees(tx.ctx, recipient)
		if err != nil {
			return err
		}
		claimed = amount
		tx.emit(domain.FeesClaimedEventType, e.market, domain.FeesClaimedEvent{
			Market:     e.market,
			Recipient:  recipient,
			Amount:     amount,
			OccurredOn: e.now(),
		})
		logger.Info(tx.ctx, "fees claimed", "recipient", recipient, "amount", amount.String())
		return nil
	})
	return claimed, err
}

// DepositInsurance 向保险基金注资
func (e *Engine) DepositInsurance(ctx context.Context, from string, amount decimal.Decimal) error {
	return e.execute(ctx, "deposit_insurance", func(tx *txn) error {
		if err := e.ledger.DepositInsurance(tx.ctx, from, amount); err != nil {
			return err
		}
		logger.Info(tx.ctx, "insurance deposited", "from", from, "amount", amount.String())
		return nil
	})
}

// Resume 人工修复后恢复引擎，全局不变量必须重新成立
func (e *Engine) Resume(ctx context.Context) error {
	if owner, ok := ctx.Value(engineKey{}).(*Engine); ok && owner == e {
		return ErrReentrantCall.Withf("resume")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.verify(); err != nil {
		return err
	}
	if e.ledger.Paused() {
		if err := e.ledger.Resume(); err != nil {
			return err
		}
	}
	e.paused.Store(false)
	logger.Info(logger.WithMarket(ctx, e.market), "engine resumed")
	return nil
}

// SettleFunding 由资金费 keeper 周期调用，指数价格不可用时返回错误
func (e *Engine) SettleFunding(ctx context.Context) (funding.Settlement, error) {
	var out funding.Settlement
	err := e.execute(ctx, "settle_funding", func(tx *txn) error {
		s, err := e.settleFunding(tx, true)
		out = s
		return err
	})
	return out, err
}
