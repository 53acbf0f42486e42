package application

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/perpetual/internal/position/domain"
	"github.com/wyfcoding/perpetual/pkg/logger"
)

// LiquidateCommand 强平命令，任何调用方都可以发起
type LiquidateCommand struct {
	PositionID string
	Liquidator string
}

// LiquidationResult 强平结果
type LiquidationResult struct {
	PositionID      string
	Owner           string
	Liquidator      string
	ExitPrice       decimal.Decimal
	Health          domain.Health
	Reward          decimal.Decimal
	InsuranceCredit decimal.Decimal
	BadDebt         decimal.Decimal
	// Shortfall 保险基金未能覆盖的穿仓亏损，由做市商权益承担
	Shortfall decimal.Decimal
}

// Liquidate 强平有效保证金低于维持保证金的仓位。
// 清算人获得剩余权益的 LiquidationFeeBps，其余注入保险基金；不收取交易手续费。
func (e *Engine) Liquidate(ctx context.Context, cmd LiquidateCommand) (*LiquidationResult, error) {
	var res *LiquidationResult
	err := e.execute(ctx, "liquidate", func(tx *txn) error {
		if cmd.Liquidator == "" {
			return ErrInvalidCommand.Withf("liquidator is empty")
		}
		p, ok := e.book.Get(cmd.PositionID)
		if !ok {
			return domain.ErrPositionNotFound.Withf("%s", cmd.PositionID)
		}
		if _, err := e.settleFunding(tx, false); err != nil {
			return err
		}

		exit, err := e.amm.Quote(p.CloseRequest())
		if err != nil {
			return err
		}
		idx := e.funding.CumulativeIndex()
		h := e.calc.Evaluate(p, exit.ExecutionPrice, idx, e.params.MaintenanceMarginBps)
		if !h.Liquidatable {
			return domain.ErrPositionHealthy.Withf("%s effective %s required %s", p.ID, h.EffectiveCollateral, h.RequiredCollateral)
		}

		swap, err := e.amm.ExecuteSwap(p.CloseRequest())
		if err != nil {
			return err
		}
		out, err := e.settlePosition(tx, p, h.PnL, h.FundingOwed)
		if err != nil {
			return err
		}

		reward := e.calc.LiquidatorReward(out.equity, e.params.LiquidationFeeBps)
		credit := out.equity.Sub(reward)
		if credit.IsPositive() {
			if err := e.ledger.FundInsurance(credit); err != nil {
				return err
			}
		}
		if reward.IsPositive() {
			if err := e.ledger.Release(tx.ctx, reward, cmd.Liquidator); err != nil {
				return err
			}
		}
		if _, err := e.book.Remove(p.ID); err != nil {
			return err
		}

		tx.remove(p)
		tx.emit(domain.PositionLiquidatedEventType, p.ID, domain.PositionLiquidatedEvent{
			Market:              e.market,
			PositionID:          p.ID,
			Owner:               p.Owner,
			Liquidator:          cmd.Liquidator,
			ExitPrice:           swap.ExecutionPrice,
			EffectiveCollateral: h.EffectiveCollateral,
			HealthRatio:         h.Ratio,
			Reward:              reward,
			InsuranceCredit:     credit,
			BadDebt:             out.badDebt,
			Shortfall:           out.shortfall,
			OccurredOn:          e.now(),
		})
		logger.Warn(tx.ctx, "position liquidated",
			"position_id", p.ID, "owner", p.Owner, "liquidator", cmd.Liquidator,
			"effective", h.EffectiveCollateral.String(), "reward", reward.String(), "bad_debt", out.badDebt.String())

		res = &LiquidationResult{
			PositionID:      p.ID,
			Owner:           p.Owner,
			Liquidator:      cmd.Liquidator,
			ExitPrice:       swap.ExecutionPrice,
			Health:          h,
			Reward:          reward,
			InsuranceCredit: credit,
			BadDebt:         out.badDebt,
			Shortfall:       out.shortfall,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	label := "ok"
	if res.Shortfall.IsPositive() {
		label = "shortfall"
	}
	e.recorder.IncLiquidation(label)
	return res, nil
}
