package application

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/perpetual/internal/position/domain"
	pricing "github.com/wyfcoding/perpetual/internal/pricing/domain"
	"github.com/wyfcoding/perpetual/pkg/fixedpoint"
	"github.com/wyfcoding/perpetual/pkg/logger"
)

// OpenPositionCommand 开仓命令
type OpenPositionCommand struct {
	Owner      string
	IsLong     bool
	Collateral decimal.Decimal
	Leverage   int64
	// 成交价边界，零值表示不限制
	MinPrice decimal.Decimal
	MaxPrice decimal.Decimal
}

// OpenPositionResult 开仓结果
type OpenPositionResult struct {
	Position       domain.Position
	Fee            decimal.Decimal
	ExecutionPrice decimal.Decimal
	MarkPrice      decimal.Decimal
}

// ClosePositionCommand 平仓命令
type ClosePositionCommand struct {
	Owner      string
	PositionID string
}

// ClosePositionResult 平仓结果
type ClosePositionResult struct {
	PositionID  string
	ExitPrice   decimal.Decimal
	RealizedPnL decimal.Decimal
	FundingPaid decimal.Decimal
	Fee         decimal.Decimal
	Payout      decimal.Decimal
	BadDebt     decimal.Decimal
	Shortfall   decimal.Decimal
}

// AdjustCollateralCommand 追加（Delta > 0）或提取（Delta < 0）保证金
type AdjustCollateralCommand struct {
	Owner      string
	PositionID string
	Delta      decimal.Decimal
}

// OpenPosition 开仓。
// 仓位规模 = 保证金 * 杠杆，精确无舍入；手续费从保证金中扣除。
func (e *Engine) OpenPosition(ctx context.Context, cmd OpenPositionCommand) (*OpenPositionResult, error) {
	var res *OpenPositionResult
	err := e.execute(ctx, "open_position", func(tx *txn) error {
		if cmd.Owner == "" {
			return ErrInvalidCommand.Withf("owner is empty")
		}
		if !fixedpoint.IsNormalized(cmd.Collateral) || !fixedpoint.IsNormalized(cmd.MinPrice) || !fixedpoint.IsNormalized(cmd.MaxPrice) {
			return ErrInvalidCommand.Withf("amounts must have at most %d decimals", fixedpoint.Precision)
		}
		params := e.params
		if cmd.Leverage < domain.MinLeverage || cmd.Leverage > params.MaxLeverage {
			return domain.ErrLeverageOutOfBounds.Withf("leverage %d outside [%d, %d]", cmd.Leverage, domain.MinLeverage, params.MaxLeverage)
		}
		if cmd.Collateral.LessThan(params.MinCollateral) {
			return domain.ErrCollateralTooLow.Withf("collateral %s below %s", cmd.Collateral, params.MinCollateral)
		}
		if n := e.book.OwnerCount(cmd.Owner); n >= params.MaxPositionsPerUser {
			return domain.ErrTooManyPositions.Withf("owner %s holds %d positions", cmd.Owner, n)
		}

		size := cmd.Collateral.Mul(decimal.NewFromInt(cmd.Leverage))
		if size.GreaterThan(params.MaxPositionSize) {
			return domain.ErrPositionTooLarge.Withf("size %s above %s", size, params.MaxPositionSize)
		}
		fee := e.calc.TradingFee(size, params.TradingFeeBps)
		posted := cmd.Collateral.Sub(fee)
		if posted.LessThan(params.MinCollateral) {
			return domain.ErrCollateralTooLow.Withf("collateral %s after fee %s below %s", posted, fee, params.MinCollateral)
		}

		if _, err := e.settleFunding(tx, true); err != nil {
			return err
		}

		swap, err := e.amm.ExecuteSwap(pricing.SwapRequest{
			Direction: pricing.DirectionOf(cmd.IsLong),
			Notional:  size,
			MinPrice:  cmd.MinPrice,
			MaxPrice:  cmd.MaxPrice,
		})
		if err != nil {
			return err
		}

		p := domain.Position{
			ID:                  e.book.AllocateID(cmd.Owner),
			Owner:               cmd.Owner,
			IsLong:              cmd.IsLong,
			Size:                size,
			Collateral:          posted,
			EntryPrice:          swap.ExecutionPrice,
			FundingIndexAtEntry: e.funding.CumulativeIndex(),
			OpenedAt:            e.now(),
		}
		exit, err := e.amm.Quote(p.CloseRequest())
		if err != nil {
			return err
		}
		if h := e.calc.Evaluate(p, exit.ExecutionPrice, p.FundingIndexAtEntry, params.MaintenanceMarginBps); h.Liquidatable {
			return domain.ErrInsufficientHealth.Withf("position would open liquidatable, ratio %s", h.Ratio)
		}

		if err := e.ledger.Lock(tx.ctx, cmd.Owner, cmd.Collateral); err != nil {
			return err
		}
		if fee.IsPositive() {
			if err := e.ledger.CreditFee(fee); err != nil {
				return err
			}
		}
		if err := e.book.Insert(p); err != nil {
			return err
		}

		tx.upsert(p)
		tx.emit(domain.PositionOpenedEventType, p.ID, domain.PositionOpenedEvent{
			Market:     e.market,
			Position:   p,
			Fee:        fee,
			MarkPrice:  swap.MarkAfter,
			OccurredOn: p.OpenedAt,
		})
		logger.Info(tx.ctx, "position opened",
			"position_id", p.ID, "owner", p.Owner, "is_long", p.IsLong,
			"size", p.Size.String(), "entry_price", p.EntryPrice.String(), "fee", fee.String())

		res = &OpenPositionResult{Position: p, Fee: fee, ExecutionPrice: swap.ExecutionPrice, MarkPrice: swap.MarkAfter}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ClosePosition 平仓：反向成交全部规模，结清盈亏与资金费后把剩余保证金退还 owner。
func (e *Engine) ClosePosition(ctx context.Context, cmd ClosePositionCommand) (*ClosePositionResult, error) {
	var res *ClosePositionResult
	err := e.execute(ctx, "close_position", func(tx *txn) error {
		p, err := e.ownedPosition(cmd.Owner, cmd.PositionID)
		if err != nil {
			return err
		}
		if _, err := e.settleFunding(tx, false); err != nil {
			return err
		}

		swap, err := e.amm.ExecuteSwap(p.CloseRequest())
		if err != nil {
			return err
		}
		pnl := e.calc.UnrealizedPnL(p, swap.ExecutionPrice)
		owed := e.calc.FundingOwed(p, e.funding.CumulativeIndex())

		out, err := e.settlePosition(tx, p, pnl, owed)
		if err != nil {
			return err
		}
		fee := decimal.Min(e.calc.TradingFee(p.Size, e.params.TradingFeeBps), out.equity)
		if fee.IsPositive() {
			if err := e.ledger.CreditFee(fee); err != nil {
				return err
			}
		}
		payout := out.equity.Sub(fee)
		if payout.IsPositive() {
			if err := e.ledger.Release(tx.ctx, payout, p.Owner); err != nil {
				return err
			}
		}
		if _, err := e.book.Remove(p.ID); err != nil {
			return err
		}

		tx.remove(p)
		tx.emit(domain.PositionClosedEventType, p.ID, domain.PositionClosedEvent{
			Market:      e.market,
			PositionID:  p.ID,
			Owner:       p.Owner,
			ExitPrice:   swap.ExecutionPrice,
			RealizedPnL: pnl,
			FundingPaid: owed,
			Fee:         fee,
			Payout:      payout,
			BadDebt:     out.badDebt,
			OccurredOn:  e.now(),
		})
		logger.Info(tx.ctx, "position closed",
			"position_id", p.ID, "owner", p.Owner, "exit_price", swap.ExecutionPrice.String(),
			"pnl", pnl.String(), "funding", owed.String(), "payout", payout.String())

		res = &ClosePositionResult{
			PositionID:  p.ID,
			ExitPrice:   swap.ExecutionPrice,
			RealizedPnL: pnl,
			FundingPaid: owed,
			Fee:         fee,
			Payout:      payout,
			BadDebt:     out.badDebt,
			Shortfall:   out.shortfall,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// AdjustCollateral 追加或提取保证金。提取后仓位必须仍高于维持保证金且不低于最小保证金。
func (e *Engine) AdjustCollateral(ctx context.Context, cmd AdjustCollateralCommand) (*domain.Position, error) {
	var res *domain.Position
	err := e.execute(ctx, "adjust_collateral", func(tx *txn) error {
		if cmd.Delta.IsZero() || !fixedpoint.IsNormalized(cmd.Delta) {
			return ErrInvalidCommand.Withf("delta %s", cmd.Delta)
		}
		p, err := e.ownedPosition(cmd.Owner, cmd.PositionID)
		if err != nil {
			return err
		}
		if _, err := e.settleFunding(tx, false); err != nil {
			return err
		}

		next := p
		next.Collateral = p.Collateral.Add(cmd.Delta)
		if cmd.Delta.IsNegative() {
			if next.Collateral.LessThan(e.params.MinCollateral) {
				return domain.ErrCollateralTooLow.Withf("collateral %s below %s", next.Collateral, e.params.MinCollateral)
			}
			exit, err := e.amm.Quote(next.CloseRequest())
			if err != nil {
				return err
			}
			h := e.calc.Evaluate(next, exit.ExecutionPrice, e.funding.CumulativeIndex(), e.params.MaintenanceMarginBps)
			if h.Liquidatable {
				return domain.ErrInsufficientHealth.Withf("effective %s below required %s", h.EffectiveCollateral, h.RequiredCollateral)
			}
			if err := e.ledger.Release(tx.ctx, cmd.Delta.Neg(), p.Owner); err != nil {
				return err
			}
		} else {
			if err := e.ledger.Lock(tx.ctx, p.Owner, cmd.Delta); err != nil {
				return err
			}
		}

		updated, err := e.book.UpdateCollateral(p.ID, next.Collateral)
		if err != nil {
			return err
		}

		tx.upsert(updated)
		tx.emit(domain.CollateralAdjustedEventType, p.ID, domain.CollateralAdjustedEvent{
			Market:        e.market,
			PositionID:    p.ID,
			Owner:         p.Owner,
			Delta:         cmd.Delta,
			NewCollateral: updated.Collateral,
			Position:      updated,
			OccurredOn:    e.now(),
		})
		logger.Info(tx.ctx, "collateral adjusted", "position_id", p.ID, "delta", cmd.Delta.String(), "collateral", updated.Collateral.String())

		res = &updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Engine) ownedPosition(owner, id string) (domain.Position, error) {
	p, ok := e.book.Get(id)
	if !ok {
		return domain.Position{}, domain.ErrPositionNotFound.Withf("%s", id)
	}
	if p.Owner != owner {
		return domain.Position{}, domain.ErrNotOwner.Withf("%s", id)
	}
	return p, nil
}
