// 包 永续合约持仓的领域模型
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	pricing "github.com/wyfcoding/perpetual/internal/pricing/domain"
	"github.com/wyfcoding/perpetual/pkg/errs"
)

var (
	ErrLeverageOutOfBounds = errs.New(errs.KindValidation, "leverage_out_of_bounds", "leverage outside [1, maxLeverage]")
	ErrCollateralTooLow    = errs.New(errs.KindValidation, "collateral_too_low", "collateral below minimum")
	ErrTooManyPositions    = errs.New(errs.KindValidation, "too_many_positions", "owner reached the position limit")
	ErrPositionTooLarge    = errs.New(errs.KindValidation, "position_too_large", "position size above maximum")
	ErrInsufficientHealth  = errs.New(errs.KindValidation, "insufficient_health", "adjustment would leave the position liquidatable")
	ErrNotOwner            = errs.New(errs.KindValidation, "not_owner", "caller does not own the position")
	ErrInvalidParameter    = errs.New(errs.KindValidation, "invalid_parameter", "risk parameter out of bounds")
	ErrPositionNotFound    = errs.New(errs.KindNotFound, "position_not_found", "position not found")
	ErrPositionHealthy     = errs.New(errs.KindSolvency, "position_healthy", "position is not liquidatable")
	ErrDuplicatePosition   = errs.New(errs.KindInvariant, "duplicate_position", "position id already allocated")
	ErrBookCorrupted       = errs.New(errs.KindInvariant, "position_book_corrupted", "position book indexes are inconsistent")
)

// Position 一笔杠杆敞口。杠杆不单独存储，只体现在 Size = 开仓保证金 * 杠杆。
type Position struct {
	ID                  string          `json:"id"`
	Owner               string          `json:"owner"`
	IsLong              bool            `json:"is_long"`
	Size                decimal.Decimal `json:"size"`
	Collateral          decimal.Decimal `json:"collateral"`
	EntryPrice          decimal.Decimal `json:"entry_price"`
	FundingIndexAtEntry decimal.Decimal `json:"funding_index_at_entry"`
	OpenedAt            time.Time       `json:"opened_at"`
}

// Direction 方向
func (p Position) Direction() pricing.Direction {
	return pricing.DirectionOf(p.IsLong)
}

// CloseRequest 平仓所需的反向交易，不带价格边界
func (p Position) CloseRequest() pricing.SwapRequest {
	return pricing.SwapRequest{
		Direction:  p.Direction().Opposite(),
		Notional:   p.Size,
		ReduceOnly: true,
	}
}

// NewPositionID 由 owner、owner 的单调 nonce 与全局序号生成 ID，
// 同一 owner 快速开平仓也不会重复。
func NewPositionID(owner string, nonce, seq uint64) string {
	h := sha256.New()
	h.Write([]byte(owner))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatUint(nonce, 10)))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatUint(seq, 10)))
	return "POS-" + hex.EncodeToString(h.Sum(nil))[:24]
}
