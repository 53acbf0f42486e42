package domain

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Custody 资产托管服务，负责资金真实的进出。
// 任何失败都必须返回错误，建议返回 *CustodyError 以便区分余额不足和传输失败。
//
// 转账在引擎写锁内执行。实现不应回调引擎；确需回调时必须沿用收到的 ctx，
// 引擎据此返回 ErrReentrantCall。换成新的 ctx（例如 context.Background()）回调会永久阻塞在写锁上。
type Custody interface {
	// TransferIn 从 account 转入金库
	TransferIn(ctx context.Context, account string, amount decimal.Decimal) error
	// TransferOut 从金库转出到 account
	TransferOut(ctx context.Context, account string, amount decimal.Decimal) error
}

// VaultRestorer 由不持久化金库余额的托管实现提供。
// 快照恢复后引擎按账本的 TotalCustodied 重置金库，使两者重新一致。
type VaultRestorer interface {
	RestoreVault(total decimal.Decimal)
}

// CustodyCode 托管失败原因码
type CustodyCode string

const (
	CustodyInsufficientBalance CustodyCode = "insufficient_balance"
	CustodyTransport           CustodyCode = "transport"
	CustodyRejected            CustodyCode = "rejected"
)

// CustodyError 托管服务返回的诊断信息
type CustodyError struct {
	Code    CustodyCode
	Account string
	Reason  string
	Err     error
}

func (e *CustodyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("custody %s for %s: %s: %v", e.Code, e.Account, e.Reason, e.Err)
	}
	return fmt.Sprintf("custody %s for %s: %s", e.Code, e.Account, e.Reason)
}

func (e *CustodyError) Unwrap() error {
	return e.Err
}
