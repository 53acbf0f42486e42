// Package custody 提供托管服务适配器。
package custody

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/perpetual/internal/collateral/domain"
)

// MemoryCustody 进程内托管实现，用于本地运行与测试。
// 每个账户一个余额，金库余额记为 vault。
type MemoryCustody struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	vault    decimal.Decimal
}

// NewMemoryCustody 创建进程内托管
func NewMemoryCustody() *MemoryCustody {
	return &MemoryCustody{balances: make(map[string]decimal.Decimal)}
}

// Fund 给账户充值（仅限开发环境）
func (c *MemoryCustody) Fund(account string, amount decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[account] = c.balances[account].Add(amount)
}

// BalanceOf 账户余额
func (c *MemoryCustody) BalanceOf(account string) decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances[account]
}

// Vault 金库余额
func (c *MemoryCustody) Vault() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vault
}

// RestoreVault 重置金库余额。
// 进程内金库不随快照持久化，重启恢复后由引擎按账本的托管总额重建。
func (c *MemoryCustody) RestoreVault(total decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vault = total
}

func (c *MemoryCustody) TransferIn(_ context.Context, account string, amount decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	bal := c.balances[account]
	if bal.LessThan(amount) {
		return &domain.CustodyError{
			Code:    domain.CustodyInsufficientBalance,
			Account: account,
			Reason:  "balance " + bal.String() + " below " + amount.String(),
		}
	}
	c.balances[account] = bal.Sub(amount)
	c.vault = c.vault.Add(amount)
	return nil
}

func (c *MemoryCustody) TransferOut(_ context.Context, account string, amount decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vault.LessThan(amount) {
		return &domain.CustodyError{
			Code:    domain.CustodyRejected,
			Account: account,
			Reason:  "vault balance " + c.vault.String() + " below " + amount.String(),
		}
	}
	c.vault = c.vault.Sub(amount)
	c.balances[account] = c.balances[account].Add(amount)
	return nil
}
