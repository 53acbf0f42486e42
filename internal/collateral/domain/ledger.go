// Package domain 抵押品账本领域模型。
// 账本以单一记账单位托管仓位保证金、做市商权益、手续费与保险基金，
// 并在每次变更后校验 Locked + ProviderEquity + AccumulatedFees + Insurance == TotalCustodied。
package domain

import (
	"context"
	"maps"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/perpetual/pkg/errs"
	"github.com/wyfcoding/perpetual/pkg/fixedpoint"
)

var (
	ErrCustodyFailure     = errs.New(errs.KindExternal, "custody_failure", "custody transfer failed")
	ErrLedgerPaused       = errs.New(errs.KindInvariant, "ledger_paused", "ledger is paused after an invariant violation")
	ErrLedgerInvariant    = errs.New(errs.KindInvariant, "ledger_invariant_violated", "custody accounting mismatch")
	ErrInvalidAmount      = errs.New(errs.KindValidation, "invalid_amount", "amount must be positive with at most 18 decimals")
	ErrInsufficientLocked = errs.New(errs.KindInvariant, "insufficient_locked", "locked collateral cannot cover the movement")
	ErrInsufficientShares = errs.New(errs.KindValidation, "insufficient_shares", "provider holds fewer shares than requested")
	ErrVaultInsolvent     = errs.New(errs.KindSolvency, "vault_insolvent", "provider equity is exhausted")
	ErrNothingToClaim     = errs.New(errs.KindValidation, "nothing_to_claim", "no accumulated fees")
)

// Balances 账本余额
type Balances struct {
	Locked          decimal.Decimal `json:"locked"`
	ProviderEquity  decimal.Decimal `json:"provider_equity"`
	AccumulatedFees decimal.Decimal `json:"accumulated_fees"`
	Insurance       decimal.Decimal `json:"insurance"`
	TotalCustodied  decimal.Decimal `json:"total_custodied"`
	TotalShares     decimal.Decimal `json:"total_shares"`
}

// Check 校验账本不变量
func (b Balances) Check() error {
	for name, v := range map[string]decimal.Decimal{
		"locked":           b.Locked,
		"provider_equity":  b.ProviderEquity,
		"accumulated_fees": b.AccumulatedFees,
		"insurance":        b.Insurance,
		"total_custodied":  b.TotalCustodied,
		"total_shares":     b.TotalShares,
	} {
		if v.IsNegative() {
			return ErrLedgerInvariant.Withf("%s is negative: %s", name, v)
		}
	}
	sum := b.Locked.Add(b.ProviderEquity).Add(b.AccumulatedFees).Add(b.Insurance)
	if !sum.Equal(b.TotalCustodied) {
		return ErrLedgerInvariant.Withf("buckets sum %s != custodied %s", sum, b.TotalCustodied)
	}
	return nil
}

// Snapshot 账本完整状态
type Snapshot struct {
	Balances Balances                   `json:"balances"`
	Shares   map[string]decimal.Decimal `json:"shares"`
	Paused   bool                       `json:"paused"`
}

// Ledger 抵押品账本。
// 写操作由上层串行化；Balances 通过原子快照对外只读。
// 需要调用托管服务的操作总是先完成外部转账、再修改余额，转账失败时账本保持原样。
type Ledger struct {
	custody Custody
	bal     Balances
	shares  map[string]decimal.Decimal
	paused  atomic.Bool
	view    atomic.Pointer[Balances]
}

// NewLedger 创建空账本
func NewLedger(custody Custody) *Ledger {
	l := &Ledger{custody: custody, shares: make(map[string]decimal.Decimal)}
	l.publish()
	return l
}

func (l *Ledger) publish() {
	snap := l.bal
	l.view.Store(&snap)
}

// commit 写入新余额并校验；不变量被破坏时暂停账本
func (l *Ledger) commit(next Balances) error {
	if err := next.Check(); err != nil {
		l.paused.Store(true)
		return err
	}
	l.bal = next
	l.publish()
	return nil
}

func (l *Ledger) guard(amount decimal.Decimal) error {
	if l.paused.Load() {
		return ErrLedgerPaused
	}
	if !amount.IsPositive() || !fixedpoint.IsNormalized(amount) {
		return ErrInvalidAmount.Withf("%s", amount)
	}
	return nil
}

// Lock 从 owner 转入保证金并计入 Locked
func (l *Ledger) Lock(ctx context.Context, owner string, amount decimal.Decimal) error {
	if err := l.guard(amount); err != nil {
		return err
	}
	if err := l.custody.TransferIn(ctx, owner, amount); err != nil {
		return ErrCustodyFailure.Wrap(err)
	}
	next := l.bal
	next.Locked = next.Locked.Add(amount)
	next.TotalCustodied = next.TotalCustodied.Add(amount)
	return l.commit(next)
}

// Release 从 Locked 转出 amount 给 recipient
func (l *Ledger) Release(ctx context.Context, amount decimal.Decimal, recipient string) error {
	if err := l.guard(amount); err != nil {
		return err
	}
	if amount.GreaterThan(l.bal.Locked) {
		return ErrInsufficientLocked.Withf("release %s, locked %s", amount, l.bal.Locked)
	}
	if err := l.custody.TransferOut(ctx, recipient, amount); err != nil {
		return ErrCustodyFailure.Wrap(err)
	}
	next := l.bal
	next.Locked = next.Locked.Sub(amount)
	next.TotalCustodied = next.TotalCustodied.Sub(amount)
	return l.commit(next)
}

// CreditFee 将 Locked 中的 amount 计入手续费
func (l *Ledger) CreditFee(amount decimal.Decimal) error {
	return l.moveFromLocked(amount, func(b *Balances) { b.AccumulatedFees = b.AccumulatedFees.Add(amount) })
}

// RealizeLoss 仓位亏损从 Locked 转给做市商权益
func (l *Ledger) RealizeLoss(amount decimal.Decimal) error {
	return l.moveFromLocked(amount, func(b *Balances) { b.ProviderEquity = b.ProviderEquity.Add(amount) })
}

// FundInsurance 将 Locked 中的 amount 注入保险基金
func (l *Ledger) FundInsurance(amount decimal.Decimal) error {
	return l.moveFromLocked(amount, func(b *Balances) { b.Insurance = b.Insurance.Add(amount) })
}

func (l *Ledger) moveFromLocked(amount decimal.Decimal, credit func(*Balances)) error {
	if err := l.guard(amount); err != nil {
		return err
	}
	if amount.GreaterThan(l.bal.Locked) {
		return ErrInsufficientLocked.Withf("move %s, locked %s", amount, l.bal.Locked)
	}
	next := l.bal
	next.Locked = next.Locked.Sub(amount)
	credit(&next)
	return l.commit(next)
}

// RealizeProfit 仓位盈利由做市商权益支付，最多支付现有权益，返回实际支付额。
func (l *Ledger) RealizeProfit(amount decimal.Decimal) (decimal.Decimal, error) {
	if err := l.guard(amount); err != nil {
		return decimal.Zero, err
	}
	paid := decimal.Min(amount, l.bal.ProviderEquity)
	if paid.IsZero() {
		return decimal.Zero, nil
	}
	next := l.bal
	next.ProviderEquity = next.ProviderEquity.Sub(paid)
	next.Locked = next.Locked.Add(paid)
	return paid, l.commit(next)
}

// CoverBadDebt 用保险基金弥补穿仓亏损，返回未能覆盖的缺口。
func (l *Ledger) CoverBadDebt(amount decimal.Decimal) (decimal.Decimal, error) {
	if err := l.guard(amount); err != nil {
		return decimal.Zero, err
	}
	covered := decimal.Min(amount, l.bal.Insurance)
	if covered.IsPositive() {
		next := l.bal
		next.Insurance = next.Insurance.Sub(covered)
		next.ProviderEquity = next.ProviderEquity.Add(covered)
		if err := l.commit(next); err != nil {
			return decimal.Zero, err
		}
	}
	return amount.Sub(covered), nil
}

// DepositInsurance 外部向保险基金注资
func (l *Ledger) DepositInsurance(ctx context.Context, from string, amount decimal.Decimal) error {
	if err := l.guard(amount); err != nil {
		return err
	}
	if err := l.custody.TransferIn(ctx, from, amount); err != nil {
		return ErrCustodyFailure.Wrap(err)
	}
	next := l.bal
	next.Insurance = next.Insurance.Add(amount)
	next.TotalCustodied = next.TotalCustodied.Add(amount)
	return l.commit(next)
}

// DepositLiquidity 做市商存入流动性，返回铸造的份额。首笔存入按 1:1 铸造。
func (l *Ledger) DepositLiquidity(ctx context.Context, provider string, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := l.guard(amount); err != nil {
		return decimal.Zero, err
	}
	minted := amount
	if l.bal.TotalShares.IsPositive() {
		if !l.bal.ProviderEquity.IsPositive() {
			return decimal.Zero, ErrVaultInsolvent
		}
		minted = fixedpoint.DivDown(amount.Mul(l.bal.TotalShares), l.bal.ProviderEquity)
		if !minted.IsPositive() {
			return decimal.Zero, ErrInvalidAmount.Withf("deposit %s mints no shares", amount)
		}
	}
	if err := l.custody.TransferIn(ctx, provider, amount); err != nil {
		return decimal.Zero, ErrCustodyFailure.Wrap(err)
	}
	next := l.bal
	next.ProviderEquity = next.ProviderEquity.Add(amount)
	next.TotalCustodied = next.TotalCustodied.Add(amount)
	next.TotalShares = next.TotalShares.Add(minted)
	if err := l.commit(next); err != nil {
		return decimal.Zero, err
	}
	l.shares[provider] = l.shares[provider].Add(minted)
	return minted, nil
}

// WithdrawLiquidity 做市商赎回份额，按比例向下取整支付，返回支付金额。
func (l *Ledger) WithdrawLiquidity(ctx context.Context, provider string, shares decimal.Decimal) (decimal.Decimal, error) {
	if err := l.guard(shares); err != nil {
		return decimal.Zero, err
	}
	held := l.shares[provider]
	if shares.GreaterThan(held) {
		return decimal.Zero, ErrInsufficientShares.Withf("requested %s, held %s", shares, held)
	}
	amount := fixedpoint.DivDown(shares.Mul(l.bal.ProviderEquity), l.bal.TotalShares)
	if amount.IsPositive() {
		if err := l.custody.TransferOut(ctx, provider, amount); err != nil {
			return decimal.Zero, ErrCustodyFailure.Wrap(err)
		}
	}
	next := l.bal
	next.ProviderEquity = next.ProviderEquity.Sub(amount)
	next.TotalCustodied = next.TotalCustodied.Sub(amount)
	next.TotalShares = next.TotalShares.Sub(shares)
	if err := l.commit(next); err != nil {
		return decimal.Zero, err
	}
	if rest := held.Sub(shares); rest.IsZero() {
		delete(l.shares, provider)
	} else {
		l.shares[provider] = rest
	}
	return amount, nil
}

// ClaimFees 将累计手续费全部转给 recipient
func (l *Ledger) ClaimFees(ctx context.Context, recipient string) (decimal.Decimal, error) {
	if l.paused.Load() {
		return decimal.Zero, ErrLedgerPaused
	}
	amount := l.bal.AccumulatedFees
	if !amount.IsPositive() {
		return decimal.Zero, ErrNothingToClaim
	}
	if err := l.custody.TransferOut(ctx, recipient, amount); err != nil {
		return decimal.Zero, ErrCustodyFailure.Wrap(err)
	}
	next := l.bal
	next.AccumulatedFees = decimal.Zero
	next.TotalCustodied = next.TotalCustodied.Sub(amount)
	return amount, l.commit(next)
}

// Balances 余额快照（非阻塞）
func (l *Ledger) Balances() Balances {
	return *l.view.Load()
}

// SharesOf 份额（仅在写路径调用）
func (l *Ledger) SharesOf(provider string) decimal.Decimal {
	return l.shares[provider]
}

// Paused 账本是否已暂停
func (l *Ledger) Paused() bool {
	return l.paused.Load()
}

// Resume 人工修复后恢复，余额必须重新满足不变量。
func (l *Ledger) Resume() error {
	if err := l.bal.Check(); err != nil {
		return err
	}
	l.paused.Store(false)
	return nil
}

// State 导出余额用于检查点
func (l *Ledger) State() Balances {
	return l.bal
}

// RestoreBalances 回滚到检查点，不改变份额与暂停状态
func (l *Ledger) RestoreBalances(b Balances) {
	l.bal = b
	l.publish()
}

// Snapshot 导出完整状态
func (l *Ledger) Snapshot() Snapshot {
	return Snapshot{Balances: l.bal, Shares: maps.Clone(l.shares), Paused: l.paused.Load()}
}

// Restore 从快照恢复，快照本身必须满足不变量
func (l *Ledger) Restore(s Snapshot) error {
	if err := s.Balances.Check(); err != nil {
		return err
	}
	total := decimal.Zero
	for _, v := range s.Shares {
		total = total.Add(v)
	}
	if !total.Equal(s.Balances.TotalShares) {
		return ErrLedgerInvariant.Withf("share sum %s != total shares %s", total, s.Balances.TotalShares)
	}
	l.bal = s.Balances
	l.shares = maps.Clone(s.Shares)
	if l.shares == nil {
		l.shares = make(map[string]decimal.Decimal)
	}
	l.paused.Store(s.Paused)
	l.publish()
	return nil
}
