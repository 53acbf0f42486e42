// 包 永续合约撮合引擎：串行化所有写操作，协调虚拟做市商、资金费率、抵押品账本与持仓簿。
package application

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	collateral "github.com/wyfcoding/perpetual/internal/collateral/domain"
	funding "github.com/wyfcoding/perpetual/internal/funding/domain"
	"github.com/wyfcoding/perpetual/internal/position/domain"
	pricing "github.com/wyfcoding/perpetual/internal/pricing/domain"
	"github.com/wyfcoding/perpetual/pkg/errs"
	"github.com/wyfcoding/perpetual/pkg/logger"
)

var (
	ErrEnginePaused       = errs.New(errs.KindInvariant, "engine_paused", "engine is paused pending remediation")
	ErrReentrantCall      = errs.New(errs.KindValidation, "reentrant_call", "engine operation entered from inside another operation")
	ErrInvariantViolation = errs.New(errs.KindInvariant, "invariant_violation", "engine invariant violated")
	ErrInvalidCommand     = errs.New(errs.KindValidation, "invalid_command", "invalid command")
)

// Recorder 引擎指标上报
type Recorder interface {
	ObserveOperation(op, outcome string, d time.Duration)
	SetOpenPositions(n int)
	SetMarkPrice(v float64)
	SetFundingIndex(v float64)
	SetLedgerBalance(bucket string, v float64)
	IncLiquidation(outcome string)
	IncFundingSettlement(intervals int64)
}

type nopRecorder struct{}

func (nopRecorder) ObserveOperation(string, string, time.Duration) {}
func (nopRecorder) SetOpenPositions(int)                           {}
func (nopRecorder) SetMarkPrice(float64)                           {}
func (nopRecorder) SetFundingIndex(float64)                        {}
func (nopRecorder) SetLedgerBalance(string, float64)               {}
func (nopRecorder) IncLiquidation(string)                          {}
func (nopRecorder) IncFundingSettlement(int64)                     {}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, string, any) error { return nil }

// Config 单个市场的引擎配置
type Config struct {
	Market            string
	Params            domain.RiskParameters
	Funding           funding.Params
	BaseReserve       decimal.Decimal
	QuoteReserve      decimal.Decimal
	MaxPriceImpactBps int64
}

// Option 引擎可选项
type Option func(*Engine)

// WithPublisher 设置事件发布者
func WithPublisher(p domain.EventPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithRecorder 设置指标上报
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithClock 设置时钟，测试中用于推进资金费周期
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

type engineKey struct{}

// Engine 永续合约引擎。
// 所有写操作持有同一把互斥锁串行执行；失败时回滚到操作开始前的检查点。
// 查询走原子发布的只读视图，从不阻塞。
type Engine struct {
	market string
	mu     sync.Mutex
	pubMu  sync.Mutex
	paused atomic.Bool
	seq    atomic.Uint64

	params  domain.RiskParameters
	amm     *pricing.VirtualAMM
	funding *funding.Accumulator
	ledger  *collateral.Ledger
	book    *domain.PositionBook
	calc    *domain.PnLCalculator

	custody   collateral.Custody
	feed      funding.PriceFeed
	publisher domain.EventPublisher
	recorder  Recorder
	now       func() time.Time

	paramsView atomic.Pointer[domain.RiskParameters]
	positions  sync.Map // id -> domain.Position
	owners     sync.Map // owner -> []string
}

// NewEngine 创建引擎
func NewEngine(cfg Config, custody collateral.Custody, feed funding.PriceFeed, opts ...Option) (*Engine, error) {
	if cfg.Market == "" {
		return nil, ErrInvalidCommand.Withf("market is empty")
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		market:    cfg.Market,
		params:    cfg.Params,
		calc:      domain.NewPnLCalculator(),
		custody:   custody,
		feed:      feed,
		publisher: nopPublisher{},
		recorder:  nopRecorder{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	amm, err := pricing.NewVirtualAMM(cfg.BaseReserve, cfg.QuoteReserve, cfg.MaxPriceImpactBps)
	if err != nil {
		return nil, fmt.Errorf("failed to create virtual amm: %w", err)
	}
	acc, err := funding.NewAccumulator(cfg.Funding, feed, amm, e.now())
	if err != nil {
		return nil, fmt.Errorf("failed to create funding accumulator: %w", err)
	}
	e.amm = amm
	e.funding = acc
	e.ledger = collateral.NewLedger(custody)
	e.book = domain.NewPositionBook()
	e.rebuildViews()
	return e, nil
}

// Market 市场标识
func (e *Engine) Market() string {
	return e.market
}

type pendingEvent struct {
	eventType string
	key       string
	payload   any
}

// txn 单次写操作的上下文：待发布事件与需要刷新的读视图
type txn struct {
	ctx     context.Context
	op      string
	events  []pendingEvent
	alerts  []pendingEvent
	upserts map[string]domain.Position
	removed map[string]struct{}
	owners  map[string]struct{}
}

func newTxn(ctx context.Context, op string) *txn {
	return &txn{
		ctx:     ctx,
		op:      op,
		upserts: make(map[string]domain.Position),
		removed: make(map[string]struct{}),
		owners:  make(map[string]struct{}),
	}
}

func (t *txn) emit(eventType, key string, payload any) {
	t.events = append(t.events, pendingEvent{eventType: eventType, key: key, payload: payload})
}

func (t *txn) upsert(p domain.Position) {
	delete(t.removed, p.ID)
	t.upserts[p.ID] = p
	t.owners[p.Owner] = struct{}{}
}

func (t *txn) remove(p domain.Position) {
	delete(t.upserts, p.ID)
	t.removed[p.ID] = struct{}{}
	t.owners[p.Owner] = struct{}{}
}

// checkpoint 回滚所需的内存状态。持仓簿总是最后修改，不需要进入检查点。
type checkpoint struct {
	params        domain.RiskParameters
	reserves      pricing.Reserves
	impactBps     int64
	fundingState  funding.State
	fundingParams funding.Params
	balances      collateral.Balances
}

func (e *Engine) checkpoint() checkpoint {
	return checkpoint{
		params:        e.params,
		reserves:      e.amm.State(),
		impactBps:     e.amm.MaxPriceImpactBps(),
		fundingState:  e.funding.State(),
		fundingParams: e.funding.Params(),
		balances:      e.ledger.State(),
	}
}

func (e *Engine) rollback(cp checkpoint) {
	e.params = cp.params
	_ = e.amm.Restore(cp.reserves)
	_ = e.amm.SetMaxPriceImpactBps(cp.impactBps)
	_ = e.funding.SetParams(cp.fundingParams)
	e.funding.Restore(cp.fundingState)
	e.ledger.RestoreBalances(cp.balances)
}

// execute 串行执行一个写操作。
// 操作失败时回滚检查点；不变量相关的失败不回滚，直接暂停引擎等待人工修复。
// 事件在释放写锁之后按提交顺序发布；发布期间持有 pubMu，
// 发布者带着收到的 ctx 回调引擎会得到 ErrReentrantCall。
func (e *Engine) execute(ctx context.Context, op string, fn func(tx *txn) error) (err error) {
	if owner, ok := ctx.Value(engineKey{}).(*Engine); ok && owner == e {
		return ErrReentrantCall.Withf("%s", op)
	}
	ctx = logger.WithMarket(ctx, e.market)
	if logger.OpID(ctx) == "" {
		ctx = logger.WithOpID(ctx, uuid.NewString())
	}
	tx := newTxn(context.WithValue(ctx, engineKey{}, e), op)
	start := time.Now()

	e.mu.Lock()
	cp := e.checkpoint()
	defer func() {
		if r := recover(); r != nil {
			e.rollback(cp)
			err = ErrInvariantViolation.Withf("panic in %s: %v", op, r)
			e.pauseLocked(tx, err)
		}
		// 先拿到发布锁再释放写锁，下游看到的事件顺序与提交顺序一致
		e.pubMu.Lock()
		defer e.pubMu.Unlock()
		e.mu.Unlock()

		e.recorder.ObserveOperation(op, outcome(err), time.Since(start))
		if err == nil {
			e.recordState()
			e.flush(tx.ctx, tx.events)
		}
		e.flush(tx.ctx, tx.alerts)
	}()

	if e.paused.Load() {
		return ErrEnginePaused
	}
	if err = fn(tx); err != nil {
		if errs.Is(err, errs.KindInvariant) {
			e.pauseLocked(tx, err)
		} else {
			e.rollback(cp)
		}
		return err
	}
	if err = e.verify(); err != nil {
		e.pauseLocked(tx, err)
		return err
	}
	e.seq.Add(1)
	e.publishViews(tx)
	return nil
}

// verify 每次提交前校验全局不变量
func (e *Engine) verify() error {
	bal := e.ledger.State()
	if err := bal.Check(); err != nil {
		return err
	}
	if total := e.book.TotalCollateral(); !total.Equal(bal.Locked) {
		return ErrInvariantViolation.Withf("position collateral %s != locked %s", total, bal.Locked)
	}
	if r := e.amm.State(); !r.Holds() {
		return ErrInvariantViolation.Withf("reserves base=%s quote=%s below k=%s", r.Base, r.Quote, r.K)
	}
	return nil
}

func (e *Engine) pauseLocked(tx *txn, cause error) {
	if e.paused.Swap(true) {
		return
	}
	logger.Error(tx.ctx, "engine paused", "operation", tx.op, "error", cause)
	tx.alerts = append(tx.alerts, pendingEvent{
		eventType: domain.EnginePausedEventType,
		key:       e.market,
		payload: domain.EnginePausedEvent{
			Market:     e.market,
			Operation:  tx.op,
			Reason:     cause.Error(),
			OccurredOn: e.now(),
		},
	})
}

func (e *Engine) flush(ctx context.Context, events []pendingEvent) {
	for _, ev := range events {
		if err := e.publisher.Publish(ctx, ev.eventType, ev.key, ev.payload); err != nil {
			logger.Error(ctx, "failed to publish event", "event_type", ev.eventType, "key", ev.key, "error", err)
		}
	}
}

// publishViews 将本次操作涉及的持仓与参数发布到只读视图
func (e *Engine) publishViews(tx *txn) {
	params := e.params
	e.paramsView.Store(&params)
	for id := range tx.removed {
		e.positions.Delete(id)
	}
	for id, p := range tx.upserts {
		e.positions.Store(id, p)
	}
	for owner := range tx.owners {
		if ids := e.book.IDsOf(owner); len(ids) > 0 {
			e.owners.Store(owner, ids)
		} else {
			e.owners.Delete(owner)
		}
	}
}

func (e *Engine) rebuildViews() {
	params := e.params
	e.paramsView.Store(&params)
	e.positions.Clear()
	e.owners.Clear()
	seen := make(map[string]struct{})
	e.book.Each(func(p domain.Position) bool {
		e.positions.Store(p.ID, p)
		if _, ok := seen[p.Owner]; !ok {
			seen[p.Owner] = struct{}{}
			e.owners.Store(p.Owner, e.book.IDsOf(p.Owner))
		}
		return true
	})
}

func (e *Engine) recordState() {
	e.recorder.SetOpenPositions(e.openPositions())
	e.recorder.SetMarkPrice(e.amm.MarkPrice().InexactFloat64())
	e.recorder.SetFundingIndex(e.funding.CumulativeIndex().InexactFloat64())
	bal := e.ledger.Balances()
	e.recorder.SetLedgerBalance("locked", bal.Locked.InexactFloat64())
	e.recorder.SetLedgerBalance("provider_equity", bal.ProviderEquity.InexactFloat64())
	e.recorder.SetLedgerBalance("fees", bal.AccumulatedFees.InexactFloat64())
	e.recorder.SetLedgerBalance("insurance", bal.Insurance.InexactFloat64())
	e.recorder.SetLedgerBalance("custodied", bal.TotalCustodied.InexactFloat64())
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return errs.KindOf(err).String()
}

// settleFunding 结算已经过的资金费周期。
// strict 为 false 时，指数价格过期只记录告警并沿用上一次的累计指数。
func (e *Engine) settleFunding(tx *txn, strict bool) (funding.Settlement, error) {
	s, err := e.funding.Settle(tx.ctx, e.now())
	if err != nil {
		if !strict && errs.CodeOf(err) == errs.CodeOf(funding.ErrStaleIndexPrice) {
			logger.Warn(tx.ctx, "funding settlement skipped, using last cumulative index",
				"error", err, "cumulative_index", e.funding.CumulativeIndex().String())
			return funding.Settlement{}, nil
		}
		return funding.Settlement{}, err
	}
	if s.Intervals > 0 {
		e.recorder.IncFundingSettlement(s.Intervals)
		tx.emit(domain.FundingSettledEventType, e.market, domain.FundingSettledEvent{
			Market:          e.market,
			Intervals:       s.Intervals,
			Rate:            s.Rate,
			MarkPrice:       s.MarkPrice,
			IndexPrice:      s.IndexPrice,
			CumulativeIndex: s.CumulativeIndex,
			SettledAt:       s.SettledAt,
			OccurredOn:      e.now(),
		})
		logger.Info(tx.ctx, "funding settled", "intervals", s.Intervals, "rate", s.Rate.String(), "cumulative_index", s.CumulativeIndex.String())
	}
	return s, nil
}

// closeOutcome 仓位结算结果
type closeOutcome struct {
	equity    decimal.Decimal // 结算后仍锁定在该仓位名下的金额
	badDebt   decimal.Decimal
	shortfall decimal.Decimal
}

// settlePosition 把仓位的盈亏与资金费在账本中结清。
// 盈利由做市商权益支付（最多支付现有权益）；穿仓部分先由保险基金弥补，剩余缺口如实返回。
func (e *Engine) settlePosition(tx *txn, p domain.Position, pnl, owed decimal.Decimal) (closeOutcome, error) {
	out := closeOutcome{badDebt: decimal.Zero, shortfall: decimal.Zero}
	effective := p.Collateral.Add(pnl).Sub(owed)

	switch {
	case effective.GreaterThan(p.Collateral):
		gain := effective.Sub(p.Collateral)
		paid, err := e.ledger.RealizeProfit(gain)
		if err != nil {
			return out, err
		}
		if paid.LessThan(gain) {
			logger.Warn(tx.ctx, "provider equity cannot cover profit", "position_id", p.ID, "profit", gain.String(), "paid", paid.String())
		}
		out.equity = p.Collateral.Add(paid)
	case !effective.IsNegative():
		if loss := p.Collateral.Sub(effective); loss.IsPositive() {
			if err := e.ledger.RealizeLoss(loss); err != nil {
				return out, err
			}
		}
		out.equity = effective
	default:
		if err := e.ledger.RealizeLoss(p.Collateral); err != nil {
			return out, err
		}
		out.badDebt = effective.Neg()
		shortfall, err := e.ledger.CoverBadDebt(out.badDebt)
		if err != nil {
			return out, err
		}
		out.shortfall = shortfall
		out.equity = decimal.Zero
	}

	if out.shortfall.IsPositive() {
		logger.Error(tx.ctx, "insurance fund shortfall", "position_id", p.ID, "bad_debt", out.badDebt.String(), "shortfall", out.shortfall.String())
		tx.emit(domain.InsuranceShortfallEventType, p.ID, domain.InsuranceShortfallEvent{
			Market:     e.market,
			PositionID: p.ID,
			BadDebt:    out.badDebt,
			Shortfall:  out.shortfall,
			OccurredOn: e.now(),
		})
	}
	return out, nil
}
