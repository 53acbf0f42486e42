// Package pricefeed 从 Kafka 行情主题维护最新指数价格
package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	funding "github.com/wyfcoding/perpetual/internal/funding/domain"
	"github.com/wyfcoding/perpetual/pkg/mq"
)

var ErrNoIndexPrice = errors.New("no index price received yet")

// MessageSource 消息来源，由 mq.KafkaConsumer 实现
type MessageSource interface {
	FetchMessage(ctx context.Context) (*mq.Message, error)
	CommitMessages(ctx context.Context, messages ...*mq.Message) error
}

// DeadLetterSink 无法解析的消息去处，由 mq.DeadLetterQueue 实现
type DeadLetterSink interface {
	Send(ctx context.Context, originalMessage *mq.Message, reason string, err error) error
}

// marketPriceEvent 行情服务发布的价格消息
type marketPriceEvent struct {
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	Timestamp int64  `json:"timestamp"` // 毫秒
}

// KafkaIndexFeed 实现 funding.PriceFeed。
// 只保留时间戳最新的一条价格，乱序到达的旧价格被忽略。
type KafkaIndexFeed struct {
	symbol string
	source MessageSource
	dlq    DeadLetterSink
	logger *slog.Logger
	latest atomic.Pointer[funding.IndexPrice]
}

func NewKafkaIndexFeed(symbol string, source MessageSource, dlq DeadLetterSink, logger *slog.Logger) *KafkaIndexFeed {
	return &KafkaIndexFeed{
		symbol: symbol,
		source: source,
		dlq:    dlq,
		logger: logger.With("module", "index_price_feed", "symbol", symbol),
	}
}

var _ funding.PriceFeed = (*KafkaIndexFeed)(nil)

func (f *KafkaIndexFeed) IndexPrice(context.Context) (funding.IndexPrice, error) {
	p := f.latest.Load()
	if p == nil {
		return funding.IndexPrice{}, ErrNoIndexPrice
	}
	return *p, nil
}

// Start 持续消费直到 ctx 取消
func (f *KafkaIndexFeed) Start(ctx context.Context) error {
	f.logger.Info("index price feed started")
	for {
		msg, err := f.source.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				f.logger.Info("index price feed stopped")
				return nil
			}
			f.logger.Error("failed to fetch price message", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if err := f.Handle(ctx, msg); err != nil {
			f.logger.Warn("malformed price message", "offset", msg.Offset, "error", err)
			if f.dlq != nil {
				if dlqErr := f.dlq.Send(ctx, msg, "malformed_price", err); dlqErr != nil {
					f.logger.Error("failed to send to dead letter queue", "error", dlqErr)
					continue
				}
			}
		}
		if err := f.source.CommitMessages(ctx, msg); err != nil {
			f.logger.Error("failed to commit price message", "offset", msg.Offset, "error", err)
		}
	}
}

// Handle 解析单条价格消息，其他交易对的消息直接跳过
func (f *KafkaIndexFeed) Handle(_ context.Context, msg *mq.Message) error {
	var event marketPriceEvent
	if err := msg.UnmarshalPayload(&event); err != nil {
		return err
	}
	if !strings.EqualFold(event.Symbol, f.symbol) {
		return nil
	}
	price, err := decimal.NewFromString(event.Price)
	if err != nil {
		return fmt.Errorf("invalid price %q: %w", event.Price, err)
	}
	if !price.IsPositive() {
		return fmt.Errorf("non-positive price %s", price)
	}
	if event.Timestamp <= 0 {
		return fmt.Errorf("invalid timestamp %d", event.Timestamp)
	}

	next := &funding.IndexPrice{Value: price, Timestamp: time.UnixMilli(event.Timestamp).UTC()}
	for {
		cur := f.latest.Load()
		if cur != nil && !next.Timestamp.After(cur.Timestamp) {
			return nil
		}
		if f.latest.CompareAndSwap(cur, next) {
			f.logger.Debug("index price updated", "price", price.String(), "timestamp", next.Timestamp)
			return nil
		}
	}
}

// MarshalPriceEvent 生成与行情服务一致的价格消息，供模拟行情与测试使用
func MarshalPriceEvent(symbol string, price decimal.Decimal, at time.Time) ([]byte, error) {
	return json.Marshal(marketPriceEvent{Symbol: symbol, Price: price.String(), Timestamp: at.UnixMilli()})
}
