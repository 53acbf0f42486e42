package messaging

import (
	"context"
	"log/slog"
	"time"
)

// OutboxRelay 周期性地把 outbox 中的待投递事件转发到 Kafka，并清理已投递记录
type OutboxRelay struct {
	outbox    *OutboxEventPublisher
	producer  Producer
	interval  time.Duration
	batchSize int
	retention time.Duration
	logger    *slog.Logger
	onRun     func(err error)
}

func NewOutboxRelay(outbox *OutboxEventPublisher, producer Producer, interval time.Duration, batchSize int, retention time.Duration, logger *slog.Logger) *OutboxRelay {
	if interval <= 0 {
		interval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &OutboxRelay{
		outbox:    outbox,
		producer:  producer,
		interval:  interval,
		batchSize: batchSize,
		retention: retention,
		logger:    logger.With("module", "outbox_relay"),
	}
}

// OnRun 每轮投递后回调，用于指标
func (r *OutboxRelay) OnRun(fn func(err error)) *OutboxRelay {
	r.onRun = fn
	return r
}

func (r *OutboxRelay) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	r.logger.Info("outbox relay started", "interval", r.interval, "batch_size", r.batchSize)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
			r.drain(ctx)
		case <-cleanup.C:
			if r.retention <= 0 {
				continue
			}
			n, err := r.outbox.CleanupProcessedMessages(ctx, time.Now().Add(-r.retention))
			if err != nil {
				r.logger.Warn("outbox cleanup failed", "error", err)
			} else if n > 0 {
				r.logger.Info("outbox cleaned up", "removed", n)
			}
		}
	}
}

// drain 连续处理满批次，直到积压清空或出错
func (r *OutboxRelay) drain(ctx context.Context) {
	for ctx.Err() == nil {
		sent, err := r.outbox.ProcessOutboxMessages(ctx, r.producer, r.batchSize)
		if r.onRun != nil {
			r.onRun(err)
		}
		if err != nil {
			r.logger.Warn("outbox relay round failed", "sent", sent, "error", err)
			return
		}
		if sent < r.batchSize {
			return
		}
	}
}
