package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/wyfcoding/perpetual/internal/position/domain"
)

// Snapshotter 可导出/恢复状态的引擎
type Snapshotter interface {
	Market() string
	Sequence() uint64
	Paused() bool
	Snapshot(ctx context.Context) (*domain.EngineSnapshot, error)
	Restore(ctx context.Context, s *domain.EngineSnapshot) error
}

// SnapshotPruner 支持清理旧快照的仓储
type SnapshotPruner interface {
	Prune(ctx context.Context, market string, keep int) (int64, error)
}

// JobRecorder 后台任务指标
type JobRecorder interface {
	RecordJob(job string, err error)
}

// CheckpointJob 定期把引擎快照写入仓储。
// 自上次保存以来没有新提交且暂停状态未变化时跳过。
type CheckpointJob struct {
	engine    Snapshotter
	repo      domain.SnapshotRepository
	interval  time.Duration
	retention int
	logger    *slog.Logger
	recorder  JobRecorder

	lastSeq    uint64
	lastPaused bool
	saved      bool
}

func NewCheckpointJob(engine Snapshotter, repo domain.SnapshotRepository, interval time.Duration, retention int, logger *slog.Logger) *CheckpointJob {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &CheckpointJob{
		engine:    engine,
		repo:      repo,
		interval:  interval,
		retention: retention,
		logger:    logger.With("module", "checkpoint_job", "market", engine.Market()),
	}
}

// WithRecorder 设置指标上报
func (j *CheckpointJob) WithRecorder(r JobRecorder) *CheckpointJob {
	j.recorder = r
	return j
}

// Recover 启动时从最新快照恢复，没有快照时返回 false
func (j *CheckpointJob) Recover(ctx context.Context) (bool, error) {
	s, err := j.repo.Latest(ctx, j.engine.Market())
	if err != nil {
		return false, err
	}
	if s == nil {
		j.logger.Info("no snapshot found, starting from configuration")
		return false, nil
	}
	if err := j.engine.Restore(ctx, s); err != nil {
		return false, err
	}
	j.lastSeq, j.lastPaused, j.saved = s.Sequence, s.Paused, true
	return true, nil
}

// Start 周期执行直到 ctx 结束，退出前再保存一次
func (j *CheckpointJob) Start(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.logger.Info("checkpoint job started", "interval", j.interval, "retention", j.retention)
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			_, err := j.RunOnce(final)
			cancel()
			if err != nil {
				j.logger.Error("final checkpoint failed", "error", err)
			}
			j.logger.Info("checkpoint job stopped")
			return nil
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil {
				j.logger.Error("checkpoint failed", "error", err)
			}
		}
	}
}

// RunOnce 保存一次快照，返回是否实际写入
func (j *CheckpointJob) RunOnce(ctx context.Context) (bool, error) {
	if j.saved && j.engine.Sequence() == j.lastSeq && j.engine.Paused() == j.lastPaused {
		return false, nil
	}
	s, err := j.engine.Snapshot(ctx)
	if err == nil {
		err = j.repo.Save(ctx, s)
	}
	if j.recorder != nil {
		j.recorder.RecordJob("checkpoint", err)
	}
	if err != nil {
		return false, err
	}
	j.lastSeq, j.lastPaused, j.saved = s.Sequence, s.Paused, true
	j.logger.Debug("checkpoint saved", "sequence", s.Sequence, "positions", len(s.Book.Positions))

	if pruner, ok := j.repo.(SnapshotPruner); ok && j.retention > 0 {
		if n, err := pruner.Prune(ctx, j.engine.Market(), j.retention); err != nil {
			j.logger.Warn("failed to prune snapshots", "error", err)
		} else if n > 0 {
			j.logger.Debug("pruned snapshots", "removed", n)
		}
	}
	return true, nil
}
