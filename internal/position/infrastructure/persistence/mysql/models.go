package mysql

import (
	"encoding/json"
	"time"

	"github.com/wyfcoding/perpetual/internal/position/domain"
	"gorm.io/gorm"
)

// SnapshotModel 引擎快照表映射，完整状态以 JSON 存储
type SnapshotModel struct {
	gorm.Model
	Market    string    `gorm:"column:market;type:varchar(32);index:idx_market_seq,priority:1;not null"`
	Sequence  uint64    `gorm:"column:sequence;index:idx_market_seq,priority:2;not null"`
	TakenAt   time.Time `gorm:"column:taken_at;not null"`
	Positions int       `gorm:"column:positions;not null"`
	Paused    bool      `gorm:"column:paused;not null"`
	Payload   string    `gorm:"column:payload;type:longtext;not null"`
}

func (SnapshotModel) TableName() string { return "engine_snapshots" }

// mapping helpers

func toSnapshotModel(s *domain.EngineSnapshot) (*SnapshotModel, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return &SnapshotModel{
		Market:    s.Market,
		Sequence:  s.Sequence,
		TakenAt:   s.TakenAt,
		Positions: len(s.Book.Positions),
		Paused:    s.Paused,
		Payload:   string(payload),
	}, nil
}

func toSnapshot(m *SnapshotModel) (*domain.EngineSnapshot, error) {
	var s domain.EngineSnapshot
	if err := json.Unmarshal([]byte(m.Payload), &s); err != nil {
		return nil, err
	}
	return &s, nil
}
