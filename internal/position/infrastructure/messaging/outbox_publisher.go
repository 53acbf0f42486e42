package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wyfcoding/perpetual/pkg/logger"
)

const (
	OutboxStatusPending = "pending"
	OutboxStatusSent    = "sent"
)

// OutboxMessage 待投递的领域事件
type OutboxMessage struct {
	ID           string    `gorm:"type:varchar(36);primaryKey"`
	EventID      string    `gorm:"type:varchar(36);uniqueIndex"`
	OpID         string    `gorm:"type:varchar(36);index"`
	EventType    string    `gorm:"type:varchar(100);index"`
	PartitionKey string    `gorm:"type:varchar(100)"`
	Payload      string    `gorm:"type:text"`
	Status       string    `gorm:"type:varchar(20);index;default:'pending'"`
	Attempts     int       `gorm:"default:0"`
	CreatedAt    time.Time `gorm:"index"`
	UpdatedAt    time.Time
}

// TableName 指定表名
func (OutboxMessage) TableName() string {
	return "position_outbox_messages"
}

// Producer 消息投递端，由 pkg/mq 的 KafkaProducer 实现
type Producer interface {
	SendRaw(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
}

// OutboxEventPublisher 实现 EventPublisher 接口，使用 Outbox 模式：
// 事件先落库，再由 relay 批量投递到 Kafka。
type OutboxEventPublisher struct {
	db    *gorm.DB
	topic string
}

// NewOutboxEventPublisher 创建新的 OutboxEventPublisher 实例
func NewOutboxEventPublisher(db *gorm.DB, topic string) *OutboxEventPublisher {
	return &OutboxEventPublisher{db: db, topic: topic}
}

// Publish 序列化事件并写入 outbox 表
func (p *OutboxEventPublisher) Publish(ctx context.Context, eventType, key string, event any) error {
	eventData, err := json.Marshal(event)
	if err != nil {
		return err
	}

	now := time.Now()
	message := OutboxMessage{
		ID:           uuid.NewString(),
		EventID:      uuid.NewString(),
		OpID:         logger.OpID(ctx),
		EventType:    eventType,
		PartitionKey: key,
		Payload:      string(eventData),
		Status:       OutboxStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return p.db.WithContext(ctx).Create(&message).Error
}

// ProcessOutboxMessages 按创建顺序投递一批待处理消息，返回投递成功的条数。
// 投递失败时停止本批次，保证同一分区键的事件顺序。
func (p *OutboxEventPublisher) ProcessOutboxMessages(ctx context.Context, producer Producer, batchSize int) (int, error) {
	var messages []OutboxMessage
	err := p.db.WithContext(ctx).
		Where("status = ?", OutboxStatusPending).
		Order("created_at asc").
		Limit(batchSize).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Find(&messages).Error
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, message := range messages {
		headers := map[string]string{"event_type": message.EventType, "event_id": message.EventID, "op_id": message.OpID}
		if err := producer.SendRaw(ctx, p.topic, message.PartitionKey, []byte(message.Payload), headers); err != nil {
			p.db.WithContext(ctx).Model(&message).Update("attempts", gorm.Expr("attempts + 1"))
			logger.Warn(ctx, "outbox delivery failed", "event_id", message.EventID, "event_type", message.EventType, "error", err)
			return sent, err
		}
		if err := p.db.WithContext(ctx).Model(&message).Update("status", OutboxStatusSent).Error; err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// CleanupProcessedMessages 清理已处理的消息
func (p *OutboxEventPublisher) CleanupProcessedMessages(ctx context.Context, before time.Time) (int64, error) {
	res := p.db.WithContext(ctx).Where("status = ? AND updated_at < ?", OutboxStatusSent, before).Delete(&OutboxMessage{})
	return res.RowsAffected, res.Error
}
