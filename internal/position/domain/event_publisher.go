package domain

import "context"

// EventPublisher 事件发布者接口
type EventPublisher interface {
	// Publish 发布事件，key 用于分区（通常为持仓 ID 或市场）
	Publish(ctx context.Context, eventType string, key string, event any) error
}
