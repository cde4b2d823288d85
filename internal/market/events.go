package market

import (
	"context"
	"time"
)

// EntityType 标识状态事件所属的实体类型。
type EntityType string

const (
	EntityAgent  EntityType = "agent"
	EntityIntent EntityType = "intent"
	EntityMatch  EntityType = "match"
	EntityEscrow EntityType = "escrow"
)

// StatusEvent 描述一次实体状态变化，交由通知层扇出。
type StatusEvent struct {
	Entity   EntityType `json:"entity"`
	ID       string     `json:"id"`
	IntentID string     `json:"intent_id,omitempty"`
	From     string     `json:"from"`
	To       string     `json:"to"`
	At       time.Time  `json:"at"`
}

// Publisher 将状态事件投递给通知协作方。投递是尽力而为的。
type Publisher interface {
	Publish(ctx context.Context, event StatusEvent) error
	Close() error
}

// NopPublisher 丢弃所有事件。
type NopPublisher struct{}

// Publish 实现 Publisher。
func (NopPublisher) Publish(context.Context, StatusEvent) error { return nil }

// Close 实现 Publisher。
func (NopPublisher) Close() error { return nil }
