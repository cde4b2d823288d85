// Package notify 将实体状态事件投递给外部通知协作方。
//
// 投递是尽力而为的：Committer 只记录失败日志，不会因此回滚已提交的状态。
package notify

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"sync"

	xerrors "IntentMesh/internal/errors"
	"IntentMesh/internal/market"
	"IntentMesh/internal/storage/redis"
)

// Config 描述事件发布通道。
type Config struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// New 根据配置构造 Publisher。driver 为空或 none 时返回 NopPublisher。
func New(ctx context.Context, cfg Config) (market.Publisher, error) {
	switch cfg.Driver {
	case "", "none":
		return market.NopPublisher{}, nil
	case "memory":
		return NewMemoryPublisher(0), nil
	case "redis":
		client, err := redis.NewClient(ctx, cfg.Redis.Config)
		if err != nil {
			return nil, err
		}
		return NewRedisPublisher(client, cfg.Redis.Channel), nil
	case "rabbitmq":
		return NewRabbitMQPublisher(cfg.RabbitMQ)
	default:
		return nil, fmt.Errorf("不支持的通知驱动: %q", cfg.Driver)
	}
}

// encodeEvent 将事件序列化为投递载荷。
func encodeEvent(event market.StatusEvent) ([]byte, error) {
	return json.Marshal(event)
}

// DecodeEvent 解析投递载荷。
func DecodeEvent(payload []byte) (market.StatusEvent, error) {
	var event market.StatusEvent
	err := json.Unmarshal(payload, &event)
	return event, err
}

// routingKey 形如 "escrow.funded"，便于消费方按实体与目标状态订阅。
func routingKey(event market.StatusEvent) string {
	return string(event.Entity) + "." + event.To
}

// MemoryPublisher 在内存中保存事件，并可选地通过 channel 推送给订阅者。
type MemoryPublisher struct {
	mu     sync.Mutex
	events []market.StatusEvent
	ch     chan market.StatusEvent
	closed bool
}

// NewMemoryPublisher 创建内存发布器。buffer 大于 0 时同时开启订阅 channel，
// channel 写满后新事件只保留在列表中。
func NewMemoryPublisher(buffer int) *MemoryPublisher {
	p := &MemoryPublisher{}
	if buffer > 0 {
		p.ch = make(chan market.StatusEvent, buffer)
	}
	return p
}

// Publish 实现 market.Publisher。
func (p *MemoryPublisher) Publish(ctx context.Context, event market.StatusEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return xerrors.New(xerrors.CodePublishFailure, "发布器已关闭")
	}
	p.events = append(p.events, event)
	if p.ch != nil {
		select {
		case p.ch <- event:
		default:
		}
	}
	return nil
}

// Events 返回已发布事件的副本。
func (p *MemoryPublisher) Events() []market.StatusEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]market.StatusEvent, len(p.events))
	copy(out, p.events)
	return out
}

// Subscribe 返回事件 channel，未开启缓冲时返回 nil。
func (p *MemoryPublisher) Subscribe() <-chan market.StatusEvent {
	return p.ch
}

// Close 实现 market.Publisher。
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		if p.ch != nil {
			close(p.ch)
		}
	}
	return nil
}

// Fanout 将事件依次投递给全部下游，单个下游失败不影响其余下游。
type Fanout struct {
	targets []market.Publisher
}

// NewFanout 组合多个 Publisher。
func NewFanout(targets ...market.Publisher) *Fanout {
	var filtered []market.Publisher
	for _, t := range targets {
		if t != nil {
			filtered = append(filtered, t)
		}
	}
	return &Fanout{targets: filtered}
}

// Publish 实现 market.Publisher。
func (f *Fanout) Publish(ctx context.Context, event market.StatusEvent) error {
	var errs []error
	for _, t := range f.targets {
		if err := t.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return stdErrors.Join(errs...)
}

// Close 实现 market.Publisher。
func (f *Fanout) Close() error {
	var errs []error
	for _, t := range f.targets {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stdErrors.Join(errs...)
}

var (
	_ market.Publisher = (*MemoryPublisher)(nil)
	_ market.Publisher = (*Fanout)(nil)
	_ market.Publisher = (*RedisPublisher)(nil)
	_ market.Publisher = (*RabbitMQPublisher)(nil)
)
