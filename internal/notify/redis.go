package notify

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	xerrors "IntentMesh/internal/errors"
	"IntentMesh/internal/market"
	"IntentMesh/internal/storage/redis"
)

// DefaultRedisChannel 是默认的 Redis 发布频道。
const DefaultRedisChannel = "intentmesh:events"

// RedisConfig 描述 Redis pub/sub 发布参数。
type RedisConfig struct {
	redis.Config `yaml:",inline"`
	Channel      string `json:"channel" yaml:"channel"`
}

// RedisPublisher 通过 Redis PUBLISH 投递事件。
type RedisPublisher struct {
	client  *goredis.Client
	channel string
}

// NewRedisPublisher 使用已有客户端创建发布器。
func NewRedisPublisher(client *goredis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

// Publish 实现 market.Publisher。
func (p *RedisPublisher) Publish(ctx context.Context, event market.StatusEvent) error {
	payload, err := encodeEvent(event)
	if err != nil {
		return fmt.Errorf("序列化状态事件失败: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodePublishFailure, err, "Redis 发布状态事件失败",
			xerrors.WithMetadata("channel", p.channel))
	}
	return nil
}

// Subscribe 订阅频道并把解析后的事件交给 handler，直到 ctx 结束。
func (p *RedisPublisher) Subscribe(ctx context.Context, handler func(context.Context, market.StatusEvent) error) error {
	sub := p.client.Subscribe(ctx, p.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("订阅 Redis 频道失败: %w", err)
	}
	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("Redis 订阅已关闭")
			}
			event, err := DecodeEvent([]byte(msg.Payload))
			if err != nil {
				continue
			}
			if err := handler(ctx, event); err != nil {
				return err
			}
		}
	}
}

// Close 关闭 Redis 连接。
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
