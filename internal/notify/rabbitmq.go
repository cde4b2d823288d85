package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "IntentMesh/internal/errors"
	"IntentMesh/internal/market"
)

// DefaultExchange 是默认的 topic exchange 名称。
const DefaultExchange = "intentmesh.events"

// RabbitMQConfig 描述 RabbitMQ 发布参数。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	Exchange string `json:"exchange" yaml:"exchange"`
	Durable  bool   `json:"durable" yaml:"durable"`
}

// RabbitMQPublisher 将事件发布到 topic exchange，路由键为 "<entity>.<status>"。
type RabbitMQPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	durable  bool
}

// NewRabbitMQPublisher 连接 RabbitMQ 并声明 exchange。
func NewRabbitMQPublisher(cfg RabbitMQConfig) (*RabbitMQPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ exchange 失败: %w", err)
	}
	return &RabbitMQPublisher{conn: conn, ch: ch, exchange: exchange, durable: cfg.Durable}, nil
}

// Publish 实现 market.Publisher。amqp.Channel 不是并发安全的，因此串行发布。
func (p *RabbitMQPublisher) Publish(ctx context.Context, event market.StatusEvent) error {
	if p == nil || p.ch == nil {
		return xerrors.New(xerrors.CodePublishFailure, "RabbitMQ 发布器未初始化")
	}
	msg, err := rabbitMessage(event, p.durable)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.PublishWithContext(ctx, p.exchange, routingKey(event), false, false, msg); err != nil {
		return xerrors.Wrap(xerrors.CodePublishFailure, err, "RabbitMQ 发布状态事件失败",
			xerrors.WithMetadata("exchange", p.exchange))
	}
	return nil
}

func rabbitMessage(event market.StatusEvent, durable bool) (amqp.Publishing, error) {
	payload, err := encodeEvent(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("序列化状态事件失败: %w", err)
	}
	msg := amqp.Publishing{
		ContentType: "application/json",
		Type:        string(event.Entity),
		MessageId:   string(event.Entity) + ":" + event.ID + ":" + event.To,
		Timestamp:   event.At,
		Body:        payload,
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if durable {
		msg.DeliveryMode = amqp.Persistent
	}
	return msg, nil
}

// Close 关闭 RabbitMQ 连接。
func (p *RabbitMQPublisher) Close() error {
	if p == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
