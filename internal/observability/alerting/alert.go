// Package alerting 将需要运维介入的错误（账本不一致、网关重试耗尽）派发给通知渠道。
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	xerrors "IntentMesh/internal/errors"
	"IntentMesh/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

const (
	ChannelLog    Channel = "log"
	ChannelMemory Channel = "memory"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Code        xerrors.Code
	Message     string
	Severity    xerrors.Severity
	EscrowID    string
	IntentID    string
	Attempts    int
	MaxAttempts int
	Metadata    map[string]string
	OccurredAt  time.Time
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	channels := make([]string, 0, len(d.notifiers))
	for ch := range d.notifiers {
		channels = append(channels, string(ch))
	}
	sort.Strings(channels)
	var errs []error
	for _, ch := range channels {
		notifier := d.notifiers[Channel(ch)]
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EventFromError 根据统一错误构造告警事件。
func EventFromError(err error, escrowID, intentID string) Event {
	event := Event{
		Code:       xerrors.CodeOf(err),
		Message:    err.Error(),
		Severity:   xerrors.SeverityOf(err),
		EscrowID:   escrowID,
		IntentID:   intentID,
		OccurredAt: time.Now().UTC(),
	}
	if e, ok := xerrors.From(err); ok {
		event.Metadata = e.Metadata()
	}
	return event
}

// Raise 在错误需要告警时派发事件，派发失败只记录日志。
func Raise(ctx context.Context, d Dispatcher, event Event) {
	if d == nil {
		return
	}
	if err := d.Notify(ctx, event); err != nil {
		logger.L().Warn("告警派发失败", slog.Any("error", err), slog.String("code", string(event.Code)))
	}
}

// LogNotifier 将告警写入日志。
type LogNotifier struct{}

// Channel 返回日志渠道。
func (LogNotifier) Channel() Channel { return ChannelLog }

// Notify 记录告警。
func (LogNotifier) Notify(_ context.Context, event Event) error {
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("escrow_id", event.EscrowID),
		slog.String("intent_id", event.IntentID),
		slog.Time("occurred_at", event.OccurredAt),
	}
	if event.MaxAttempts > 0 {
		attrs = append(attrs, slog.Int("attempts", event.Attempts), slog.Int("max_attempts", event.MaxAttempts))
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.String("meta."+k, v))
	}
	logger.Named("alerting").Error("运维告警: "+event.Message, attrs...)
	return nil
}

// MemoryNotifier 保存收到的告警，供测试与管理接口读取。
type MemoryNotifier struct {
	mu     sync.Mutex
	events []Event
}

// Channel 返回内存渠道。
func (n *MemoryNotifier) Channel() Channel { return ChannelMemory }

// Notify 保存告警。
func (n *MemoryNotifier) Notify(_ context.Context, event Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

// Events 返回已收到告警的拷贝。
func (n *MemoryNotifier) Events() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Event, len(n.events))
	copy(out, n.events)
	return out
}
