package market

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "IntentMesh/internal/errors"
	"IntentMesh/pkg/logger"
)

// DefaultRetryAttempts 是版本冲突时整体重试的默认次数。
const DefaultRetryAttempts = 5

// Committer 将变更集写入存储，并在提交成功后派发状态事件。
type Committer struct {
	store     Store
	publisher Publisher
	clock     func() time.Time
	observers []func(StatusEvent)
}

// CommitterOption 定义可选配置。
type CommitterOption func(*Committer)

// WithPublisher 指定状态事件的投递目标。
func WithPublisher(p Publisher) CommitterOption {
	return func(c *Committer) {
		if p != nil {
			c.publisher = p
		}
	}
}

// WithClock 替换时间源，主要用于测试。
func WithClock(clock func() time.Time) CommitterOption {
	return func(c *Committer) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithObserver 注册一个同步观察者，例如指标采集。
func WithObserver(fn func(StatusEvent)) CommitterOption {
	return func(c *Committer) {
		if fn != nil {
			c.observers = append(c.observers, fn)
		}
	}
}

// NewCommitter 构造 Committer。
func NewCommitter(store Store, opts ...CommitterOption) *Committer {
	c := &Committer{
		store:     store,
		publisher: NopPublisher{},
		clock:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Store 返回底层存储。
func (c *Committer) Store() Store {
	return c.store
}

// Now 返回当前时间（UTC）。
func (c *Committer) Now() time.Time {
	return c.clock().UTC()
}

// Commit 原子提交变更集并派发事件。
func (c *Committer) Commit(ctx context.Context, cs *Changeset) error {
	if cs.Empty() {
		return nil
	}
	if err := c.store.Apply(ctx, cs); err != nil {
		return err
	}
	c.Announce(ctx, cs.Events(c.Now())...)
	return nil
}

// Announce 派发状态事件。投递失败只记录日志，不影响已提交的状态。
func (c *Committer) Announce(ctx context.Context, events ...StatusEvent) {
	for _, event := range events {
		logger.Audit().Info("状态变更",
			slog.String("entity", string(event.Entity)),
			slog.String("id", event.ID),
			slog.String("intent_id", event.IntentID),
			slog.String("from", event.From),
			slog.String("to", event.To),
		)
		for _, observe := range c.observers {
			observe(event)
		}
		if err := c.publisher.Publish(ctx, event); err != nil {
			if _, ok := xerrors.From(err); !ok {
				err = xerrors.Wrap(xerrors.CodePublishFailure, err, "状态事件投递失败")
			}
			logger.L().Warn("状态事件投递失败",
				slog.String("code", string(xerrors.CodeOf(err))),
				slog.Any("error", err),
				slog.String("entity", string(event.Entity)),
				slog.String("id", event.ID),
			)
		}
	}
}

// Retry 在遇到版本冲突时从头重新执行 fn，超过次数后返回 STALE_STATE。
func Retry(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = DefaultRetryAttempts
	}
	var err error
	for i := 0; i < attempts; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = fn(ctx)
		if err == nil || !stdErrors.Is(err, ErrVersionConflict) {
			return err
		}
	}
	return Stalef("并发冲突重试 %d 次后仍未成功: %v", attempts, err)
}
