package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// releaseScript 只在锁仍由当前持有者占用时删除。
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock 是基于 SET NX PX 的租约锁，过期后自动释放。
type Lock struct {
	client goredis.Cmdable
	key    string
	ttl    time.Duration
}

// NewLock 创建租约锁。
func NewLock(client goredis.Cmdable, key string, ttl time.Duration) (*Lock, error) {
	if client == nil {
		return nil, errors.New("Redis 客户端不能为空")
	}
	if key == "" {
		return nil, errors.New("锁的 key 不能为空")
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Lock{client: client, key: key, ttl: ttl}, nil
}

// TryAcquire 尝试获取锁。成功时返回用于释放的令牌，锁被他人持有时返回空令牌。
func (l *Lock) TryAcquire(ctx context.Context) (string, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("获取锁 %s 失败: %w", l.key, err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// Release 释放令牌对应的锁，锁已过期或被他人持有时静默返回。
func (l *Lock) Release(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("释放锁 %s 失败: %w", l.key, err)
	}
	return nil
}
