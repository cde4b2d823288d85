package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Config 描述 Redis 连接参数。
type Config struct {
	Address     string        `json:"address" yaml:"address"`
	Password    string        `json:"password" yaml:"password"`
	DB          int           `json:"db" yaml:"db"`
	DialTimeout time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
}

// NewClient 创建客户端并确认连通性。
func NewClient(ctx context.Context, cfg Config) (*goredis.Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	opts := &goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return client, nil
}
