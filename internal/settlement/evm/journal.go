package evm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Record 是一笔已签名转账的持久化记录。签名后、广播前写入，
// 进程崩溃后可以据此重新广播同一笔交易而不是重新签名。
type Record struct {
	IdempotencyKey string    `json:"idempotency_key"`
	TxHash         string    `json:"tx_hash"`
	RawTx          string    `json:"raw_tx"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	Amount         string    `json:"amount"`
	Asset          string    `json:"asset"`
	Nonce          uint64    `json:"nonce"`
	CreatedAt      time.Time `json:"created_at"`
}

// Journal 按幂等键保存已签名交易。
type Journal interface {
	Get(ctx context.Context, key string) (Record, bool, error)
	// Put 只在键不存在时写入。
	Put(ctx context.Context, record Record) error
}

// ErrJournaled 表示幂等键已经存在记录。
var ErrJournaled = errors.New("幂等键已存在交易记录")

// MemoryJournal 是进程内的 Journal 实现。
type MemoryJournal struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryJournal 创建内存日志。
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{records: make(map[string]Record)}
}

// Get 实现 Journal。
func (j *MemoryJournal) Get(_ context.Context, key string) (Record, bool, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	record, ok := j.records[key]
	return record, ok, nil
}

// Put 实现 Journal。
func (j *MemoryJournal) Put(_ context.Context, record Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.records[record.IdempotencyKey]; ok {
		return ErrJournaled
	}
	j.records[record.IdempotencyKey] = record
	return nil
}

// RedisJournal 将记录保存在 Redis，供多实例共享。
type RedisJournal struct {
	client goredis.Cmdable
	prefix string
}

// NewRedisJournal 创建 Redis 日志。
func NewRedisJournal(client goredis.Cmdable, prefix string) *RedisJournal {
	if prefix == "" {
		prefix = "intentmesh:evm:journal:"
	}
	return &RedisJournal{client: client, prefix: prefix}
}

// Get 实现 Journal。
func (j *RedisJournal) Get(ctx context.Context, key string) (Record, bool, error) {
	raw, err := j.client.Get(ctx, j.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("读取交易记录失败: %w", err)
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return Record{}, false, fmt.Errorf("解析交易记录失败: %w", err)
	}
	return record, true, nil
}

// Put 实现 Journal。
func (j *RedisJournal) Put(ctx context.Context, record Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化交易记录失败: %w", err)
	}
	ok, err := j.client.SetNX(ctx, j.prefix+record.IdempotencyKey, payload, 0).Result()
	if err != nil {
		return fmt.Errorf("写入交易记录失败: %w", err)
	}
	if !ok {
		return ErrJournaled
	}
	return nil
}
