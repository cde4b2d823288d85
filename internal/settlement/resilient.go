package settlement

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"IntentMesh/pkg/logger"
)

const (
	defaultMaxFailures uint32        = 5
	defaultOpenTimeout time.Duration = 30 * time.Second
	defaultInterval    time.Duration = 60 * time.Second
)

// ResilienceConfig 配置网关调用的熔断与限流。
type ResilienceConfig struct {
	// MaxFailures 连续多少次不可用后熔断。
	MaxFailures uint32 `json:"max_failures" yaml:"max_failures"`
	// OpenTimeout 熔断后多久进入半开状态。
	OpenTimeout time.Duration `json:"open_timeout" yaml:"open_timeout"`
	// Interval 闭合状态下清零失败计数的周期。
	Interval time.Duration `json:"interval" yaml:"interval"`
	// RatePerSecond 每秒允许的调用数，0 表示不限流。
	RatePerSecond float64 `json:"rate_per_second" yaml:"rate_per_second"`
	Burst         int     `json:"burst" yaml:"burst"`
}

// Resilient 为任意 Gateway 增加熔断与限流保护。
//
// 只有 Unavailable 会计入熔断失败；Declined 是通道给出的明确答复。
type Resilient struct {
	inner   Gateway
	breaker *gobreaker.CircuitBreaker[Receipt]
	limiter *rate.Limiter
}

// NewResilient 包装 inner。
func NewResilient(inner Gateway, name string, cfg ResilienceConfig) *Resilient {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = defaultOpenTimeout
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	log := logger.Named("settlement")
	breaker := gobreaker.NewCircuitBreaker[Receipt](gobreaker.Settings{
		Name:        "settlement:" + name,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("结算网关熔断状态变化",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsUnavailable(err)
		},
	})

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return &Resilient{inner: inner, breaker: breaker, limiter: limiter}
}

// Transfer 实现 Gateway。
func (r *Resilient) Transfer(ctx context.Context, req TransferRequest) (Receipt, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return Receipt{}, Unavailable(err, "等待结算网关限流令牌失败")
		}
	}
	receipt, err := r.breaker.Execute(func() (Receipt, error) {
		return r.inner.Transfer(ctx, req)
	})
	if err != nil {
		if stdErrors.Is(err, gobreaker.ErrOpenState) || stdErrors.Is(err, gobreaker.ErrTooManyRequests) {
			return Receipt{}, Unavailable(err, "结算网关熔断中")
		}
		return Receipt{}, err
	}
	return receipt, nil
}

// Lookup 实现 Gateway。查询不经过熔断器，崩溃恢复需要在熔断期间也能确认状态。
func (r *Resilient) Lookup(ctx context.Context, key string) (Receipt, bool, error) {
	return r.inner.Lookup(ctx, key)
}

// State 返回熔断器当前状态。
func (r *Resilient) State() gobreaker.State {
	return r.breaker.State()
}

var _ Gateway = (*Resilient)(nil)
