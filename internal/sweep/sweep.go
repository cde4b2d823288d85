// Package sweep 定期执行后台维护：过期超时意图、恢复未落账的网关操作、账本对账。
package sweep

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"IntentMesh/internal/ledger"
	"IntentMesh/internal/observability/alerting"
	"IntentMesh/pkg/logger"
)

const (
	JobExpire    = "expire"
	JobResume    = "resume"
	JobReconcile = "reconcile"
)

// Config 控制巡检频率与批量大小。
type Config struct {
	// Schedule 是 cron 表达式，支持 "@every 30s" 形式。
	Schedule    string        `json:"schedule" yaml:"schedule"`
	ExpireBatch int           `json:"expire_batch" yaml:"expire_batch"`
	LockKey     string        `json:"lock_key" yaml:"lock_key"`
	LockTTL     time.Duration `json:"lock_ttl" yaml:"lock_ttl"`
	// Reconcile 为 false 时跳过账本对账。
	Reconcile bool `json:"reconcile" yaml:"reconcile"`
}

// Expirer 处理超过截止时间的意图。
type Expirer interface {
	ExpireOverdue(ctx context.Context, limit int) (int, error)
}

// Resumer 恢复存在未落账操作的托管账户。
type Resumer interface {
	ResumeAll(ctx context.Context) (int, error)
}

// Reconciler 对全部托管账户执行对账。
type Reconciler interface {
	ReconcileAll(ctx context.Context) ([]ledger.Report, error)
}

// Locker 保证多实例部署时同一轮巡检只有一个实例执行。
type Locker interface {
	TryAcquire(ctx context.Context) (string, error)
	Release(ctx context.Context, token string) error
}

// Result 汇总一轮巡检。
type Result struct {
	Skipped      bool
	Expired      int
	Resumed      int
	Inconsistent int
}

// Sweeper 调度后台巡检。
type Sweeper struct {
	cfg        Config
	expirer    Expirer
	resumer    Resumer
	reconciler Reconciler
	locker     Locker
	alerts     alerting.Dispatcher
	observe    JobObserver
	log        *slog.Logger

	mu    sync.Mutex
	cron  *cron.Cron
	runMu sync.Mutex
}

// Option 定义可选配置。
type Option func(*Sweeper)

// WithLocker 设置分布式锁。
func WithLocker(l Locker) Option {
	return func(s *Sweeper) { s.locker = l }
}

// WithAlerts 设置对账失败时的告警派发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(s *Sweeper) { s.alerts = d }
}

// JobObserver 在每个任务执行后被调用，n 为任务处理的条目数。
type JobObserver func(job string, n int, err error, elapsed time.Duration)

// WithJobObserver 注册任务回调，用于指标采集。
func WithJobObserver(fn JobObserver) Option {
	return func(s *Sweeper) { s.observe = fn }
}

// New 构造 Sweeper。
func New(cfg Config, expirer Expirer, resumer Resumer, reconciler Reconciler, opts ...Option) (*Sweeper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 30s"
	}
	if cfg.ExpireBatch <= 0 {
		cfg.ExpireBatch = 100
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("巡检 cron 表达式无效 %q: %w", cfg.Schedule, err)
	}
	if expirer == nil || resumer == nil {
		return nil, stdErrors.New("巡检缺少 expirer 或 resumer")
	}
	s := &Sweeper{
		cfg:        cfg,
		expirer:    expirer,
		resumer:    resumer,
		reconciler: reconciler,
		log:        logger.Named("sweep"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Start 按配置的 cron 表达式启动调度。上一轮尚未结束时跳过本轮。
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return stdErrors.New("巡检已经启动")
	}
	cl := cronLogger{log: s.log}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			s.log.Warn("巡检出现错误", slog.Any("error", err))
		}
	}); err != nil {
		return fmt.Errorf("注册巡检任务失败: %w", err)
	}
	c.Start()
	s.cron = c
	s.log.Info("巡检已启动", slog.String("schedule", s.cfg.Schedule))
	return nil
}

// Stop 停止调度并等待正在执行的巡检结束。
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.log.Info("巡检已停止")
}

// RunOnce 立即执行一轮巡检。各任务相互独立，某个任务失败不影响其余任务。
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	var result Result
	if s.locker != nil {
		token, err := s.locker.TryAcquire(ctx)
		if err != nil {
			return result, err
		}
		if token == "" {
			s.log.Debug("其他实例正在巡检，跳过本轮")
			result.Skipped = true
			return result, nil
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), token); err != nil {
				s.log.Warn("释放巡检锁失败", slog.Any("error", err))
			}
		}()
	}

	var errs []error
	result.Expired = s.run(JobExpire, &errs, func() (int, error) {
		return s.expirer.ExpireOverdue(ctx, s.cfg.ExpireBatch)
	})
	result.Resumed = s.run(JobResume, &errs, func() (int, error) {
		return s.resumer.ResumeAll(ctx)
	})
	if s.cfg.Reconcile && s.reconciler != nil {
		result.Inconsistent = s.run(JobReconcile, &errs, func() (int, error) {
			failed, err := s.reconciler.ReconcileAll(ctx)
			for _, report := range failed {
				alerting.Raise(ctx, s.alerts, alerting.EventFromError(report.Err, report.EscrowID, ""))
			}
			return len(failed), err
		})
	}
	if result.Expired > 0 || result.Resumed > 0 || result.Inconsistent > 0 {
		s.log.Info("巡检完成",
			slog.Int("expired", result.Expired),
			slog.Int("resumed", result.Resumed),
			slog.Int("inconsistent", result.Inconsistent),
		)
	}
	return result, stdErrors.Join(errs...)
}

func (s *Sweeper) run(job string, errs *[]error, fn func() (int, error)) int {
	start := time.Now()
	n, err := fn()
	if s.observe != nil {
		s.observe(job, n, err, time.Since(start))
	}
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", job, err))
	}
	return n
}

// cronLogger 将 cron 的日志转接到 slog。
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
