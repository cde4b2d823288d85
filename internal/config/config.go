package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"IntentMesh/internal/escrow"
	"IntentMesh/internal/notify"
	"IntentMesh/internal/observability/tracing"
	"IntentMesh/internal/settlement"
	"IntentMesh/internal/settlement/evm"
	"IntentMesh/internal/storage/redis"
	"IntentMesh/internal/storage/sqlstore"
	"IntentMesh/internal/sweep"
	"IntentMesh/pkg/logger"
)

// EnvPath 是指定配置文件路径的环境变量。
const EnvPath = "INTENTMESH_CONFIG"

// DefaultPath 是未设置环境变量时使用的配置文件。
const DefaultPath = "configs/intentmesh.yaml"

// Config 描述了 IntentMesh 在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Notify     notify.Config    `json:"notify" yaml:"notify"`
	Settlement SettlementConfig `json:"settlement" yaml:"settlement"`
	Sweep      SweepConfig      `json:"sweep" yaml:"sweep"`
	Logging    logger.Config    `json:"logging" yaml:"logging"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
	Tracing    tracing.Config   `json:"tracing" yaml:"tracing"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address" yaml:"address"`
	// SubjectHeader 是上游网关注入的调用方身份头。
	SubjectHeader string        `json:"subject_header" yaml:"subject_header"`
	ReadTimeout   time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout  time.Duration `json:"write_timeout" yaml:"write_timeout"`
	// ShutdownTimeout 是优雅退出时等待在途请求的时长。
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	// Operators 是可以裁决争议、触发对账的用户 ID。
	Operators []string `json:"operators" yaml:"operators"`
}

// StorageConfig 选择存储后端。driver 为 memory 时其余字段被忽略。
type StorageConfig struct {
	Driver          string        `json:"driver" yaml:"driver"`
	DSN             string        `json:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" yaml:"conn_max_idle_time"`
}

// SQL 转换为 sqlstore 的连接配置。
func (s StorageConfig) SQL() sqlstore.Config {
	return sqlstore.Config{
		Driver:          sqlstore.Dialect(s.Driver),
		DSN:             s.DSN,
		MaxOpenConns:    s.MaxOpenConns,
		MaxIdleConns:    s.MaxIdleConns,
		ConnMaxLifetime: s.ConnMaxLifetime,
		ConnMaxIdleTime: s.ConnMaxIdleTime,
	}
}

// SettlementConfig 描述托管状态机与结算网关。
type SettlementConfig struct {
	// Driver 为 memory 或 evm。
	Driver        string `json:"driver" yaml:"driver"`
	escrow.Config `yaml:",inline"`
	Resilience    settlement.ResilienceConfig `json:"resilience" yaml:"resilience"`
	EVM           evm.Config                  `json:"evm" yaml:"evm"`
	Journal       JournalConfig               `json:"journal" yaml:"journal"`
}

// JournalConfig 选择 EVM 网关的幂等日志存放位置。
type JournalConfig struct {
	// Driver 为 memory 或 redis。
	Driver string       `json:"driver" yaml:"driver"`
	Redis  redis.Config `json:"redis" yaml:"redis"`
	Prefix string       `json:"prefix" yaml:"prefix"`
}

// SweepConfig 控制后台巡检。
type SweepConfig struct {
	Enabled      bool `json:"enabled" yaml:"enabled"`
	sweep.Config `yaml:",inline"`
	// Redis 非空时使用分布式锁保证多实例只有一个执行巡检。
	Redis redis.Config `json:"redis" yaml:"redis"`
}

// MetricsConfig 控制 Prometheus 指标端点。
type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Address 为空时指标挂在 API 服务的 /metrics 上，否则单独监听。
	Address string `json:"address" yaml:"address"`
}

// PathFromEnv 返回配置文件路径。
func PathFromEnv() string {
	if path := os.Getenv(EnvPath); path != "" {
		return path
	}
	return DefaultPath
}

// Load 解析指定路径的配置文件。扩展名为 .json 时按 JSON 解析，其余按 YAML 解析。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg, err := Parse(content, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 按扩展名解析配置内容，不填充默认值。
func Parse(content []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	default:
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.SubjectHeader == "" {
		c.Server.SubjectHeader = "X-User-ID"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	// SQLite 文件相对于配置文件所在目录。
	if c.Storage.Driver == string(sqlstore.DialectSQLite) && c.Storage.DSN != "" &&
		!strings.HasPrefix(c.Storage.DSN, ":") && !strings.HasPrefix(c.Storage.DSN, "file:") &&
		!filepath.IsAbs(c.Storage.DSN) {
		c.Storage.DSN = filepath.Join(baseDir, c.Storage.DSN)
	}

	if c.Notify.Driver == "" {
		c.Notify.Driver = "none"
	}

	if c.Settlement.Driver == "" {
		c.Settlement.Driver = "memory"
	}
	if c.Settlement.Journal.Driver == "" {
		c.Settlement.Journal.Driver = "memory"
	}

	if c.Sweep.Schedule == "" {
		c.Sweep.Schedule = "@every 30s"
	}
	if c.Sweep.LockKey == "" {
		c.Sweep.LockKey = "intentmesh:sweep"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "intentmesh"
	}
}

// Validate 校验组合配置是否自洽。各组件自身的参数在构造时另行校验。
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "memory":
	case string(sqlstore.DialectMySQL), string(sqlstore.DialectSQLite):
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.dsn 不能为空（driver=%s）", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的存储驱动: %q", c.Storage.Driver))
	}

	switch c.Settlement.Driver {
	case "memory":
	case "evm":
		if c.Settlement.EVM.RPCURL == "" {
			errs = append(errs, errors.New("settlement.evm.rpc_url 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的结算驱动: %q", c.Settlement.Driver))
	}
	switch c.Settlement.Journal.Driver {
	case "memory":
	case "redis":
		if c.Settlement.Journal.Redis.Address == "" {
			errs = append(errs, errors.New("settlement.journal.redis.address 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的结算日志驱动: %q", c.Settlement.Journal.Driver))
	}
	if c.Settlement.HoldingAddress == "" {
		errs = append(errs, errors.New("settlement.holding_address 不能为空"))
	}

	switch c.Notify.Driver {
	case "none", "memory", "redis", "rabbitmq":
	default:
		errs = append(errs, fmt.Errorf("不支持的通知驱动: %q", c.Notify.Driver))
	}
	return errors.Join(errs...)
}
