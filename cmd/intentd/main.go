package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"IntentMesh/internal/api"
	"IntentMesh/internal/config"
	"IntentMesh/internal/coordinator"
	"IntentMesh/internal/escrow"
	"IntentMesh/internal/ledger"
	"IntentMesh/internal/market"
	"IntentMesh/internal/matching"
	"IntentMesh/internal/notify"
	"IntentMesh/internal/observability/alerting"
	"IntentMesh/internal/observability/metrics"
	"IntentMesh/internal/observability/tracing"
	"IntentMesh/internal/settlement"
	"IntentMesh/internal/settlement/evm"
	"IntentMesh/internal/storage/redis"
	"IntentMesh/internal/storage/sqlstore"
	"IntentMesh/internal/sweep"
	"IntentMesh/pkg/logger"
)

// main 是 IntentMesh 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("intentd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	lg := logger.Named("intentd")

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			lg.Warn("关闭链路追踪失败", slog.Any("error", err))
		}
	}()

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	publisher, err := notify.New(ctx, cfg.Notify)
	if err != nil {
		return err
	}
	defer publisher.Close()

	var m *metrics.Metrics
	committerOpts := []market.CommitterOption{market.WithPublisher(publisher)}
	if cfg.Metrics.Enabled {
		m = metrics.New()
		committerOpts = append(committerOpts, market.WithObserver(m.ObserveTransition))
	}
	committer := market.NewCommitter(store, committerOpts...)

	gateway, closeGateway, err := openGateway(ctx, cfg.Settlement)
	if err != nil {
		return err
	}
	defer closeGateway()

	alerts := alerting.NewFanout(alerting.LogNotifier{})
	escrowOpts := []escrow.Option{escrow.WithAlerts(alerts)}
	if m != nil {
		escrowOpts = append(escrowOpts, escrow.WithCallObserver(m.ObserveGatewayCall))
	}
	escrows, err := escrow.NewService(committer, gateway, cfg.Settlement.Config, escrowOpts...)
	if err != nil {
		return err
	}
	engine := matching.NewEngine(committer)
	coord := coordinator.New(committer, engine, escrows)
	book := ledger.NewBook(store)

	// 启动时先恢复上次退出前未落账的网关操作。
	if resumed, err := coord.ResumeAll(ctx); err != nil {
		lg.Warn("恢复未落账操作失败", slog.Any("error", err))
	} else if resumed > 0 {
		lg.Info("已恢复未落账操作", slog.Int("count", resumed))
	}

	if cfg.Sweep.Enabled {
		sweeper, closeSweeper, err := newSweeper(ctx, cfg.Sweep, coord, book, alerts, m)
		if err != nil {
			return err
		}
		defer closeSweeper()
		if err := sweeper.Start(ctx); err != nil {
			return err
		}
		defer sweeper.Stop()
	}

	serverOpts := []api.Option{}
	if m != nil {
		if cfg.Metrics.Address != "" {
			go func() {
				if err := m.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
					lg.Error("指标服务异常退出", slog.Any("error", err))
				}
			}()
		} else {
			serverOpts = append(serverOpts, api.WithMetrics(m))
		}
	}
	server := api.NewServer(api.Config{
		Address:         cfg.Server.Address,
		SubjectHeader:   cfg.Server.SubjectHeader,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Operators:       cfg.Server.Operators,
	}, coord, engine, book, serverOpts...)

	lg.Info("intentd 已启动",
		slog.String("address", cfg.Server.Address),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("settlement", cfg.Settlement.Driver),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg config.StorageConfig) (market.Store, error) {
	switch cfg.Driver {
	case "memory":
		return market.NewMemoryStore(), nil
	case string(sqlstore.DialectMySQL), string(sqlstore.DialectSQLite):
		return sqlstore.Open(ctx, cfg.SQL())
	default:
		return nil, fmt.Errorf("不支持的存储驱动: %q", cfg.Driver)
	}
}

// openGateway 构造结算网关，并统一包上熔断与限流。
func openGateway(ctx context.Context, cfg config.SettlementConfig) (settlement.Gateway, func(), error) {
	switch cfg.Driver {
	case "memory":
		return settlement.NewResilient(settlement.NewMemoryGateway(), "memory", cfg.Resilience), func() {}, nil
	case "evm":
		journal, closeJournal, err := openJournal(ctx, cfg.Journal)
		if err != nil {
			return nil, nil, err
		}
		gw, err := evm.Dial(ctx, cfg.EVM, journal)
		if err != nil {
			closeJournal()
			return nil, nil, err
		}
		closer := func() {
			gw.Close()
			closeJournal()
		}
		return settlement.NewResilient(gw, "evm", cfg.Resilience), closer, nil
	default:
		return nil, nil, fmt.Errorf("不支持的结算驱动: %q", cfg.Driver)
	}
}

func openJournal(ctx context.Context, cfg config.JournalConfig) (evm.Journal, func(), error) {
	switch cfg.Driver {
	case "memory":
		return evm.NewMemoryJournal(), func() {}, nil
	case "redis":
		client, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return evm.NewRedisJournal(client, cfg.Prefix), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("不支持的结算日志驱动: %q", cfg.Driver)
	}
}

func newSweeper(ctx context.Context, cfg config.SweepConfig, coord *coordinator.Coordinator,
	book *ledger.Book, alerts alerting.Dispatcher, m *metrics.Metrics) (*sweep.Sweeper, func(), error) {
	opts := []sweep.Option{sweep.WithAlerts(alerts)}
	if m != nil {
		opts = append(opts, sweep.WithJobObserver(m.ObserveSweep))
	}
	closer := func() {}
	if cfg.Redis.Address != "" {
		client, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		lock, err := redis.NewLock(client, cfg.LockKey, cfg.LockTTL)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		opts = append(opts, sweep.WithLocker(lock))
		closer = func() { _ = client.Close() }
	}
	sweeper, err := sweep.New(cfg.Config, coord, coord, book, opts...)
	if err != nil {
		closer()
		return nil, nil, err
	}
	return sweeper, closer, nil
}
