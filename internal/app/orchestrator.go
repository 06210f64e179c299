package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"next-open/internal/broker"
	"next-open/internal/calendar"
	"next-open/internal/config"
	"next-open/internal/execution"
	"next-open/internal/ledger"
	"next-open/internal/monitor"
	"next-open/internal/notify"
	"next-open/internal/plan"
	"next-open/internal/position"
	"next-open/internal/signal"
	"next-open/internal/store"
)

// pipeline 持有计划与执行两条链路共享的组件。
type pipeline struct {
	broker   broker.Adapter
	reader   *position.Reader
	calendar *calendar.Calendar
	plans    *plan.Repository
	builder  *plan.Builder
	reports  *execution.ReportRepository
	engine   *execution.Engine
	monitor  *monitor.Service
	notifier *notify.Dispatcher
}

// pipelineDeps 允许测试替换券商与信号源。
type pipelineDeps struct {
	broker  broker.Adapter
	signals signal.Provider
}

func newPipeline(ctx context.Context, cfg *config.Config, s *store.Store, deps pipelineDeps, logger *zap.Logger) (*pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cal, err := calendar.New(cfg.Location(), cfg.Scheduler.Holidays)
	if err != nil {
		return nil, err
	}

	adapter := deps.broker
	if adapter == nil {
		adapter, err = broker.New(cfg.Broker, logger.Named("broker"))
		if err != nil {
			return nil, fmt.Errorf("初始化券商失败: %w", err)
		}
	}
	if string(adapter.Environment()) != cfg.Broker.Environment {
		return nil, fmt.Errorf("%w: 券商环境 %s 与配置 %s 不一致", config.ErrConfig, adapter.Environment(), cfg.Broker.Environment)
	}

	retrier := broker.NewRetrier(cfg.Broker.Retry, cfg.Broker.RequestTimeout, logger.Named("retry"))
	reader := position.NewReader(adapter, retrier, logger.Named("position"))

	plans, err := plan.NewRepository(ctx, s, logger.Named("plan"))
	if err != nil {
		return nil, fmt.Errorf("初始化计划仓库失败: %w", err)
	}

	signals := deps.signals
	if signals == nil {
		signals = signal.NewCSVProvider(cfg.Plan.SignalsDir, logger.Named("signal"))
	}
	builder := plan.NewBuilder(plan.BuilderConfig{
		StrategyID:   cfg.App.StrategyID,
		Environment:  adapter.Environment(),
		MaxPositions: cfg.Plan.MaxPositions,
		Policy:       plan.PolicyFromConfig(cfg.Plan.Quantity, 0),
	}, reader, signals, plans, logger.Named("builder"))

	journal, err := ledger.New(ctx, s, logger.Named("ledger"))
	if err != nil {
		return nil, fmt.Errorf("初始化账本失败: %w", err)
	}
	reports, err := execution.NewReportRepository(ctx, s, logger.Named("report"))
	if err != nil {
		return nil, fmt.Errorf("初始化报告仓库失败: %w", err)
	}
	locker, err := store.NewLocker(ctx, s, cfg.Execution.LockTTL, logger.Named("lock"))
	if err != nil {
		return nil, fmt.Errorf("初始化执行锁失败: %w", err)
	}

	monitorSvc, err := monitor.NewService(ctx, s, logger.Named("monitor"))
	if err != nil {
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	engine, err := execution.NewEngine(execution.Config{
		OrderType:    orderType(cfg.Execution.OrderType),
		PollTimeout:  cfg.Execution.PollTimeout,
		PollInterval: cfg.Execution.PollInterval,
	}, execution.Deps{
		Broker:   adapter,
		Reader:   reader,
		Plans:    plans,
		Ledger:   journal,
		Reports:  reports,
		Locker:   locker,
		Retrier:  retrier,
		Observer: monitorSvc,
	}, logger.Named("engine"))
	if err != nil {
		return nil, fmt.Errorf("初始化执行引擎失败: %w", err)
	}

	notifier := notify.NewDispatcher(
		notify.New(cfg.Notify, logger.Named("notify")),
		cfg.Notify.Timeout,
		logger.Named("notify"),
	)

	return &pipeline{
		broker:   adapter,
		reader:   reader,
		calendar: cal,
		plans:    plans,
		builder:  builder,
		reports:  reports,
		engine:   engine,
		monitor:  monitorSvc,
		notifier: notifier,
	}, nil
}

func orderType(raw string) broker.OrderType {
	if strings.EqualFold(raw, config.OrderTypeLimit) {
		return broker.OrderTypeLimit
	}
	return broker.OrderTypeMarket
}
