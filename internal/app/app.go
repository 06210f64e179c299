package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"next-open/internal/broker"
	"next-open/internal/calendar"
	"next-open/internal/config"
	"next-open/internal/execution"
	"next-open/internal/log"
	"next-open/internal/monitor"
	"next-open/internal/notify"
	"next-open/internal/plan"
	"next-open/internal/scheduler"
	"next-open/internal/store"
	"next-open/internal/universe"
)

// ErrNotTradingDay 表示当天休市，计划与执行均跳过。
var ErrNotTradingDay = errors.New("app: not a trading day")

// BuildOptions 控制一次计划生成。
type BuildOptions struct {
	// Target 非零时直接作为目标交易日，不做交易日推算。
	Target        time.Time
	UniverseLimit int
	Qty           int64
	Overwrite     bool
}

// ExecuteOptions 控制一次计划执行。
type ExecuteOptions struct {
	DryRun bool
}

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
	p      *pipeline
	now    func() time.Time
}

// New 创建 App 实例并初始化全部组件。
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, s *store.Store) (*App, error) {
	return newApp(ctx, cfg, logger, s, pipelineDeps{})
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, s *store.Store, deps pipelineDeps) (*App, error) {
	if cfg == nil || s == nil {
		return nil, errors.New("app: 配置与存储不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	p, err := newPipeline(ctx, cfg, s, deps, logger)
	if err != nil {
		return nil, err
	}
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  s,
		p:      p,
		now:    time.Now,
	}, nil
}

// BuildPlan 在 asOf 所在交易日收盘后生成下一交易日的计划。
func (a *App) BuildPlan(ctx context.Context, asOf time.Time, opts BuildOptions) (*plan.Plan, error) {
	loc := a.cfg.Location()
	target := opts.Target
	if target.IsZero() {
		if asOf.IsZero() {
			asOf = a.now()
		}
		if !a.p.calendar.IsTradingDay(asOf) {
			key := plan.NewKey(asOf.In(loc), a.cfg.App.StrategyID)
			a.p.monitor.RecordPlanSkip(ctx, key, "not_trading_day")
			return nil, fmt.Errorf("%w: %s", ErrNotTradingDay, asOf.In(loc).Format(calendar.HolidayLayout))
		}
		target = a.p.calendar.NextTradingDay(asOf)
	}
	target = calendar.Midnight(target.In(loc))
	key := plan.NewKey(target, a.cfg.App.StrategyID)
	logger := log.ForRun(a.logger, "plan", key.TargetDate, key.StrategyID)

	limit := opts.UniverseLimit
	if limit <= 0 {
		limit = a.cfg.Plan.UniverseLimit
	}
	a.p.monitor.RecordPlanStart(ctx, key)

	u, err := universe.LoadCSV(a.cfg.Plan.UniversePath, limit)
	if err != nil {
		a.fail(ctx, "plan", key, err)
		return nil, err
	}

	req := plan.BuildRequest{Date: target, Universe: u, Overwrite: opts.Overwrite}
	if opts.Qty > 0 {
		req.Policy = plan.PolicyFromConfig(a.cfg.Plan.Quantity, opts.Qty)
	}

	p, err := a.p.builder.Build(ctx, req)
	if errors.Is(err, plan.ErrPlanAlreadyExists) {
		logger.Warn("计划已存在，跳过生成", zap.Error(err))
		a.p.monitor.RecordPlanSkip(ctx, key, "plan_exists")
		a.p.notifier.Notify(notify.FormatPlanSkipped(key.String(), "plan already exists"))
		return nil, err
	}
	if err != nil {
		a.fail(ctx, "plan", key, err)
		return nil, err
	}

	a.p.monitor.RecordPlan(ctx, p)
	a.p.notifier.Notify(notify.FormatPlan(p))
	return p, nil
}

// ExecutePlan 执行 date 所在交易日的计划，可重复调用。
func (a *App) ExecutePlan(ctx context.Context, date time.Time, opts ExecuteOptions) (*execution.Report, error) {
	if date.IsZero() {
		date = a.now()
	}
	key := plan.NewKey(date.In(a.cfg.Location()), a.cfg.App.StrategyID)
	dryRun := opts.DryRun || a.cfg.Execution.DryRun
	logger := log.ForRun(a.logger, "execute", key.TargetDate, key.StrategyID)

	a.p.monitor.RecordExecStart(ctx, key, dryRun)
	a.seedPaperQuotes(ctx, key)

	report, err := a.p.engine.Execute(ctx, key, execution.Options{DryRun: dryRun})
	if err != nil {
		if errors.Is(err, store.ErrLocked) {
			logger.Warn("计划正在由其他进程执行", zap.Error(err))
		}
		a.fail(ctx, "execute", key, err)
		return report, err
	}

	a.p.monitor.RecordReport(ctx, report)
	a.p.notifier.Notify(notify.FormatReport(report))
	return report, nil
}

// seedPaperQuotes 用计划参考价作为模拟券商的市价成交价。
func (a *App) seedPaperQuotes(ctx context.Context, key plan.Key) {
	paper, ok := a.p.broker.(*broker.Paper)
	if !ok {
		return
	}
	p, err := a.p.plans.Load(ctx, key)
	if err != nil {
		return
	}
	for _, item := range p.Items {
		if item.RefPrice != nil {
			paper.SetQuote(item.Symbol, *item.RefPrice)
		}
	}
}

func (a *App) fail(ctx context.Context, stage string, key plan.Key, err error) {
	a.p.monitor.RecordError(ctx, stage+" failed", err, map[string]interface{}{"plan": key.String()})
	a.p.notifier.Notify(notify.FormatError(stage, key.String(), err))
}

// Schedule 运行定时任务与监控接口，直到 ctx 结束。
func (a *App) Schedule(ctx context.Context) error {
	runner := scheduler.New(ctx, a.cfg.Location(), a.logger.Named("scheduler"))

	if _, err := runner.Add("plan", a.cfg.Scheduler.PlanCron, func(ctx context.Context) error {
		_, err := a.BuildPlan(ctx, time.Time{}, BuildOptions{})
		if errors.Is(err, ErrNotTradingDay) || errors.Is(err, plan.ErrPlanAlreadyExists) {
			a.logger.Info("跳过计划生成", zap.Error(err))
			return nil
		}
		return err
	}); err != nil {
		return fmt.Errorf("%w: %w", config.ErrConfig, err)
	}

	if _, err := runner.Add("execute", a.cfg.Scheduler.ExecuteCron, func(ctx context.Context) error {
		now := a.now()
		if !a.p.calendar.IsTradingDay(now) {
			a.logger.Info("非交易日，跳过执行")
			return nil
		}
		report, err := a.ExecutePlan(ctx, now, ExecuteOptions{})
		if err != nil {
			return err
		}
		if report.Overall == execution.StatusFailed {
			return fmt.Errorf("执行失败: %s", report.Key)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("%w: %w", config.ErrConfig, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		runner.Run(gctx)
		return nil
	})
	if a.cfg.Monitor.Addr != "" {
		g.Go(func() error {
			return a.Serve(gctx)
		})
	}
	return g.Wait()
}

// Serve 运行只读监控接口，直到 ctx 结束。
func (a *App) Serve(ctx context.Context) error {
	return serveMonitor(ctx, a.cfg.Monitor.Addr, a.Handler(), a.logger.Named("http"))
}

// Handler 返回监控接口的 HTTP 处理器。
func (a *App) Handler() http.Handler {
	return monitor.NewHandler(monitor.Sources{
		StrategyID: a.cfg.App.StrategyID,
		Events:     a.p.monitor,
		Plans:      a.p.plans,
		Reports:    a.p.reports,
		Positions:  a.p.reader,
	}, a.logger.Named("http"))
}

// Close 等待在途通知发出。
func (a *App) Close() {
	a.p.notifier.Flush(a.cfg.Notify.Timeout + time.Second)
}
