package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"next-open/internal/app"
	"next-open/internal/config"
	"next-open/internal/execution"
	"next-open/internal/log"
	"next-open/internal/plan"
	"next-open/internal/store"
)

const (
	exitOK          = 0
	exitError       = 1
	exitConfig      = 2
	exitPlanExists  = 3
	exitFailed      = 4
	exitEnvMismatch = 5
	exitLocked      = 6
)

const usage = `用法: trader <command> [flags]

命令:
  plan      生成下一交易日的计划
  execute   执行当日计划
  schedule  按 cron 定时运行计划与执行，并提供监控接口
  serve     只运行监控接口
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return exitConfig
	}
	cmd, args := args[0], args[1:]

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	var configPath string
	fs.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")

	var (
		date          string
		universeLimit int
		qty           int64
		overwrite     bool
		dryRun        bool
	)
	switch cmd {
	case "plan":
		fs.StringVar(&date, "date", "", "目标交易日 YYYYMMDD，默认为下一交易日")
		fs.IntVar(&universeLimit, "universe-limit", 0, "标的池数量上限，0 使用配置值")
		fs.Int64Var(&qty, "qty", 0, "固定下单数量，0 使用配置的数量策略")
		fs.BoolVar(&overwrite, "overwrite", false, "覆盖已存在的计划")
	case "execute":
		fs.StringVar(&date, "date", "", "计划日期 YYYYMMDD，默认为今天")
		fs.BoolVar(&dryRun, "dry-run", false, "只核对不下单")
	case "schedule", "serve":
	default:
		fmt.Fprintf(os.Stderr, "未知命令 %q\n\n%s", cmd, usage)
		return exitConfig
	}
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		return exitConfig
	}

	var day time.Time
	if date != "" {
		day, err = time.ParseInLocation(plan.DateLayout, date, cfg.Location())
		if err != nil {
			fmt.Fprintf(os.Stderr, "--date 格式应为 YYYYMMDD: %v\n", err)
			return exitConfig
		}
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		return exitConfig
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		return exitError
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tradingApp, err := app.New(ctx, cfg, logger, sqliteStore)
	if err != nil {
		logger.Error("初始化失败", zap.Error(err))
		return exitCode(err)
	}
	defer tradingApp.Close()

	switch cmd {
	case "plan":
		p, err := tradingApp.BuildPlan(ctx, time.Time{}, app.BuildOptions{
			Target:        day,
			UniverseLimit: universeLimit,
			Qty:           qty,
			Overwrite:     overwrite,
		})
		if errors.Is(err, app.ErrNotTradingDay) {
			logger.Info("非交易日，未生成计划")
			return exitOK
		}
		if err != nil {
			logger.Error("生成计划失败", zap.Error(err))
			return exitCode(err)
		}
		buys, sells := p.Counts()
		logger.Info("计划已保存", zap.String("plan", p.Key.String()), zap.Int("buy", buys), zap.Int("sell", sells))
		return exitOK

	case "execute":
		report, err := tradingApp.ExecutePlan(ctx, day, app.ExecuteOptions{DryRun: dryRun})
		if err != nil {
			logger.Error("执行计划失败", zap.Error(err))
			return exitCode(err)
		}
		logger.Info("执行结束",
			zap.String("plan", report.Key.String()),
			zap.String("overall", string(report.Overall)),
			zap.String("attempt_id", report.AttemptID),
		)
		if report.Overall == execution.StatusFailed {
			return exitFailed
		}
		return exitOK

	case "schedule":
		if err := tradingApp.Schedule(ctx); err != nil {
			logger.Error("调度异常退出", zap.Error(err))
			return exitCode(err)
		}
	case "serve":
		if err := tradingApp.Serve(ctx); err != nil {
			logger.Error("监控服务异常退出", zap.Error(err))
			return exitCode(err)
		}
	}

	logger.Info("系统已安全退出")
	return exitOK
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, config.ErrConfig):
		return exitConfig
	case errors.Is(err, plan.ErrPlanAlreadyExists):
		return exitPlanExists
	case errors.Is(err, execution.ErrEnvironmentMismatch):
		return exitEnvMismatch
	case errors.Is(err, store.ErrLocked):
		return exitLocked
	default:
		return exitFailed
	}
}
