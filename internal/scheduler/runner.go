package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job 为一次定时任务，返回的错误只记录日志。
type Job func(ctx context.Context) error

// Runner 按 cron 表达式（含秒）在交易所时区运行任务。
type Runner struct {
	cron    *cron.Cron
	logger  *zap.Logger
	baseCtx context.Context
}

// New 创建调度器。同一任务上一次未结束时跳过本次触发。
func New(baseCtx context.Context, loc *time.Location, logger *zap.Logger) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	cl := cronLogger{logger: logger.Sugar()}
	return &Runner{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		baseCtx: baseCtx,
	}
}

// Add 注册任务。
func (r *Runner) Add(name, spec string, job Job) (cron.EntryID, error) {
	id, err := r.cron.AddFunc(spec, func() { r.run(name, job) })
	if err != nil {
		return 0, fmt.Errorf("scheduler: 无效的 cron 表达式 %s=%q: %w", name, spec, err)
	}
	r.logger.Info("注册定时任务", zap.String("job", name), zap.String("spec", spec))
	return id, nil
}

// Run 启动调度并阻塞到 ctx 结束，返回前等待运行中的任务完成。
func (r *Runner) Run(ctx context.Context) {
	r.cron.Start()
	r.logger.Info("调度器已启动", zap.Int("jobs", len(r.cron.Entries())))
	<-ctx.Done()
	stopped := r.cron.Stop()
	<-stopped.Done()
	r.logger.Info("调度器已停止")
}

// Next 返回任务的下一次触发时间。
func (r *Runner) Next(id cron.EntryID) time.Time {
	return r.cron.Entry(id).Next
}

func (r *Runner) run(name string, job Job) {
	if err := r.baseCtx.Err(); err != nil {
		return
	}
	start := time.Now()
	r.logger.Info("定时任务开始", zap.String("job", name))
	if err := job(r.baseCtx); err != nil {
		r.logger.Error("定时任务失败", zap.String("job", name), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return
	}
	r.logger.Info("定时任务完成", zap.String("job", name), zap.Duration("elapsed", time.Since(start)))
}

// cronLogger 将 cron 内部日志转到 zap。
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
