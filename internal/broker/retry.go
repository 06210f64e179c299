package broker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"next-open/internal/config"
)

// Retrier 以有界指数退避重试 ConnectivityError，其他错误立即返回。
type Retrier struct {
	maxAttempts int
	minDelay    time.Duration
	maxDelay    time.Duration
	timeout     time.Duration
	logger      *zap.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewRetrier 根据配置创建重试器。timeout 为单次调用的超时时间。
func NewRetrier(cfg config.RetryConfig, timeout time.Duration, logger *zap.Logger) *Retrier {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Retrier{
		maxAttempts: cfg.MaxAttempts,
		minDelay:    cfg.MinDelay,
		maxDelay:    cfg.MaxDelay,
		timeout:     timeout,
		logger:      logger,
		sleep:       sleepContext,
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = 1
	}
	if r.minDelay <= 0 {
		r.minDelay = 500 * time.Millisecond
	}
	if r.maxDelay <= 0 {
		r.maxDelay = 5 * time.Second
	}
	return r
}

// MaxAttempts 返回单次操作的最大尝试次数。
func (r *Retrier) MaxAttempts() int {
	return r.maxAttempts
}

// Do 执行 fn，返回实际尝试次数。
func (r *Retrier) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) (int, error) {
	attempt := 0
	delay := r.minDelay

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempt, ctxErr
		}

		attempt++
		start := time.Now()
		err := r.call(ctx, operation, fn)
		latency := time.Since(start)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("券商调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", latency),
				)
			}
			return attempt, nil
		}

		if !IsConnectivity(err) || attempt >= r.maxAttempts {
			r.logger.Warn("券商调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", latency),
				zap.Error(err),
			)
			return attempt, err
		}

		wait := delay
		if wait > r.maxDelay {
			wait = r.maxDelay
		}

		r.logger.Warn("券商调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		if sleepErr := r.sleep(ctx, wait); sleepErr != nil {
			return attempt, sleepErr
		}

		delay *= 2
		if delay > r.maxDelay {
			delay = r.maxDelay
		}
	}
}

func (r *Retrier) call(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if r.timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err := fn(callCtx)
	// 单次调用超时而外层上下文仍有效时视为暂时性故障。
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return Connectivity(operation, err)
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
