package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Dispatcher 异步发送通知，失败只记录日志，从不阻塞调用方。
type Dispatcher struct {
	notifier Notifier
	timeout  time.Duration
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// NewDispatcher 创建异步分发器。
func NewDispatcher(notifier Notifier, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if notifier == nil {
		notifier = NewLog(logger)
	}
	return &Dispatcher{notifier: notifier, timeout: timeout, logger: logger}
}

// Notify 立即返回；发送在后台以独立超时进行。
func (d *Dispatcher) Notify(text string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Warn("通知发送 panic", zap.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		done := make(chan error, 1)
		go func() { done <- d.notifier.Send(ctx, text) }()

		select {
		case err := <-done:
			if err != nil {
				d.logger.Warn("通知发送失败", zap.Error(err))
			}
		case <-ctx.Done():
			d.logger.Warn("通知发送超时", zap.Duration("timeout", d.timeout))
		}
	}()
}

// Flush 等待在途通知，最多等待 max。
func (d *Dispatcher) Flush(max time.Duration) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(max):
		d.logger.Warn("等待通知发送超时，放弃剩余通知")
	}
}
