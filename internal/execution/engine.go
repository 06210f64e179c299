package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"next-open/internal/broker"
	"next-open/internal/config"
	"next-open/internal/ledger"
	"next-open/internal/plan"
	"next-open/internal/position"
	"next-open/internal/store"
)

type planLoader interface {
	Load(ctx context.Context, key plan.Key) (*plan.Plan, error)
}

type journal interface {
	Append(ctx context.Context, e ledger.Entry) error
	State(ctx context.Context, key plan.Key) (map[ledger.ItemKey]ledger.Entry, error)
	Entries(ctx context.Context, key plan.Key) ([]ledger.Entry, error)
}

type reportStore interface {
	Begin(ctx context.Context, key plan.Key, env broker.Environment, dryRun bool, startedAt time.Time) (Attempt, error)
	Finish(ctx context.Context, report *Report) error
	Unfinished(ctx context.Context, key plan.Key) ([]Attempt, error)
}

type locker interface {
	Acquire(ctx context.Context, name string) (store.Lease, error)
	Renew(ctx context.Context, lease store.Lease) (store.Lease, error)
	Release(ctx context.Context, lease store.Lease) error
}

type snapshotTaker interface {
	Take(ctx context.Context) (position.Snapshot, error)
}

// Deps 为执行引擎的协作者。
type Deps struct {
	Broker   broker.Adapter
	Reader   snapshotTaker
	Plans    planLoader
	Ledger   journal
	Reports  reportStore
	Locker   locker
	Retrier  *broker.Retrier
	Observer Observer
}

// Engine 按计划顺序逐笔下单，并通过账本保证重复执行不会重复下单。
type Engine struct {
	cfg      Config
	broker   broker.Adapter
	reader   snapshotTaker
	plans    planLoader
	ledger   journal
	reports  reportStore
	locker   locker
	retrier  *broker.Retrier
	observer Observer
	logger   *zap.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewEngine 创建执行引擎。
func NewEngine(cfg Config, deps Deps, logger *zap.Logger) (*Engine, error) {
	if deps.Broker == nil || deps.Reader == nil || deps.Plans == nil || deps.Ledger == nil || deps.Reports == nil || deps.Locker == nil {
		return nil, errors.New("execution: 依赖不完整")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Retrier == nil {
		deps.Retrier = broker.NewRetrier(config.RetryConfig{MaxAttempts: 1}, 0, logger)
	}
	if cfg.OrderType == "" {
		cfg.OrderType = broker.OrderTypeMarket
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	return &Engine{
		cfg:      cfg,
		broker:   deps.Broker,
		reader:   deps.Reader,
		plans:    deps.Plans,
		ledger:   deps.Ledger,
		reports:  deps.Reports,
		locker:   deps.Locker,
		retrier:  deps.Retrier,
		observer: deps.Observer,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepContext,
	}, nil
}

type workItem struct {
	item          plan.Item
	key           ledger.ItemKey
	qty           int64
	resumeOrderID string
	done          bool
	result        ItemResult
}

type run struct {
	plan    *plan.Plan
	attempt Attempt
	dryRun  bool
	logger  *zap.Logger
}

// Execute 执行一份已持久化的计划。环境不一致、计划缺失或锁被占用时在任何下单之前返回错误。
func (e *Engine) Execute(ctx context.Context, key plan.Key, opts Options) (*Report, error) {
	lease, err := e.locker.Acquire(ctx, "execute:"+key.String())
	if err != nil {
		return nil, err
	}
	defer func() {
		if relErr := e.locker.Release(context.WithoutCancel(ctx), lease); relErr != nil {
			e.logger.Warn("释放执行锁失败", zap.String("plan", key.String()), zap.Error(relErr))
		}
	}()

	p, err := e.plans.Load(ctx, key)
	if err != nil {
		return nil, err
	}

	env := e.broker.Environment()
	if p.Environment != env {
		return nil, fmt.Errorf("%w: plan=%s configured=%s", ErrEnvironmentMismatch, p.Environment, env)
	}

	if err := e.recoverAborted(ctx, p); err != nil {
		return nil, err
	}

	attempt, err := e.reports.Begin(ctx, key, env, opts.DryRun, e.now())
	if err != nil {
		return nil, err
	}
	r := &run{
		plan:    p,
		attempt: attempt,
		dryRun:  opts.DryRun,
		logger: e.logger.With(
			zap.String("plan", key.String()),
			zap.String("attempt_id", attempt.ID),
			zap.String("environment", string(env)),
			zap.Bool("dry_run", opts.DryRun),
		),
	}

	work, err := e.load(ctx, r)
	if err != nil {
		return nil, err
	}

	r.logger.Info("执行阶段", zap.String("state", string(StateReconciling)))
	snap, snapErr := e.reader.Take(ctx)
	if snapErr != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("execution: 执行被中断: %w", ctx.Err())
		}
		r.logger.Error("获取持仓快照失败，剩余条目不提交", zap.Error(snapErr))
		for _, w := range work {
			if !w.done {
				e.finish(ctx, r, w, ledger.StatusError, ReasonSnapshotUnavailable, false)
			}
		}
	} else {
		e.reconcile(ctx, r, snap, work)
	}

	r.logger.Info("执行阶段", zap.String("state", string(StateSubmitting)))
	for _, w := range work {
		if w.done {
			continue
		}
		if r.dryRun {
			w.result.SubmittedQty = w.qty
			e.finish(ctx, r, w, ledger.StatusSkipped, ReasonDryRun, false)
			continue
		}
		// 每笔下单前续期，确认锁仍归本进程所有。
		if lease, err = e.locker.Renew(ctx, lease); err != nil {
			r.logger.Error("执行锁已失效，停止下单，剩余条目由下次执行恢复", zap.Error(err))
			return nil, fmt.Errorf("execution: 执行锁失效: %w", err)
		}
		e.submit(ctx, r, w)
		if ctx.Err() != nil {
			r.logger.Warn("执行被中断，未完成的条目将在下次执行时恢复", zap.Error(ctx.Err()))
			return nil, fmt.Errorf("execution: 执行被中断: %w", ctx.Err())
		}
	}

	r.logger.Info("执行阶段", zap.String("state", string(StateFinalizing)))
	report := &Report{
		AttemptID:   attempt.ID,
		Key:         key,
		Environment: env,
		DryRun:      opts.DryRun,
		StartedAt:   attempt.StartedAt,
		FinishedAt:  e.now(),
		Items:       make([]ItemResult, 0, len(work)),
	}
	for _, w := range work {
		report.Items = append(report.Items, w.result)
	}
	report.Overall = overall(report.Items)

	if err := e.reports.Finish(context.WithoutCancel(ctx), report); err != nil {
		return report, err
	}

	tally := report.Tally()
	r.logger.Info("执行完成",
		zap.String("overall", string(report.Overall)),
		zap.Int("filled", tally[ledger.StatusFilled]),
		zap.Int("submitted", tally[ledger.StatusSubmitted]),
		zap.Int("skipped", tally[ledger.StatusSkipped]),
		zap.Int("rejected", tally[ledger.StatusRejected]),
		zap.Int("error", tally[ledger.StatusError]),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report, nil
}

// load 根据账本确定每个条目的起始状态。
func (e *Engine) load(ctx context.Context, r *run) ([]*workItem, error) {
	r.logger.Info("执行阶段", zap.String("state", string(StateLoaded)), zap.Int("items", len(r.plan.Items)))

	state, err := e.ledger.State(ctx, r.plan.Key)
	if err != nil {
		return nil, err
	}

	work := make([]*workItem, 0, len(r.plan.Items))
	for _, item := range r.plan.Items {
		w := &workItem{
			item: item,
			key:  ledger.ItemKey{Symbol: item.Symbol, Action: item.Action},
			qty:  item.Qty,
			result: ItemResult{
				Symbol:       item.Symbol,
				Action:       item.Action,
				RequestedQty: item.Qty,
			},
		}
		work = append(work, w)

		entry, ok := state[w.key]
		if !ok {
			continue
		}
		switch {
		case entry.Terminal:
			w.result.OrderID = entry.OrderID
			e.finish(ctx, r, w, ledger.StatusSkipped, ReasonAlreadyExecuted, false)
		case entry.Status == ledger.StatusSubmitted && entry.OrderID != "":
			w.resumeOrderID = entry.OrderID
			w.result.OrderID = entry.OrderID
			r.logger.Info("恢复已提交委托，改为查询成交", zap.String("item", w.key.String()), zap.String("order_id", entry.OrderID))
		default:
			// 只有意向记录没有委托号，无法确认券商是否已受理，不能重新提交。
			r.logger.Error("发现未确认的提交，标记为错误", zap.String("item", w.key.String()))
			e.finish(ctx, r, w, ledger.StatusError, ReasonIndeterminateSubmission, true)
		}
	}
	return work, nil
}

// reconcile 用最新快照过滤条目：未持有的卖出跳过，卖出数量不超过持仓。
func (e *Engine) reconcile(ctx context.Context, r *run, snap position.Snapshot, work []*workItem) {
	projected := snap.Count()
	for _, w := range work {
		if w.done {
			continue
		}
		held := snap.Held(w.item.Symbol)
		switch {
		case w.resumeOrderID != "":
			if w.item.Action == plan.ActionBuy && held == 0 {
				projected++
			}
		case w.item.Action == plan.ActionSell && held > 0 && w.qty >= held:
			projected--
		}
	}

	for _, w := range work {
		if w.done || w.resumeOrderID != "" {
			continue
		}
		held := snap.Held(w.item.Symbol)

		if e.cfg.OrderType == broker.OrderTypeLimit && (w.item.RefPrice == nil || !w.item.RefPrice.IsPositive()) {
			e.finish(ctx, r, w, ledger.StatusSkipped, ReasonMissingPrice, true)
			continue
		}

		switch w.item.Action {
		case plan.ActionSell:
			if held <= 0 {
				e.finish(ctx, r, w, ledger.StatusSkipped, ReasonNotHeld, true)
				continue
			}
			if w.qty > held {
				r.logger.Warn("卖出数量超过持仓，按持仓下调",
					zap.String("symbol", w.item.Symbol),
					zap.Int64("requested", w.qty),
					zap.Int64("held", held),
				)
				w.qty = held
			}
		case plan.ActionBuy:
			if held > 0 {
				e.finish(ctx, r, w, ledger.StatusSkipped, ReasonAlreadyHeld, true)
				continue
			}
			if r.plan.MaxPositions > 0 && projected >= r.plan.MaxPositions {
				e.finish(ctx, r, w, ledger.StatusSkipped, ReasonMaxPositions, true)
				continue
			}
			projected++
		}
	}
}

// submit 写入意向记录后下单，再轮询成交。
func (e *Engine) submit(ctx context.Context, r *run, w *workItem) {
	if w.resumeOrderID != "" {
		e.awaitFill(ctx, r, w, w.resumeOrderID)
		return
	}

	req := broker.OrderRequest{
		Symbol: w.item.Symbol,
		Side:   w.item.Action.Side(),
		Qty:    w.qty,
		Type:   e.cfg.OrderType,
	}
	if e.cfg.OrderType == broker.OrderTypeLimit && w.item.RefPrice != nil {
		req.Price = *w.item.RefPrice
	}
	w.result.SubmittedQty = w.qty

	if err := e.ledger.Append(ctx, ledger.Entry{
		Key:       r.plan.Key,
		Item:      w.key,
		Status:    ledger.StatusPending,
		AttemptID: r.attempt.ID,
	}); err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.Error("写入意向记录失败，不下单", zap.String("item", w.key.String()), zap.Error(err))
		e.finish(ctx, r, w, ledger.StatusError, ReasonLedgerUnavailable, false)
		return
	}

	var orderID string
	attempts, err := e.retrier.Do(ctx, "place_order", func(callCtx context.Context) error {
		id, placeErr := e.broker.PlaceOrder(callCtx, req)
		if placeErr != nil {
			return placeErr
		}
		orderID = id
		return nil
	})
	w.result.Attempts = attempts

	switch {
	case err == nil:
	case broker.IsRejected(err):
		r.logger.Warn("委托被拒绝", zap.String("item", w.key.String()), zap.Error(err))
		e.finish(ctx, r, w, ledger.StatusRejected, broker.RejectReason(err), true)
		return
	case ctx.Err() != nil:
		return
	default:
		r.logger.Error("下单失败", zap.String("item", w.key.String()), zap.Int("attempts", attempts), zap.Error(err))
		e.finish(ctx, r, w, ledger.StatusError, err.Error(), true)
		return
	}

	w.result.OrderID = orderID
	if err := e.ledger.Append(context.WithoutCancel(ctx), ledger.Entry{
		Key:       r.plan.Key,
		Item:      w.key,
		Status:    ledger.StatusSubmitted,
		OrderID:   orderID,
		AttemptID: r.attempt.ID,
	}); err != nil {
		r.logger.Error("写入委托记录失败", zap.String("item", w.key.String()), zap.String("order_id", orderID), zap.Error(err))
	}
	r.logger.Info("委托已提交",
		zap.String("symbol", w.item.Symbol),
		zap.String("side", string(req.Side)),
		zap.Int64("qty", req.Qty),
		zap.String("order_id", orderID),
		zap.Int("attempts", attempts),
	)

	e.awaitFill(ctx, r, w, orderID)
}

// awaitFill 在 PollTimeout 内轮询委托状态并写入终态。
func (e *Engine) awaitFill(ctx context.Context, r *run, w *workItem, orderID string) {
	deadline := e.now().Add(e.cfg.PollTimeout)

	var (
		last    broker.OrderState
		lastErr error
	)
	for {
		_, lastErr = e.retrier.Do(ctx, "order_status", func(callCtx context.Context) error {
			st, err := e.broker.OrderStatus(callCtx, orderID)
			if err != nil {
				return err
			}
			last = st
			return nil
		})
		if lastErr == nil && (last.Done() || (w.qty > 0 && last.FilledQty >= w.qty)) {
			break
		}
		if ctx.Err() != nil || !e.now().Before(deadline) {
			break
		}
		if err := e.sleep(ctx, e.cfg.PollInterval); err != nil {
			break
		}
	}

	// 中断时未确认终态的委托保留 SUBMITTED 记录，下次执行继续查询。
	if ctx.Err() != nil && !last.Done() {
		r.logger.Warn("执行被中断，委托留待下次查询", zap.String("item", w.key.String()), zap.String("order_id", orderID))
		return
	}

	w.result.FilledQty = last.FilledQty
	switch {
	case last.Status == broker.OrderFilled || (w.qty > 0 && last.FilledQty >= w.qty):
		e.finish(ctx, r, w, ledger.StatusFilled, "", true)
	case (last.Status == broker.OrderCancelled || last.Status == broker.OrderRejected) && last.FilledQty == 0:
		e.finish(ctx, r, w, ledger.StatusRejected, "broker_status:"+string(last.Status), true)
	case last.Status == broker.OrderCancelled || last.Status == broker.OrderRejected:
		e.finish(ctx, r, w, ledger.StatusSubmitted, ReasonPartialFill, true)
	case last.Status == "" && lastErr != nil:
		e.finish(ctx, r, w, ledger.StatusSubmitted, ReasonStatusUnavailable, true)
	default:
		e.finish(ctx, r, w, ledger.StatusSubmitted, ReasonFillUnconfirmed, true)
	}
}

// finish 设置条目结果；persist 时写入终态账本（演练模式从不写入）。
func (e *Engine) finish(ctx context.Context, r *run, w *workItem, status ledger.Status, reason string, persist bool) {
	w.done = true
	w.result.Status = status
	w.result.Reason = reason

	if persist && !r.dryRun {
		if err := e.ledger.Append(context.WithoutCancel(ctx), ledger.Entry{
			Key:       r.plan.Key,
			Item:      w.key,
			Status:    status,
			Terminal:  true,
			OrderID:   w.result.OrderID,
			FilledQty: w.result.FilledQty,
			Reason:    reason,
			AttemptID: r.attempt.ID,
		}); err != nil {
			r.logger.Error("写入终态账本失败", zap.String("item", w.key.String()), zap.Error(err))
		}
	}

	r.logger.Debug("条目结束",
		zap.String("item", w.key.String()),
		zap.String("status", string(status)),
		zap.String("reason", reason),
		zap.Int64("filled", w.result.FilledQty),
	)
	if e.observer != nil {
		e.observer.ItemFinished(ctx, r.plan.Key, r.attempt.ID, w.result)
	}
}

// recoverAborted 为上次被中断的尝试补写 ABORTED 报告。
func (e *Engine) recoverAborted(ctx context.Context, p *plan.Plan) error {
	attempts, err := e.reports.Unfinished(ctx, p.Key)
	if err != nil || len(attempts) == 0 {
		return err
	}
	entries, err := e.ledger.Entries(ctx, p.Key)
	if err != nil {
		return err
	}

	for _, a := range attempts {
		report := &Report{
			AttemptID:   a.ID,
			Key:         p.Key,
			Environment: a.Environment,
			DryRun:      a.DryRun,
			StartedAt:   a.StartedAt,
			FinishedAt:  e.now(),
			Items:       abortedItems(p, entries, a.ID),
			Overall:     StatusAborted,
		}
		if err := e.reports.Finish(ctx, report); err != nil {
			return err
		}
		e.logger.Warn("上次执行未完成，已记录 ABORTED 报告",
			zap.String("plan", p.Key.String()),
			zap.String("attempt_id", a.ID),
			zap.Int("items", len(report.Items)),
		)
	}
	return nil
}

func abortedItems(p *plan.Plan, entries []ledger.Entry, attemptID string) []ItemResult {
	latest := make(map[ledger.ItemKey]ledger.Entry)
	for _, entry := range entries {
		if entry.AttemptID != attemptID {
			continue
		}
		if prev, ok := latest[entry.Item]; ok && prev.Terminal {
			continue
		}
		latest[entry.Item] = entry
	}

	var items []ItemResult
	for _, item := range p.Items {
		entry, ok := latest[ledger.ItemKey{Symbol: item.Symbol, Action: item.Action}]
		if !ok {
			continue
		}
		result := ItemResult{
			Symbol:       item.Symbol,
			Action:       item.Action,
			Status:       entry.Status,
			RequestedQty: item.Qty,
			FilledQty:    entry.FilledQty,
			OrderID:      entry.OrderID,
			Reason:       entry.Reason,
		}
		if !entry.Terminal {
			result.Reason = ReasonInterrupted
			if entry.Status == ledger.StatusPending {
				result.Status = ledger.StatusError
			}
		}
		items = append(items, result)
	}
	return items
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
