package execution

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"next-open/internal/broker"
	"next-open/internal/config"
	"next-open/internal/ledger"
	"next-open/internal/plan"
	"next-open/internal/position"
	"next-open/internal/store"
)

type fakeBroker struct {
	mu            sync.Mutex
	env           broker.Environment
	holdings      map[string]int64
	placeErrs     []error
	positionErrs  []error
	onPlace       func(n int)
	orders        map[string]broker.OrderState
	placed        []broker.OrderRequest
	placeCalls    int
	statusCalls   int
	positionCalls int
	cashCalls     int
	seq           int
}

func newFakeBroker(env broker.Environment, holdings map[string]int64) *fakeBroker {
	return &fakeBroker{env: env, holdings: holdings, orders: make(map[string]broker.OrderState)}
}

func (f *fakeBroker) Environment() broker.Environment { return f.env }

func (f *fakeBroker) Positions(ctx context.Context) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positionCalls++
	if len(f.positionErrs) > 0 {
		err := f.positionErrs[0]
		f.positionErrs = f.positionErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	out := make(map[string]int64, len(f.holdings))
	for k, v := range f.holdings {
		out[k] = v
	}
	return out, nil
}

func (f *fakeBroker) Cash(ctx context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cashCalls++
	return decimal.NewFromInt(1_000_000), nil
}

func (f *fakeBroker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placeCalls++
	if len(f.placeErrs) > 0 {
		err := f.placeErrs[0]
		f.placeErrs = f.placeErrs[1:]
		if err != nil {
			return "", err
		}
	}
	f.seq++
	id := fmt.Sprintf("T-%d", f.seq)
	f.placed = append(f.placed, req)
	f.orders[id] = broker.OrderState{OrderID: id, Status: broker.OrderFilled, OrderedQty: req.Qty, FilledQty: req.Qty}
	if f.onPlace != nil {
		f.onPlace(len(f.placed))
	}
	return id, nil
}

func (f *fakeBroker) OrderStatus(ctx context.Context, orderID string) (broker.OrderState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	st, ok := f.orders[orderID]
	if !ok {
		return broker.OrderState{OrderID: orderID, Status: broker.OrderUnknown}, nil
	}
	return st, nil
}

func (f *fakeBroker) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.placeCalls + f.statusCalls + f.positionCalls + f.cashCalls
}

type harness struct {
	store   *store.Store
	plans   *plan.Repository
	ledger  *ledger.Ledger
	reports *ReportRepository
	locker  *store.Locker
	broker  *fakeBroker
	engine  *Engine
}

var testKey = plan.Key{TargetDate: "20260106", StrategyID: "hsms2"}

func newHarness(t *testing.T, fb *fakeBroker, cfg Config) *harness {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(filepath.Join(t.TempDir(), "exec.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	h := &harness{store: s, broker: fb}
	if h.plans, err = plan.NewRepository(ctx, s, nil); err != nil {
		t.Fatalf("plan repo: %v", err)
	}
	if h.ledger, err = ledger.New(ctx, s, nil); err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if h.reports, err = NewReportRepository(ctx, s, nil); err != nil {
		t.Fatalf("reports: %v", err)
	}
	if h.locker, err = store.NewLocker(ctx, s, time.Minute, nil); err != nil {
		t.Fatalf("locker: %v", err)
	}

	retrier := broker.NewRetrier(config.RetryConfig{MaxAttempts: 3, MinDelay: time.Millisecond, MaxDelay: time.Millisecond}, 0, nil)
	h.engine, err = NewEngine(cfg, Deps{
		Broker:  fb,
		Reader:  position.NewReader(fb, retrier, nil),
		Plans:   h.plans,
		Ledger:  h.ledger,
		Reports: h.reports,
		Locker:  h.locker,
		Retrier: retrier,
	}, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	h.engine.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return h
}

func (h *harness) savePlan(t *testing.T, env broker.Environment, maxPositions int, items ...plan.Item) {
	t.Helper()
	p := &plan.Plan{
		Key:          testKey,
		Environment:  env,
		CreatedAt:    time.Date(2026, 1, 5, 6, 40, 0, 0, time.UTC),
		Policy:       "fixed:1",
		MaxPositions: maxPositions,
		Items:        items,
	}
	if err := h.plans.Save(context.Background(), p, false); err != nil {
		t.Fatalf("save plan: %v", err)
	}
}

func sell(symbol string, qty int64) plan.Item {
	return plan.Item{Symbol: symbol, Action: plan.ActionSell, Qty: qty}
}

func buy(symbol string, qty int64) plan.Item {
	return plan.Item{Symbol: symbol, Action: plan.ActionBuy, Qty: qty}
}

func resultFor(t *testing.T, report *Report, symbol string) ItemResult {
	t.Helper()
	for _, item := range report.Items {
		if item.Symbol == symbol {
			return item
		}
	}
	t.Fatalf("no result for %s in %+v", symbol, report.Items)
	return ItemResult{}
}

func TestExecute_RerunSubmitsNothing(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBroker(broker.EnvironmentPaper, map[string]int64{"A": 10})
	h := newHarness(t, fb, Config{})
	h.savePlan(t, broker.EnvironmentPaper, 10, sell("A", 10), buy("C", 1))

	first, err := h.engine.Execute(ctx, testKey, Options{})
	if err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	if first.Overall != StatusExecuted {
		t.Fatalf("expected EXECUTED, got %s (%+v)", first.Overall, first.Items)
	}
	if fb.placeCalls != 2 {
		t.Fatalf("expected 2 orders, got %d", fb.placeCalls)
	}
	if fb.placed[0].Side != broker.SideSell || fb.placed[1].Side != broker.SideBuy {
		t.Fatalf("orders must follow plan order, got %+v", fb.placed)
	}

	second, err := h.engine.Execute(ctx, testKey, Options{})
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if fb.placeCalls != 2 {
		t.Fatalf("rerun must not place orders, got %d total", fb.placeCalls)
	}
	for _, item := range second.Items {
		if item.Status != ledger.StatusSkipped || item.Reason != ReasonAlreadyExecuted {
			t.Fatalf("expected already_executed skip, got %+v", item)
		}
	}

	reports, err := h.reports.ForPlan(ctx, testKey)
	if err != nil || len(reports) != 2 {
		t.Fatalf("expected one report per attempt, got %d (%v)", len(reports), err)
	}
}

func TestExecute_SellNotHeldIsSkipped(t *testing.T) {
	fb := newFakeBroker(broker.EnvironmentPaper, map[string]int64{})
	h := newHarness(t, fb, Config{})
	h.savePlan(t, broker.EnvironmentPaper, 10, sell("B", 5))

	report, err := h.engine.Execute(context.Background(), testKey, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got := resultFor(t, report, "B")
	if got.Status != ledger.StatusSkipped || got.Reason != ReasonNotHeld {
		t.Fatalf("expected SKIPPED(not_held), got %+v", got)
	}
	if fb.placeCalls != 0 {
		t.Fatalf("place_order must not be called, got %d", fb.placeCalls)
	}
}

func TestExecute_SellClampedToHeld(t *testing.T) {
	fb := newFakeBroker(broker.EnvironmentPaper, map[string]int64{"A": 4})
	h := newHarness(t, fb, Config{})
	h.savePlan(t, broker.EnvironmentPaper, 10, sell("A", 10))

	report, err := h.engine.Execute(context.Background(), testKey, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got := resultFor(t, report, "A")
	if got.Status != ledger.StatusFilled || got.FilledQty != 4 || got.SubmittedQty != 4 {
		t.Fatalf("expected clamped fill of 4, got %+v", got)
	}
	if fb.placed[0].Qty != 4 {
		t.Fatalf("expected order qty 4, got %d", fb.placed[0].Qty)
	}
}

func TestExecute_ConnectivityRetriedThenFilled(t *testing.T) {
	fb := newFakeBroker(broker.EnvironmentPaper, nil)
	fb.placeErrs = []error{
		broker.Connectivity("place_order", errors.New("timeout")),
		broker.Connectivity("place_order", errors.New("timeout")),
	}
	h := newHarness(t, fb, Config{})
	h.savePlan(t, broker.EnvironmentPaper, 10, buy("C", 1))

	report, err := h.engine.Execute(context.Background(), testKey, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got := resultFor(t, report, "C")
	if got.Status != ledger.StatusFilled {
		t.Fatalf("expected FILLED, got %+v", got)
	}
	if fb.placeCalls != 3 || got.Attempts != 3 {
		t.Fatalf("expected exactly 3 broker calls, got calls=%d attempts=%d", fb.placeCalls, got.Attempts)
	}
}

func TestExecute_RejectedNotRetriedAndRunContinues(t *testing.T) {
	fb := newFakeBroker(broker.EnvironmentPaper, nil)
	fb.placeErrs = []error{broker.Rejected("C", "APBK0952", "insufficient cash")}
	h := newHarness(t, fb, Config{})
	h.savePlan(t, broker.EnvironmentPaper, 10, buy("C", 1), buy("D", 1))

	report, err := h.engine.Execute(context.Background(), testKey, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	rejected := resultFor(t, report, "C")
	if rejected.Status != ledger.StatusRejected || rejected.Attempts != 1 || rejected.Reason != "insufficient cash" {
		t.Fatalf("expected single-attempt rejection, got %+v", rejected)
	}
	if resultFor(t, report, "D").Status != ledger.StatusFilled {
		t.Fatalf("next item should still be submitted")
	}
	if report.Overall != StatusPartiallyExecuted {
		t.Fatalf("expected PARTIALLY_EXECUTED, got %s", report.Overall)
	}
	if fb.placeCalls != 2 {
		t.Fatalf("expected 2 place calls, got %d", fb.placeCalls)
	}
}

func TestExecute_RetriesExhaustedBecomesError(t *testing.T) {
	fb := newFakeBroker(broker.EnvironmentPaper, nil)
	conn := broker.Connectivity("place_order", errors.New("unreachable"))
	fb.placeErrs = []error{conn, conn, conn}
	h := newHarness(t, fb, Config{})
	h.savePlan(t, broker.EnvironmentPaper, 10, buy("C", 1))

	report, err := h.engine.Execute(context.Background(), testKey, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := resultFor(t, report, "C"); got.Status != ledger.StatusError || got.Attempts != 3 {
		t.Fatalf("expected ERROR after 3 attempts, got %+v", got)
	}
	if report.Overall != StatusFailed {
		t.Fatalf("expected FAILED, got %s", report.Overall)
	}

	// 终态 ERROR 不会在下次执行时重新提交。
	if _, err := h.engine.Execute(context.Background(), testKey, Options{}); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if fb.placeCalls != 3 {
		t.Fatalf("errored item must not be resubmitted, got %d calls", fb.placeCalls)
	}
}

func TestExecute_EnvironmentMismatchMakesNoBrokerCalls(t *testing.T) {
	fb := newFakeBroker(broker.EnvironmentReal, map[string]int64{"A": 10})
	h := newHarness(t, fb, Config{})
	h.savePlan(t, broker.EnvironmentVirtual, 10, sell("A", 10))

	_, err := h.engine.Execute(context.Background(), testKey, Options{})
	if !errors.Is(err, ErrEnvironmentMismatch) {
		t.Fatalf("expected ErrEnvironmentMismatch, got %v", err)
	}
	if n := fb.calls(); n != 0 {
		t.Fatalf("expected zero broker calls, got %d", n)
	}
}

func TestExecute_PendingWithoutOrderIDIsNeverResubmitted(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBroker(broker.EnvironmentPaper, nil)
	h := newHarness(t, fb, Config{})
	h.savePlan(t, broker.EnvironmentPaper, 10, buy("C", 1), buy("D", 1))

	// 模拟上次执行在下单前后崩溃：只有尝试记录与意向记录。
	crashed, err := h.reports.Begin(ctx, testKey, broker.EnvironmentPaper, false, time.Now())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := h.ledger.Append(ctx, ledger.Entry{Key: testKey, Item: ledger.ItemKey{Symbol: "C", Action: plan.ActionBuy}, Status: ledger.StatusPending, AttemptID: crashed.ID}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	report, err := h.engine.Execute(ctx, testKey, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := resultFor(t, report, "C"); got.Status != ledger.StatusError || got.Reason != ReasonIndeterminateSubmission {
		t.Fatalf("expected indeterminate error, got %+v", got)
	}
	if fb.placeCalls != 1 || fb.placed[0].Symbol != "D" {
		t.Fatalf("only D should be placed, got %+v", fb.placed)
	}

	reports, _ := h.reports.ForPlan(ctx, testKey)
	if len(reports) != 2 || reports[0].Overall != StatusAborted || reports[0].AttemptID != crashed.ID {
		t.Fatalf("expected ABORTED report for crashed attempt, got %+v", reports)
	}
	if got := resultFor(t, reports[0], "C"); got.Reason != ReasonInterrupted {
		t.Fatalf("aborted report should mark C interrupted, got %+v", got)
	}
}

func TestExecute_SubmittedOrderIsPolledNotResubmitted(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBroker(broker.EnvironmentPaper, nil)
	fb.orders["X-1"] = broker.OrderState{OrderID: "X-1", Status: broker.OrderFilled, OrderedQty: 2, FilledQty: 2}
	h := newHarness(t, fb, Config{})
	h.savePlan(t, broker.EnvironmentPaper, 10, buy("C", 2))

	if err := h.ledger.Append(ctx, ledger.Entry{Key: testKey, Item: ledger.ItemKey{Symbol: "C", Action: plan.ActionBuy}, Status: ledger.StatusSubmitted, OrderID: "X-1"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	report, err := h.engine.Execute(ctx, testKey, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got := resultFor(t, report, "C")
	if got.Status != ledger.StatusFilled || got.OrderID != "X-1" || got.FilledQty != 2 {
		t.Fatalf("expected resumed fill, got %+v", got)
	}
	if fb.placeCalls != 0 {
		t.Fatalf("submitted order must not be resubmitted")
	}
}

func TestExecute_UnconfirmedFillEndsSubmitted(t *testing.T) {
	fb := newFakeBroker(broker.EnvironmentPaper, nil)
	h := newHarness(t, fb, Config{PollTimeout: 0})
	h.savePlan(t, broker.EnvironmentPaper, 10, buy("C", 5))

	// 券商受理但始终未成交。
	h.engine.broker = &openOrderBroker{fakeBroker: fb}
	report, err := h.engine.Execute(context.Background(), testKey, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got := resultFor(t, report, "C")
	if got.Status != ledger.StatusSubmitted || got.Reason != ReasonFillUnconfirmed {
		t.Fatalf("expected SUBMITTED(fill_unconfirmed), got %+v", got)
	}
	if report.Overall != StatusPartiallyExecuted {
		t.Fatalf("expected PARTIALLY_EXECUTED for an unconfirmed fill, got %s", report.Overall)
	}
}

type openOrderBroker struct {
	*fakeBroker
}

func (o *openOrderBroker) OrderStatus(ctx context.Context, orderID string) (broker.OrderState, error) {
	return broker.OrderState{OrderID: orderID, Status: broker.OrderOpen, OrderedQty: 5}, nil
}

func TestExecute_DryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBroker(broker.EnvironmentPaper, map[string]int64{"A": 3})
	h := newHarness(t, fb, Config{})
	h.savePlan(t, broker.EnvironmentPaper, 10, sell("A", 3), sell("B", 1), buy("C", 1))

	report, err := h.engine.Execute(ctx, testKey, Options{DryRun: true})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if fb.placeCalls != 0 {
		t.Fatalf("dry run must not place orders")
	}
	if got := resultFor(t, report, "A"); got.Reason != ReasonDryRun {
		t.Fatalf("expected dry_run skip, got %+v", got)
	}
	if got := resultFor(t, report, "B"); got.Reason != ReasonNotHeld {
		t.Fatalf("filters still apply in dry run, got %+v", got)
	}
	if entries, _ := h.ledger.Entries(ctx, testKey); len(entries) != 0 {
		t.Fatalf("dry run must not write ledger, got %d entries", len(entries))
	}
	if !report.DryRun {
		t.Fatalf("report should be flagged dry_run")
	}
}

func TestExecute_MaxPositionsAtExecution(t *testing.T) {
	fb := newFakeBroker(broker.EnvironmentPaper, map[string]int64{"A": 5})
	h := newHarness(t, fb, Config{})
	h.savePlan(t, broker.EnvironmentPaper, 1, buy("C", 1))

	report, err := h.engine.Execute(context.Background(), testKey, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := resultFor(t, report, "C"); got.Reason != ReasonMaxPositions {
		t.Fatalf("expected max_positions skip, got %+v", got)
	}
}

func TestExecute_LimitOrderRequiresPrice(t *testing.T) {
	fb := newFakeBroker(broker.EnvironmentPaper, nil)
	h := newHarness(t, fb, Config{OrderType: broker.OrderTypeLimit})
	price := decimal.NewFromInt(1200)
	h.savePlan(t, broker.EnvironmentPaper, 10, buy("C", 1), plan.Item{Symbol: "D", Action: plan.ActionBuy, Qty: 1, RefPrice: &price})

	report, err := h.engine.Execute(context.Background(), testKey, Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := resultFor(t, report, "C"); got.Reason != ReasonMissingPrice {
		t.Fatalf("expected missing_price skip, got %+v", got)
	}
	if len(fb.placed) != 1 || fb.placed[0].Type != broker.OrderTypeLimit || !fb.placed[0].Price.Equal(price) {
		t.Fatalf("expected limit order at reference price, got %+v", fb.placed)
	}
}

func TestExecute_LockedPlan(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBroker(broker.EnvironmentPaper, nil)
	h := newHarness(t, fb, Config{})
	h.savePlan(t, broker.EnvironmentPaper, 10, buy("C", 1))

	if _, err := h.locker.Acquire(ctx, "execute:"+testKey.String()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := h.engine.Execute(ctx, testKey, Options{}); !errors.Is(err, store.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if fb.calls() != 0 {
		t.Fatalf("locked run must not touch the broker")
	}
}

func TestExecute_MissingPlan(t *testing.T) {
	fb := newFakeBroker(broker.EnvironmentPaper, nil)
	h := newHarness(t, fb, Config{})
	if _, err := h.engine.Execute(context.Background(), testKey, Options{}); !errors.Is(err, plan.ErrPlanNotFound) {
		t.Fatalf("expected ErrPlanNotFound, got %v", err)
	}
}

func TestOverall(t *testing.T) {
	cases := []struct {
		name  string
		items []ledger.Status
		want  OverallStatus
	}{
		{"empty", nil, StatusExecuted},
		{"all filled or skipped", []ledger.Status{ledger.StatusFilled, ledger.StatusSkipped}, StatusExecuted},
		{"submitted counts as success", []ledger.Status{ledger.StatusSubmitted, ledger.StatusError}, StatusPartiallyExecuted},
		{"unconfirmed fill is partial", []ledger.Status{ledger.StatusFilled, ledger.StatusSubmitted}, StatusPartiallyExecuted},
		{"only unconfirmed", []ledger.Status{ledger.StatusSubmitted, ledger.StatusSkipped}, StatusPartiallyExecuted},
		{"filled and rejected", []ledger.Status{ledger.StatusFilled, ledger.StatusRejected}, StatusPartiallyExecuted},
		{"only failures", []ledger.Status{ledger.StatusSkipped, ledger.StatusError}, StatusFailed},
	}
	for _, tc := range cases {
		items := make([]ItemResult, 0, len(tc.items))
		for _, st := range tc.items {
			items = append(items, ItemResult{Status: st})
		}
		if got := overall(items); got != tc.want {
			t.Errorf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestExecute_CancelledWhileSubmittingResumesWithoutResubmit(t *testing.T) {
	fb := newFakeBroker(broker.EnvironmentPaper, nil)
	h := newHarness(t, fb, Config{})
	h.savePlan(t, broker.EnvironmentPaper, 10, buy("C", 1), buy("D", 1))

	// 券商受理第一笔委托后进程被中断。
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fb.onPlace = func(n int) {
		if n == 1 {
			cancel()
		}
	}

	report, err := h.engine.Execute(ctx, testKey, Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if report != nil {
		t.Fatalf("interrupted run must not produce a report, got %+v", report)
	}
	if fb.placeCalls != 1 {
		t.Fatalf("expected 1 order before interruption, got %d", fb.placeCalls)
	}
	state, err := h.ledger.State(context.Background(), testKey)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if got := state[ledger.ItemKey{Symbol: "C", Action: plan.ActionBuy}]; got.Status != ledger.StatusSubmitted || got.Terminal || got.OrderID == "" {
		t.Fatalf("expected non-terminal SUBMITTED for C, got %+v", got)
	}

	fb.onPlace = nil
	second, err := h.engine.Execute(context.Background(), testKey, Options{})
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if fb.placeCalls != 2 || fb.placed[1].Symbol != "D" {
		t.Fatalf("C must not be resubmitted, got %+v", fb.placed)
	}
	if got := resultFor(t, second, "C"); got.Status != ledger.StatusFilled || got.OrderID != "T-1" {
		t.Fatalf("expected C resumed as FILLED, got %+v", got)
	}
	if got := resultFor(t, second, "D"); got.Status != ledger.StatusFilled {
		t.Fatalf("expected D FILLED, got %+v", got)
	}

	reports, err := h.reports.ForPlan(context.Background(), testKey)
	if err != nil {
		t.Fatalf("ForPlan: %v", err)
	}
	if len(reports) != 2 || reports[0].Overall != StatusAborted {
		t.Fatalf("expected ABORTED report for the interrupted attempt, got %+v", reports)
	}
}

func TestExecute_SnapshotFailureWritesNoLedger(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBroker(broker.EnvironmentPaper, nil)
	fb.positionErrs = []error{errors.New("account locked")}
	h := newHarness(t, fb, Config{})
	h.savePlan(t, broker.EnvironmentPaper, 10, buy("C", 1))

	first, err := h.engine.Execute(ctx, testKey, Options{})
	if err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	if got := resultFor(t, first, "C"); got.Status != ledger.StatusError || got.Reason != ReasonSnapshotUnavailable {
		t.Fatalf("expected ERROR(snapshot_unavailable), got %+v", got)
	}
	if first.Overall != StatusFailed {
		t.Fatalf("expected FAILED, got %s", first.Overall)
	}
	if fb.placeCalls != 0 {
		t.Fatalf("no order may be placed without a snapshot, got %d", fb.placeCalls)
	}
	entries, err := h.ledger.Entries(ctx, testKey)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("snapshot failure must not touch the ledger, got %+v", entries)
	}

	second, err := h.engine.Execute(ctx, testKey, Options{})
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if got := resultFor(t, second, "C"); got.Status != ledger.StatusFilled {
		t.Fatalf("expected FILLED on retry, got %+v", got)
	}
	if fb.placeCalls != 1 {
		t.Fatalf("expected exactly one order, got %d", fb.placeCalls)
	}
}

func TestExecute_LostLeaseStopsSubmitting(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBroker(broker.EnvironmentPaper, nil)
	h := newHarness(t, fb, Config{})
	h.savePlan(t, broker.EnvironmentPaper, 10, buy("C", 1), buy("D", 1))

	other, err := store.NewLocker(ctx, h.store, time.Minute, nil)
	if err != nil {
		t.Fatalf("NewLocker: %v", err)
	}
	// 第一笔下单后锁过期并被另一个进程接管。
	fb.onPlace = func(n int) {
		if n != 1 {
			return
		}
		past := time.Now().Add(-time.Hour).UTC().Format(store.TimeLayout)
		if _, err := h.store.DB().ExecContext(ctx, `UPDATE execution_locks SET expires_at = ?`, past); err != nil {
			t.Errorf("expire lease: %v", err)
		}
		if _, err := other.Acquire(ctx, "execute:"+testKey.String()); err != nil {
			t.Errorf("takeover: %v", err)
		}
	}

	report, err := h.engine.Execute(ctx, testKey, Options{})
	if !errors.Is(err, store.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if report != nil {
		t.Fatalf("expected no report, got %+v", report)
	}
	if fb.placeCalls != 1 || fb.placed[0].Symbol != "C" {
		t.Fatalf("only C may be placed before the lease is lost, got %+v", fb.placed)
	}
}
