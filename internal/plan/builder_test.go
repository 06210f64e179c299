package plan

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"next-open/internal/broker"
	"next-open/internal/position"
	"next-open/internal/signal"
	"next-open/internal/store"
	"next-open/internal/universe"
)

type fakeReader struct {
	snap  position.Snapshot
	err   error
	calls int
}

func (f *fakeReader) Take(ctx context.Context) (position.Snapshot, error) {
	f.calls++
	if f.err != nil {
		return position.Snapshot{}, f.err
	}
	return f.snap.Clone(), nil
}

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "plan.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	repo, err := NewRepository(context.Background(), s, nil)
	if err != nil {
		t.Fatalf("NewRepository: %v", err)
	}
	return repo
}

func testUniverse(symbols ...string) *universe.Universe {
	entries := make([]universe.Entry, 0, len(symbols))
	for _, symbol := range symbols {
		entries = append(entries, universe.Entry{Symbol: symbol, Tradable: true, RefPrice: decimal.NewFromInt(1000)})
	}
	return universe.New(entries)
}

var targetDate = time.Date(2026, 1, 6, 0, 0, 0, 0, time.UTC)

func TestBuild_SellHeldOnlyAndBuyPolicyQty(t *testing.T) {
	reader := &fakeReader{snap: position.Snapshot{Holdings: map[string]int64{"A": 10, "B": 0}}}
	signals := signal.Static{
		"A": {Action: signal.ActionSell},
		"B": {Action: signal.ActionSell},
		"C": {Action: signal.ActionBuy},
	}
	b := NewBuilder(BuilderConfig{
		StrategyID:   "hsms2",
		Environment:  broker.EnvironmentVirtual,
		MaxPositions: 10,
		Policy:       FixedQuantity{Qty: 3},
	}, reader, signals, newTestRepository(t), nil)

	p, err := b.Build(context.Background(), BuildRequest{Date: targetDate, Universe: testUniverse("A", "B", "C")})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if len(p.Items) != 2 {
		t.Fatalf("expected 2 items, got %+v", p.Items)
	}
	if got := p.Items[0]; got.Symbol != "A" || got.Action != ActionSell || got.Qty != 10 {
		t.Fatalf("expected SELL A 10 first, got %+v", got)
	}
	if got := p.Items[1]; got.Symbol != "C" || got.Action != ActionBuy || got.Qty != 3 {
		t.Fatalf("expected BUY C 3 second, got %+v", got)
	}
	for _, item := range p.Items {
		if item.Symbol == "B" {
			t.Fatalf("no item expected for unheld SELL B")
		}
	}
	if p.Environment != broker.EnvironmentVirtual || p.Key.TargetDate != "20260106" {
		t.Fatalf("unexpected plan header %+v", p.Key)
	}
}

func TestBuild_MaxPositionsDropsBuy(t *testing.T) {
	reader := &fakeReader{snap: position.Snapshot{Holdings: map[string]int64{"A": 5}}}
	b := NewBuilder(BuilderConfig{
		StrategyID:   "hsms2",
		Environment:  broker.EnvironmentPaper,
		MaxPositions: 1,
		Policy:       FixedQuantity{Qty: 1},
	}, reader, signal.Static{"C": {Action: signal.ActionBuy}}, newTestRepository(t), nil)

	p, err := b.Build(context.Background(), BuildRequest{Date: targetDate, Universe: testUniverse("A", "C")})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	buys, _ := p.Counts()
	if buys != 0 {
		t.Fatalf("expected no BUY items under cap, got %+v", p.Items)
	}
	if len(p.Skipped) != 1 || p.Skipped[0].Reason != ReasonMaxPositions {
		t.Fatalf("expected max_positions skip, got %+v", p.Skipped)
	}
}

func TestBuild_PriorityIsStrengthThenSymbol(t *testing.T) {
	reader := &fakeReader{snap: position.Snapshot{Holdings: map[string]int64{"H": 1, "S": 2}}}
	signals := signal.Static{
		"S": {Action: signal.ActionSell},
		"D": {Action: signal.ActionBuy, Strength: 0.5},
		"B": {Action: signal.ActionBuy, Strength: 0.9},
		"C": {Action: signal.ActionBuy, Strength: 0.5},
		"E": {Action: signal.ActionBuy, Strength: 0.1},
	}
	// 持仓 H 保留、S 卖出，上限 3 只剩 2 个买入名额。
	b := NewBuilder(BuilderConfig{StrategyID: "s", Environment: broker.EnvironmentPaper, MaxPositions: 3}, reader, signals, newTestRepository(t), nil)

	p, err := b.Build(context.Background(), BuildRequest{Date: targetDate, Universe: testUniverse("B", "C", "D", "E", "H", "S")})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	var got []string
	for _, item := range p.Items {
		got = append(got, string(item.Action)+" "+item.Symbol)
	}
	want := []string{"SELL S", "BUY B", "BUY C"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if len(p.Skipped) != 2 {
		t.Fatalf("expected D and E skipped, got %+v", p.Skipped)
	}
}

func TestBuild_DataErrorsRecordedNotFatal(t *testing.T) {
	u := universe.New([]universe.Entry{
		{Symbol: "A", Tradable: true},
		{Symbol: "B", Tradable: false, RefPrice: decimal.NewFromInt(100)},
		{Symbol: "C", Tradable: true, RefPrice: decimal.NewFromInt(100)},
	})
	reader := &fakeReader{snap: position.Snapshot{Cash: decimal.NewFromInt(10000)}}
	signals := signal.Static{
		"A": {Action: signal.ActionBuy},
		"B": {Action: signal.ActionBuy},
		"C": {Action: signal.ActionBuy},
	}
	b := NewBuilder(BuilderConfig{StrategyID: "s", Environment: broker.EnvironmentPaper, MaxPositions: 5,
		Policy: CashRatio{Ratio: decimal.NewFromFloat(0.25)}}, reader, signals, newTestRepository(t), nil)

	p, err := b.Build(context.Background(), BuildRequest{Date: targetDate, Universe: u})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(p.Items) != 1 || p.Items[0].Symbol != "C" || p.Items[0].Qty != 25 {
		t.Fatalf("expected BUY C 25, got %+v", p.Items)
	}
	reasons := map[string]string{}
	for _, s := range p.Skipped {
		reasons[s.Symbol] = s.Reason
	}
	if reasons["A"] != ReasonMissingPrice || reasons["B"] != ReasonNotTradable {
		t.Fatalf("unexpected skip reasons %v", reasons)
	}
}

func TestBuild_ExistingPlanFailsWithoutBrokerCall(t *testing.T) {
	repo := newTestRepository(t)
	reader := &fakeReader{snap: position.Snapshot{}}
	signals := signal.Static{"A": {Action: signal.ActionBuy}}
	b := NewBuilder(BuilderConfig{StrategyID: "s", Environment: broker.EnvironmentPaper, MaxPositions: 5}, reader, signals, repo, nil)

	req := BuildRequest{Date: targetDate, Universe: testUniverse("A")}
	if _, err := b.Build(context.Background(), req); err != nil {
		t.Fatalf("first Build: %v", err)
	}
	calls := reader.calls

	if _, err := b.Build(context.Background(), req); !errors.Is(err, ErrPlanAlreadyExists) {
		t.Fatalf("expected ErrPlanAlreadyExists, got %v", err)
	}
	if reader.calls != calls {
		t.Fatalf("existing plan must not trigger a snapshot")
	}

	req.Overwrite = true
	if _, err := b.Build(context.Background(), req); err != nil {
		t.Fatalf("overwrite Build: %v", err)
	}
	if n, _ := repo.Revisions(context.Background(), NewKey(targetDate, "s")); n != 1 {
		t.Fatalf("expected 1 archived revision, got %d", n)
	}
}

func TestBuild_SnapshotFailureAborts(t *testing.T) {
	repo := newTestRepository(t)
	reader := &fakeReader{err: broker.Connectivity("positions", errors.New("down"))}
	b := NewBuilder(BuilderConfig{StrategyID: "s", Environment: broker.EnvironmentPaper, MaxPositions: 5}, reader, signal.Static{}, repo, nil)

	if _, err := b.Build(context.Background(), BuildRequest{Date: targetDate, Universe: testUniverse("A")}); err == nil {
		t.Fatalf("expected snapshot error")
	}
	if ok, _ := repo.Exists(context.Background(), NewKey(targetDate, "s")); ok {
		t.Fatalf("no plan should be persisted on failure")
	}
}

func TestBuild_CashRatioSizesFromRemainingCash(t *testing.T) {
	reader := &fakeReader{snap: position.Snapshot{Cash: decimal.NewFromInt(10000)}}
	signals := signal.Static{
		"A": {Action: signal.ActionBuy, Strength: 0.9},
		"B": {Action: signal.ActionBuy, Strength: 0.5},
		"C": {Action: signal.ActionBuy, Strength: 0.1},
	}
	b := NewBuilder(BuilderConfig{StrategyID: "s", Environment: broker.EnvironmentPaper, MaxPositions: 5,
		Policy: CashRatio{Ratio: decimal.NewFromFloat(0.5)}}, reader, signals, newTestRepository(t), nil)

	p, err := b.Build(context.Background(), BuildRequest{Date: targetDate, Universe: testUniverse("A", "B", "C")})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	want := map[string]int64{"A": 5, "B": 2, "C": 1}
	committed := decimal.Zero
	for _, item := range p.Items {
		if item.Qty != want[item.Symbol] {
			t.Fatalf("%s: expected qty %d, got %d (items %+v)", item.Symbol, want[item.Symbol], item.Qty, p.Items)
		}
		committed = committed.Add(item.RefPrice.Mul(decimal.NewFromInt(item.Qty)))
	}
	if len(p.Items) != 3 {
		t.Fatalf("expected 3 buys, got %+v", p.Items)
	}
	if committed.GreaterThan(decimal.NewFromInt(10000)) {
		t.Fatalf("plan commits %s against cash 10000", committed)
	}
}

func TestBuild_CashExhaustedSkipsWithoutUsingSlot(t *testing.T) {
	reader := &fakeReader{snap: position.Snapshot{Cash: decimal.NewFromInt(1500)}}
	signals := signal.Static{
		"A": {Action: signal.ActionBuy, Strength: 0.9},
		"B": {Action: signal.ActionBuy, Strength: 0.5},
	}
	b := NewBuilder(BuilderConfig{StrategyID: "s", Environment: broker.EnvironmentPaper, MaxPositions: 1,
		Policy: CashRatio{Ratio: decimal.NewFromFloat(1)}}, reader, signals, newTestRepository(t), nil)

	p, err := b.Build(context.Background(), BuildRequest{Date: targetDate, Universe: testUniverse("A", "B")})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(p.Items) != 1 || p.Items[0].Symbol != "A" || p.Items[0].Qty != 1 {
		t.Fatalf("expected BUY A 1, got %+v", p.Items)
	}
	if len(p.Skipped) != 1 || p.Skipped[0].Symbol != "B" || p.Skipped[0].Reason != ReasonMaxPositions {
		t.Fatalf("expected B skipped by max_positions, got %+v", p.Skipped)
	}
}
