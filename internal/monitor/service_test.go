package monitor

import (
	"context"
	"path/filepath"
	"testing"

	"next-open/internal/execution"
	"next-open/internal/ledger"
	"next-open/internal/plan"
	"next-open/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "monitor.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(context.Background(), openTestStore(t), nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestService_ListEventsNewestFirst(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	key := plan.Key{TargetDate: "20260105", StrategyID: "demo"}

	svc.RecordPlanStart(ctx, key)
	svc.RecordPlan(ctx, &plan.Plan{Key: key, Environment: "paper", Items: []plan.Item{{Symbol: "005930", Action: plan.ActionBuy, Qty: 1}}})
	svc.RecordExecStart(ctx, key, false)

	events, err := svc.ListEvents(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Type != EventExecStart || events[2].Type != EventPlanStart {
		t.Fatalf("unexpected order: %s ... %s", events[0].Type, events[2].Type)
	}
	if events[0].Timestamp.IsZero() {
		t.Fatalf("timestamp should be parsed")
	}

	done, err := svc.ListEvents(ctx, EventPlanDone, 10)
	if err != nil {
		t.Fatalf("ListEvents by type: %v", err)
	}
	if len(done) != 1 {
		t.Fatalf("expected 1 plan_done event, got %d", len(done))
	}
	payload, ok := done[0].Payload.(map[string]interface{})
	if !ok {
		t.Fatalf("payload should decode to an object, got %T", done[0].Payload)
	}
	if payload["buys"] != float64(1) {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestService_ItemFinishedMapsStatus(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	key := plan.Key{TargetDate: "20260105", StrategyID: "demo"}

	svc.ItemFinished(ctx, key, "a-1", execution.ItemResult{Symbol: "005930", Status: ledger.StatusFilled})
	svc.ItemFinished(ctx, key, "a-1", execution.ItemResult{Symbol: "000660", Status: ledger.StatusRejected})
	svc.ItemFinished(ctx, key, "a-1", execution.ItemResult{Symbol: "035420", Status: ledger.StatusSkipped})

	fills, _ := svc.ListEvents(ctx, EventFillDone, 10)
	orders, _ := svc.ListEvents(ctx, EventOrderSubmit, 10)
	all, _ := svc.ListEvents(ctx, "", 10)
	if len(fills) != 1 || len(orders) != 1 || len(all) != 2 {
		t.Fatalf("unexpected events fills=%d orders=%d all=%d", len(fills), len(orders), len(all))
	}
}
