//go:build integration
// +build integration

package execution

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"next-open/internal/broker"
	"next-open/internal/config"
	"next-open/internal/ledger"
	"next-open/internal/plan"
	"next-open/internal/position"
	"next-open/internal/store"
)

func TestEngineIntegration_KISVirtualRoundTrip(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("integration test panic: %v", r)
		}
	}()

	configPath := os.Getenv("NEXTOPEN_CONFIG")
	if configPath == "" {
		configPath = "../../configs/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Broker.Provider != config.ProviderKIS || cfg.Broker.Environment != config.EnvironmentVirtual {
		t.Skip("仅在 KIS 模拟账户下运行，跳过真实下单测试")
	}
	symbol := os.Getenv("NEXTOPEN_SMOKE_SYMBOL")
	if symbol == "" {
		t.Skip("未设置 NEXTOPEN_SMOKE_SYMBOL，跳过测试")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	s, err := store.Open(filepath.Join(t.TempDir(), "integration.db"))
	if err != nil {
		t.Fatalf("打开数据库失败: %v", err)
	}
	defer s.Close()

	adapter, err := broker.New(cfg.Broker, zap.NewNop())
	if err != nil {
		t.Fatalf("初始化券商失败: %v", err)
	}
	retrier := broker.NewRetrier(cfg.Broker.Retry, cfg.Broker.RequestTimeout, zap.NewNop())
	reader := position.NewReader(adapter, retrier, zap.NewNop())

	snap, err := reader.Take(ctx)
	if err != nil {
		t.Fatalf("获取账户快照失败: %v", err)
	}
	if snap.Held(symbol) > 0 {
		t.Skipf("已持有 %s，跳过买入测试", symbol)
	}

	plans, _ := plan.NewRepository(ctx, s, nil)
	journal, _ := ledger.New(ctx, s, nil)
	reports, _ := NewReportRepository(ctx, s, nil)
	locker, _ := store.NewLocker(ctx, s, time.Minute, nil)

	key := plan.Key{TargetDate: time.Now().Format(plan.DateLayout), StrategyID: fmt.Sprintf("integration-%d", time.Now().Unix())}
	if err := plans.Save(ctx, &plan.Plan{
		Key:          key,
		Environment:  adapter.Environment(),
		CreatedAt:    time.Now().UTC(),
		Policy:       "fixed:1",
		MaxPositions: snap.Count() + 1,
		Items:        []plan.Item{{Symbol: symbol, Action: plan.ActionBuy, Qty: 1}},
	}, false); err != nil {
		t.Fatalf("保存计划失败: %v", err)
	}

	engine, err := NewEngine(Config{
		OrderType:    broker.OrderTypeMarket,
		PollTimeout:  cfg.Execution.PollTimeout,
		PollInterval: cfg.Execution.PollInterval,
	}, Deps{
		Broker:  adapter,
		Reader:  reader,
		Plans:   plans,
		Ledger:  journal,
		Reports: reports,
		Locker:  locker,
		Retrier: retrier,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("初始化执行引擎失败: %v", err)
	}

	report, err := engine.Execute(ctx, key, Options{})
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	t.Logf("执行结果 overall=%s items=%+v", report.Overall, report.Items)

	rerun, err := engine.Execute(ctx, key, Options{})
	if err != nil {
		t.Fatalf("重复执行失败: %v", err)
	}
	for _, item := range rerun.Items {
		if item.Reason != ReasonAlreadyExecuted {
			t.Fatalf("重复执行不应再次下单: %+v", item)
		}
	}
}
