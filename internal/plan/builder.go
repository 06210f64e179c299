package plan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"next-open/internal/broker"
	"next-open/internal/position"
	"next-open/internal/signal"
	"next-open/internal/universe"
)

type snapshotTaker interface {
	Take(ctx context.Context) (position.Snapshot, error)
}

type planStore interface {
	Exists(ctx context.Context, key Key) (bool, error)
	Save(ctx context.Context, p *Plan, overwrite bool) error
}

// BuilderConfig 为构建计划所需的固定参数。
type BuilderConfig struct {
	StrategyID   string
	Environment  broker.Environment
	MaxPositions int
	Policy       QuantityPolicy
}

// BuildRequest 描述一次构建。
type BuildRequest struct {
	Date      time.Time
	Universe  *universe.Universe
	Overwrite bool
	// Policy 非空时覆盖 BuilderConfig.Policy。
	Policy QuantityPolicy
}

// Builder 将信号与持仓快照合成计划并持久化。
type Builder struct {
	cfg      BuilderConfig
	reader   snapshotTaker
	provider signal.Provider
	store    planStore
	logger   *zap.Logger
	now      func() time.Time
}

// NewBuilder 创建计划构建器。
func NewBuilder(cfg BuilderConfig, reader snapshotTaker, provider signal.Provider, store planStore, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Policy == nil {
		cfg.Policy = FixedQuantity{Qty: 1}
	}
	return &Builder{
		cfg:      cfg,
		reader:   reader,
		provider: provider,
		store:    store,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type buyCandidate struct {
	item     Item
	price    decimal.Decimal
	strength float64
}

// Build 生成并保存计划。已存在且未要求覆盖时返回 ErrPlanAlreadyExists，且不访问券商。
func (b *Builder) Build(ctx context.Context, req BuildRequest) (*Plan, error) {
	key := NewKey(req.Date, b.cfg.StrategyID)
	policy := req.Policy
	if policy == nil {
		policy = b.cfg.Policy
	}

	if !req.Overwrite {
		exists, err := b.store.Exists(ctx, key)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, fmt.Errorf("%w: %s", ErrPlanAlreadyExists, key)
		}
	}

	snap, err := b.reader.Take(ctx)
	if err != nil {
		return nil, err
	}

	symbols := req.Universe.Symbols()
	signals, err := b.provider.Compute(ctx, req.Date, symbols)
	if err != nil {
		return nil, fmt.Errorf("plan: 获取信号失败: %w", err)
	}

	p := &Plan{
		Key:          key,
		Environment:  b.cfg.Environment,
		CreatedAt:    b.now(),
		Policy:       policy.Name(),
		MaxPositions: b.cfg.MaxPositions,
	}
	p.Items, p.Skipped = assemble(snap, req.Universe, signals, policy, b.cfg.MaxPositions)

	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := b.store.Save(ctx, p, req.Overwrite); err != nil {
		return nil, err
	}

	buys, sells := p.Counts()
	b.logger.Info("计划已生成",
		zap.String("plan", key.String()),
		zap.String("environment", string(p.Environment)),
		zap.String("policy", p.Policy),
		zap.Int("universe", len(symbols)),
		zap.Int("signals", len(signals)),
		zap.Int("buy", buys),
		zap.Int("sell", sells),
		zap.Int("skipped", len(p.Skipped)),
		zap.Int("holdings", snap.Count()),
	)
	return p, nil
}

// assemble 计算计划条目：先卖出（按代码），再按优先级买入。
func assemble(snap position.Snapshot, u *universe.Universe, signals map[string]signal.Signal, policy QuantityPolicy, maxPositions int) ([]Item, []SkippedSignal) {
	symbols := make([]string, 0, len(signals))
	for symbol := range signals {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	var (
		sells      []Item
		candidates []buyCandidate
		skipped    []SkippedSignal
	)
	selling := make(map[string]struct{})

	for _, symbol := range symbols {
		sig := signals[symbol]
		entry, inUniverse := u.Lookup(symbol)

		switch sig.Action {
		case signal.ActionSell:
			held := snap.Held(symbol)
			if held <= 0 {
				// 未持有的卖出信号不进入计划，执行时还会再次过滤。
				continue
			}
			sells = append(sells, Item{Symbol: symbol, Action: ActionSell, Qty: held, RefPrice: refPrice(entry)})
			selling[symbol] = struct{}{}

		case signal.ActionBuy:
			if snap.Held(symbol) > 0 {
				skipped = append(skipped, SkippedSignal{Symbol: symbol, Action: ActionBuy, Reason: ReasonAlreadyHeld})
				continue
			}
			if !inUniverse {
				skipped = append(skipped, SkippedSignal{Symbol: symbol, Action: ActionBuy, Reason: ReasonNotInUniverse})
				continue
			}
			if !entry.Tradable {
				skipped = append(skipped, SkippedSignal{Symbol: symbol, Action: ActionBuy, Reason: ReasonNotTradable})
				continue
			}
			candidates = append(candidates, buyCandidate{
				item:     Item{Symbol: symbol, Action: ActionBuy, RefPrice: refPrice(entry)},
				price:    entry.RefPrice,
				strength: sig.Strength,
			})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].strength != candidates[j].strength {
			return candidates[i].strength > candidates[j].strength
		}
		return candidates[i].item.Symbol < candidates[j].item.Symbol
	})

	slots := maxPositions - keptPositions(snap, selling)
	if slots < 0 {
		slots = 0
	}

	// 按优先级依次计算数量，每笔买入占用的现金从剩余现金中扣除。
	remaining := snap.Cash
	accepted := 0
	items := sells
	for _, c := range candidates {
		symbol := c.item.Symbol
		if accepted >= slots {
			skipped = append(skipped, SkippedSignal{Symbol: symbol, Action: ActionBuy, Reason: ReasonMaxPositions})
			continue
		}
		qty, qtyErr := policy.Quantity(symbol, c.price, remaining)
		if qtyErr != nil {
			reason := qtyErr.Error()
			if errors.Is(qtyErr, ErrData) {
				reason = ReasonMissingPrice
			}
			skipped = append(skipped, SkippedSignal{Symbol: symbol, Action: ActionBuy, Reason: reason})
			continue
		}
		if qty <= 0 {
			skipped = append(skipped, SkippedSignal{Symbol: symbol, Action: ActionBuy, Reason: ReasonZeroQuantity})
			continue
		}
		c.item.Qty = qty
		if c.price.IsPositive() {
			remaining = remaining.Sub(c.price.Mul(decimal.NewFromInt(qty)))
		}
		items = append(items, c.item)
		accepted++
	}
	return items, skipped
}

// keptPositions 统计不在卖出计划中的持仓数。
func keptPositions(snap position.Snapshot, selling map[string]struct{}) int {
	n := 0
	for symbol, qty := range snap.Holdings {
		if qty <= 0 {
			continue
		}
		if _, ok := selling[symbol]; ok {
			continue
		}
		n++
	}
	return n
}

func refPrice(entry universe.Entry) *decimal.Decimal {
	if !entry.RefPrice.IsPositive() {
		return nil
	}
	price := entry.RefPrice
	return &price
}
