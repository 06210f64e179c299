package plan

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"next-open/internal/broker"
)

var (
	// ErrPlanAlreadyExists 表示同一 Key 的计划已存在且未显式要求覆盖。
	ErrPlanAlreadyExists = errors.New("plan: plan already exists")
	// ErrPlanNotFound 表示计划不存在。
	ErrPlanNotFound = errors.New("plan: plan not found")
	// ErrData 标识单个标的的数据缺失（价格、标的池条目），只跳过该标的。
	ErrData = errors.New("plan: data error")
)

// DateLayout 为计划日期的存储格式。
const DateLayout = "20060102"

// Key 唯一标识一份计划。
type Key struct {
	TargetDate string `json:"target_date"`
	StrategyID string `json:"strategy_id"`
}

// NewKey 以交易所本地日期构造 Key。
func NewKey(date time.Time, strategyID string) Key {
	return Key{TargetDate: date.Format(DateLayout), StrategyID: strategyID}
}

func (k Key) String() string {
	return k.TargetDate + ":" + k.StrategyID
}

// Action 为计划条目方向。
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Side 转换为券商委托方向。
func (a Action) Side() broker.Side {
	if a == ActionSell {
		return broker.SideSell
	}
	return broker.SideBuy
}

// Item 为计划中的一笔意向委托。
type Item struct {
	Symbol   string           `json:"symbol"`
	Action   Action           `json:"action"`
	Qty      int64            `json:"requested_qty"`
	RefPrice *decimal.Decimal `json:"reference_price,omitempty"`
}

// SkippedSignal 记录构建时被过滤的信号及原因。
type SkippedSignal struct {
	Symbol string `json:"symbol"`
	Action Action `json:"action"`
	Reason string `json:"reason"`
}

// Skip reasons.
const (
	ReasonNotInUniverse = "not_in_universe"
	ReasonNotTradable   = "not_tradable"
	ReasonMissingPrice  = "missing_price"
	ReasonZeroQuantity  = "zero_quantity"
	ReasonAlreadyHeld   = "already_held"
	ReasonMaxPositions  = "max_positions"
)

// Plan 为某个交易日的不可变委托计划。
type Plan struct {
	Key          Key                `json:"key"`
	Environment  broker.Environment `json:"environment"`
	CreatedAt    time.Time          `json:"created_at"`
	Policy       string             `json:"policy"`
	MaxPositions int                `json:"max_positions"`
	Items        []Item             `json:"items"`
	Skipped      []SkippedSignal    `json:"skipped,omitempty"`
}

// Counts 返回买卖条目数量。
func (p *Plan) Counts() (buys, sells int) {
	for _, item := range p.Items {
		if item.Action == ActionSell {
			sells++
		} else {
			buys++
		}
	}
	return buys, sells
}

// Validate 校验计划结构。
func (p *Plan) Validate() error {
	if p.Key.TargetDate == "" || p.Key.StrategyID == "" {
		return errors.New("plan: key 不完整")
	}
	if _, err := time.Parse(DateLayout, p.Key.TargetDate); err != nil {
		return fmt.Errorf("plan: target_date 格式错误 %q", p.Key.TargetDate)
	}
	if p.Environment == "" {
		return errors.New("plan: environment 不能为空")
	}
	seen := make(map[string]struct{}, len(p.Items))
	for i, item := range p.Items {
		if item.Symbol == "" {
			return fmt.Errorf("plan: 第 %d 项缺少 symbol", i)
		}
		if item.Action != ActionBuy && item.Action != ActionSell {
			return fmt.Errorf("plan: %s 方向无效 %q", item.Symbol, item.Action)
		}
		if item.Qty <= 0 {
			return fmt.Errorf("plan: %s 数量必须大于0, got %d", item.Symbol, item.Qty)
		}
		id := item.Symbol + "/" + string(item.Action)
		if _, dup := seen[id]; dup {
			return fmt.Errorf("plan: 重复条目 %s", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
