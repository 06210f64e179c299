package plan

import (
	"fmt"

	"github.com/shopspring/decimal"

	"next-open/internal/config"
)

// QuantityPolicy 决定买入数量。refPrice 可能为零。
type QuantityPolicy interface {
	Name() string
	Quantity(symbol string, refPrice, cash decimal.Decimal) (int64, error)
}

// FixedQuantity 每个标的买入固定股数。
type FixedQuantity struct {
	Qty int64
}

func (p FixedQuantity) Name() string {
	return fmt.Sprintf("fixed:%d", p.Qty)
}

func (p FixedQuantity) Quantity(symbol string, refPrice, cash decimal.Decimal) (int64, error) {
	return p.Qty, nil
}

// CashRatio 按可用现金比例计算：floor(cash*ratio/price)。
type CashRatio struct {
	Ratio decimal.Decimal
}

func (p CashRatio) Name() string {
	return "cash_ratio:" + p.Ratio.String()
}

func (p CashRatio) Quantity(symbol string, refPrice, cash decimal.Decimal) (int64, error) {
	if !refPrice.IsPositive() {
		return 0, fmt.Errorf("%w: %s 缺少参考价格", ErrData, symbol)
	}
	if !cash.IsPositive() || !p.Ratio.IsPositive() {
		return 0, nil
	}
	return cash.Mul(p.Ratio).Div(refPrice).Floor().IntPart(), nil
}

// PolicyFromConfig 根据配置选择数量策略，qtyOverride>0 时强制使用固定数量。
func PolicyFromConfig(cfg config.QuantityConfig, qtyOverride int64) QuantityPolicy {
	if qtyOverride > 0 {
		return FixedQuantity{Qty: qtyOverride}
	}
	if cfg.Mode == config.QuantityCashRatio {
		return CashRatio{Ratio: decimal.NewFromFloat(cfg.Ratio)}
	}
	return FixedQuantity{Qty: cfg.Qty}
}
