package broker

import (
	"context"

	"github.com/shopspring/decimal"
)

// Side 表示下单方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType 表示委托类型。
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// Environment 标识账户所在环境，计划与执行必须一致。
type Environment string

const (
	EnvironmentPaper   Environment = "paper"
	EnvironmentVirtual Environment = "virtual"
	EnvironmentReal    Environment = "real"
)

// OrderRequest 为券商无关的委托请求。Price 为零表示未指定价格。
type OrderRequest struct {
	Symbol string
	Side   Side
	Qty    int64
	Type   OrderType
	Price  decimal.Decimal
}

// OrderStatus 为券商侧委托状态。
type OrderStatus string

const (
	OrderOpen      OrderStatus = "OPEN"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRejected  OrderStatus = "REJECTED"
	OrderUnknown   OrderStatus = "UNKNOWN"
)

// OrderState 描述一笔委托的成交进度。
type OrderState struct {
	OrderID    string
	Status     OrderStatus
	OrderedQty int64
	FilledQty  int64
	AvgPrice   decimal.Decimal
}

// Done 表示委托已不会再有新的成交。
func (s OrderState) Done() bool {
	switch s.Status {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	default:
		return false
	}
}

// Adapter 抽象券商账户。除 PlaceOrder 外均为只读调用，可重复执行。
type Adapter interface {
	Environment() Environment
	Positions(ctx context.Context) (map[string]int64, error)
	Cash(ctx context.Context) (decimal.Decimal, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	OrderStatus(ctx context.Context, orderID string) (OrderState, error)
}
