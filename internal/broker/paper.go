package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Paper 为确定性的模拟券商：委托按给定价格立即全部成交，只在内存中维护现金与持仓。
type Paper struct {
	mu        sync.Mutex
	cash      decimal.Decimal
	positions map[string]int64
	quotes    map[string]decimal.Decimal
	orders    map[string]OrderState
	seq       int
	faults    map[string][]error
	logger    *zap.Logger
}

// NewPaper 创建模拟券商。
func NewPaper(cash decimal.Decimal, holdings map[string]int64, logger *zap.Logger) *Paper {
	if logger == nil {
		logger = zap.NewNop()
	}
	positions := make(map[string]int64, len(holdings))
	for symbol, qty := range holdings {
		if qty > 0 {
			positions[symbol] = qty
		}
	}
	return &Paper{
		cash:      cash,
		positions: positions,
		quotes:    make(map[string]decimal.Decimal),
		orders:    make(map[string]OrderState),
		faults:    make(map[string][]error),
		logger:    logger,
	}
}

// SetQuote 设置未指定委托价格时使用的成交价。
func (p *Paper) SetQuote(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[symbol] = price
}

// InjectFault 让下一次 op 调用返回 err，用于演练。op 为 positions/cash/place_order/order_status。
func (p *Paper) InjectFault(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults[op] = append(p.faults[op], err)
}

func (p *Paper) Environment() Environment {
	return EnvironmentPaper
}

func (p *Paper) Positions(ctx context.Context) (map[string]int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFault("positions"); err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(p.positions))
	for symbol, qty := range p.positions {
		out[symbol] = qty
	}
	return out, nil
}

func (p *Paper) Cash(ctx context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFault("cash"); err != nil {
		return decimal.Zero, err
	}
	return p.cash, nil
}

func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeFault("place_order"); err != nil {
		return "", err
	}
	if req.Qty <= 0 {
		return "", Rejected(req.Symbol, "", "quantity must be positive")
	}

	price := req.Price
	if !price.IsPositive() {
		price = p.quotes[req.Symbol]
	}
	if !price.IsPositive() {
		return "", Rejected(req.Symbol, "", "paper: price must be provided for simulation")
	}

	cost := price.Mul(decimal.NewFromInt(req.Qty))

	switch req.Side {
	case SideBuy:
		if p.cash.LessThan(cost) {
			return "", Rejected(req.Symbol, "", fmt.Sprintf("insufficient cash: required=%s cash=%s", cost.StringFixed(2), p.cash.StringFixed(2)))
		}
		p.cash = p.cash.Sub(cost)
		p.positions[req.Symbol] += req.Qty
	case SideSell:
		held := p.positions[req.Symbol]
		if held < req.Qty {
			return "", Rejected(req.Symbol, "", fmt.Sprintf("insufficient position: have=%d try_sell=%d", held, req.Qty))
		}
		p.cash = p.cash.Add(cost)
		if held == req.Qty {
			delete(p.positions, req.Symbol)
		} else {
			p.positions[req.Symbol] = held - req.Qty
		}
	default:
		return "", Rejected(req.Symbol, "", fmt.Sprintf("invalid side: %s", req.Side))
	}

	p.seq++
	orderID := fmt.Sprintf("PB-%08d", p.seq)
	p.orders[orderID] = OrderState{
		OrderID:    orderID,
		Status:     OrderFilled,
		OrderedQty: req.Qty,
		FilledQty:  req.Qty,
		AvgPrice:   price,
	}

	p.logger.Debug("模拟委托成交",
		zap.String("order_id", orderID),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Int64("qty", req.Qty),
		zap.String("price", price.String()),
	)

	return orderID, nil
}

func (p *Paper) OrderStatus(ctx context.Context, orderID string) (OrderState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.takeFault("order_status"); err != nil {
		return OrderState{}, err
	}
	state, ok := p.orders[orderID]
	if !ok {
		return OrderState{OrderID: orderID, Status: OrderUnknown}, nil
	}
	return state, nil
}

func (p *Paper) takeFault(op string) error {
	queue := p.faults[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	p.faults[op] = queue[1:]
	if err == nil {
		err = errors.New("injected fault")
	}
	return err
}

var _ Adapter = (*Paper)(nil)
