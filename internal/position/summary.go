package position

import (
	"sort"
	"time"
)

// Holding 为单个标的的持仓。
type Holding struct {
	Symbol string `json:"symbol"`
	Qty    int64  `json:"qty"`
}

// Summary 为快照的可序列化视图，供监控接口与通知使用。
type Summary struct {
	AsOf     time.Time `json:"as_of"`
	Cash     string    `json:"cash"`
	Count    int       `json:"count"`
	Holdings []Holding `json:"holdings"`
}

// Summarize 按代码排序输出持仓。
func Summarize(s Snapshot) Summary {
	holdings := make([]Holding, 0, len(s.Holdings))
	for symbol, qty := range s.Holdings {
		holdings = append(holdings, Holding{Symbol: symbol, Qty: qty})
	}
	sort.Slice(holdings, func(i, j int) bool { return holdings[i].Symbol < holdings[j].Symbol })
	return Summary{
		AsOf:     s.AsOf,
		Cash:     s.Cash.StringFixed(0),
		Count:    len(holdings),
		Holdings: holdings,
	}
}
