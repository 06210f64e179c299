package ledger

import (
	"errors"
	"time"

	"next-open/internal/plan"
)

// ErrAlreadyTerminal 表示该条目已有终态记录，不允许再写终态。
var ErrAlreadyTerminal = errors.New("ledger: item already has a terminal entry")

// Status 为账本记录的状态。
type Status string

const (
	// StatusPending 在下单之前写入，表示即将提交。
	StatusPending   Status = "PENDING"
	StatusSubmitted Status = "SUBMITTED"
	StatusFilled    Status = "FILLED"
	StatusSkipped   Status = "SKIPPED"
	StatusRejected  Status = "REJECTED"
	StatusError     Status = "ERROR"
)

// ItemKey 标识计划中的一个条目。
type ItemKey struct {
	Symbol string
	Action plan.Action
}

func (k ItemKey) String() string {
	return k.Symbol + "/" + string(k.Action)
}

// Entry 为一条只追加的账本记录。
type Entry struct {
	Key        plan.Key
	Item       ItemKey
	Status     Status
	Terminal   bool
	OrderID    string
	FilledQty  int64
	Reason     string
	AttemptID  string
	RecordedAt time.Time
}
