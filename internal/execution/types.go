package execution

import (
	"context"
	"errors"
	"time"

	"next-open/internal/broker"
	"next-open/internal/ledger"
	"next-open/internal/plan"
)

// ErrEnvironmentMismatch 表示计划生成时的券商环境与当前配置不一致，执行在任何券商调用前终止。
var ErrEnvironmentMismatch = errors.New("execution: environment mismatch")

// State 为单次执行的阶段。
type State string

const (
	StateLoaded      State = "LOADED"
	StateReconciling State = "RECONCILING"
	StateSubmitting  State = "SUBMITTING"
	StateFinalizing  State = "FINALIZING"
)

// OverallStatus 为一次执行的汇总结果。
type OverallStatus string

const (
	StatusExecuted          OverallStatus = "EXECUTED"
	StatusPartiallyExecuted OverallStatus = "PARTIALLY_EXECUTED"
	StatusFailed            OverallStatus = "FAILED"
	StatusAborted           OverallStatus = "ABORTED"
)

// Item reasons.
const (
	ReasonAlreadyExecuted         = "already_executed"
	ReasonNotHeld                 = "not_held"
	ReasonAlreadyHeld             = "already_held"
	ReasonMaxPositions            = "max_positions"
	ReasonMissingPrice            = "missing_price"
	ReasonDryRun                  = "dry_run"
	ReasonIndeterminateSubmission = "indeterminate_submission"
	ReasonSnapshotUnavailable     = "snapshot_unavailable"
	ReasonLedgerUnavailable       = "ledger_unavailable"
	ReasonFillUnconfirmed         = "fill_unconfirmed"
	ReasonPartialFill             = "partial_fill"
	ReasonStatusUnavailable       = "status_unavailable"
	ReasonInterrupted             = "interrupted"
)

// ItemResult 为单个计划条目在本次执行中的结果。
type ItemResult struct {
	Symbol       string        `json:"symbol"`
	Action       plan.Action   `json:"action"`
	Status       ledger.Status `json:"status"`
	RequestedQty int64         `json:"requested_qty"`
	SubmittedQty int64         `json:"submitted_qty,omitempty"`
	FilledQty    int64         `json:"filled_qty"`
	OrderID      string        `json:"order_id,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	Attempts     int           `json:"attempts,omitempty"`
}

// Report 为一次执行尝试的报告，写入后不再修改。
type Report struct {
	AttemptID   string             `json:"attempt_id"`
	Key         plan.Key           `json:"plan_key"`
	Environment broker.Environment `json:"environment"`
	DryRun      bool               `json:"dry_run"`
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  time.Time          `json:"finished_at"`
	Items       []ItemResult       `json:"items"`
	Overall     OverallStatus      `json:"overall_status"`
}

// Tally 按状态统计条目数量。
func (r *Report) Tally() map[ledger.Status]int {
	out := make(map[ledger.Status]int)
	for _, item := range r.Items {
		out[item.Status]++
	}
	return out
}

// Options 控制单次执行。
type Options struct {
	DryRun bool
}

// Config 为执行引擎参数。
type Config struct {
	OrderType    broker.OrderType
	PollTimeout  time.Duration
	PollInterval time.Duration
}

// Observer 接收执行过程中的条目结果，用于监控；实现不得阻塞。
type Observer interface {
	ItemFinished(ctx context.Context, key plan.Key, attemptID string, item ItemResult)
}

// overall 计算汇总状态：全部成交或跳过为 EXECUTED；有失败或未确认成交、且至少一笔成交或已受理为 PARTIALLY_EXECUTED；否则 FAILED。
func overall(items []ItemResult) OverallStatus {
	var succeeded, unconfirmed, failed int
	for _, item := range items {
		switch item.Status {
		case ledger.StatusFilled:
			succeeded++
		case ledger.StatusSubmitted:
			succeeded++
			unconfirmed++
		case ledger.StatusRejected, ledger.StatusError:
			failed++
		}
	}
	switch {
	case failed == 0 && unconfirmed == 0:
		return StatusExecuted
	case succeeded > 0:
		return StatusPartiallyExecuted
	default:
		return StatusFailed
	}
}
