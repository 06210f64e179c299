package monitor

import (
	"time"

	"next-open/internal/execution"
	"next-open/internal/plan"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventPlanStart   EventType = "plan_start"
	EventPlanDone    EventType = "plan_done"
	EventPlanSkip    EventType = "plan_skip"
	EventExecStart   EventType = "exec_start"
	EventOrderSubmit EventType = "order_submit"
	EventFillDone    EventType = "fill_done"
	EventExecDone    EventType = "exec_done"
	EventError       EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// RunPayload 记录计划或执行的开始与跳过。
type RunPayload struct {
	Key    plan.Key `json:"plan_key"`
	DryRun bool     `json:"dry_run,omitempty"`
	Reason string   `json:"reason,omitempty"`
}

// PlanPayload 记录计划生成结果。
type PlanPayload struct {
	Key         plan.Key `json:"plan_key"`
	Environment string   `json:"environment"`
	Policy      string   `json:"policy"`
	Buys        int      `json:"buys"`
	Sells       int      `json:"sells"`
	Skipped     int      `json:"skipped"`
}

// OrderPayload 记录单个条目的执行结果。
type OrderPayload struct {
	Key       plan.Key             `json:"plan_key"`
	AttemptID string               `json:"attempt_id"`
	Item      execution.ItemResult `json:"item"`
}

// ReportPayload 记录执行汇总。
type ReportPayload struct {
	Key       plan.Key                `json:"plan_key"`
	AttemptID string                  `json:"attempt_id"`
	DryRun    bool                    `json:"dry_run"`
	Overall   execution.OverallStatus `json:"overall_status"`
	Counts    map[string]int          `json:"counts"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
