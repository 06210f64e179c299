package notify

import (
	"fmt"
	"sort"
	"strings"

	"next-open/internal/execution"
	"next-open/internal/ledger"
	"next-open/internal/plan"
)

// FormatPlan 生成计划摘要。
func FormatPlan(p *plan.Plan) string {
	if p == nil {
		return "[PLAN] empty"
	}
	buys, sells := p.Counts()

	var b strings.Builder
	fmt.Fprintf(&b, "[PLAN][DONE] %s\n", p.Key)
	fmt.Fprintf(&b, "- env: %s\n", p.Environment)
	fmt.Fprintf(&b, "- policy: %s\n", p.Policy)
	fmt.Fprintf(&b, "- buy: %d\n- sell: %d\n- skipped: %d\n", buys, sells, len(p.Skipped))
	for _, item := range p.Items {
		fmt.Fprintf(&b, "  %s %s x%d\n", item.Action, item.Symbol, item.Qty)
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatPlanSkipped 在非交易日或计划已存在时发送。
func FormatPlanSkipped(key string, reason string) string {
	return fmt.Sprintf("[PLAN][SKIP] %s\n- reason: %s", key, reason)
}

// FormatReport 生成执行报告摘要，失败条目逐条列出。
func FormatReport(r *execution.Report) string {
	if r == nil {
		return "[EXEC] empty"
	}
	tag := "[EXEC][" + string(r.Overall) + "]"
	if r.DryRun {
		tag += "[DRY]"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", tag, r.Key)
	fmt.Fprintf(&b, "- env: %s\n", r.Environment)
	fmt.Fprintf(&b, "- attempt: %s\n", r.AttemptID)

	tally := r.Tally()
	statuses := make([]string, 0, len(tally))
	for status := range tally {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		fmt.Fprintf(&b, "- %s: %d\n", strings.ToLower(status), tally[ledger.Status(status)])
	}

	if n := unconfirmed(r.Items); n > 0 {
		fmt.Fprintf(&b, "- unconfirmed: %d\n", n)
	}

	for _, item := range r.Items {
		if item.Status != ledger.StatusRejected && item.Status != ledger.StatusError && item.Status != ledger.StatusSubmitted {
			continue
		}
		fmt.Fprintf(&b, "  %s %s %s: %s\n", item.Status, item.Action, item.Symbol, item.Reason)
	}
	return strings.TrimRight(b.String(), "\n")
}

// unconfirmed 统计已受理但未确认成交的条目。
func unconfirmed(items []execution.ItemResult) int {
	n := 0
	for _, item := range items {
		if item.Status == ledger.StatusSubmitted {
			n++
		}
	}
	return n
}

// FormatError 生成异常通知。
func FormatError(stage string, key string, err error) string {
	msg := "unknown"
	if err != nil {
		msg = err.Error()
	}
	return fmt.Sprintf("[ERROR][%s] %s\n- error: %s", strings.ToUpper(stage), key, msg)
}
