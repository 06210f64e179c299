package monitor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"next-open/internal/execution"
	"next-open/internal/ledger"
	"next-open/internal/plan"
	"next-open/internal/store"
)

// Service 负责持久化监控事件。写入失败只记录日志，不影响交易流程。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewService 初始化监控服务，创建所需表结构。
func NewService(ctx context.Context, s *store.Store, logger *zap.Logger) (*Service, error) {
	if s == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	svc := &Service{
		db:     s.DB(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}

	if err := store.Migrate(ctx, svc.db, "monitor", []string{
		`CREATE TABLE IF NOT EXISTS monitor_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);`,
	}); err != nil {
		return nil, err
	}

	return svc, nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := sonic.MarshalString(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		string(event.Type), payload, event.Timestamp.UTC().Format(store.TimeLayout),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

func (s *Service) record(ctx context.Context, typ EventType, payload interface{}) {
	if err := s.Record(context.WithoutCancel(ctx), Event{Type: typ, Payload: payload}); err != nil {
		s.logger.Warn("记录监控事件失败", zap.String("type", string(typ)), zap.Error(err))
	}
}

// RecordPlanStart 记录计划生成开始。
func (s *Service) RecordPlanStart(ctx context.Context, key plan.Key) {
	s.record(ctx, EventPlanStart, RunPayload{Key: key})
}

// RecordPlanSkip 记录跳过的计划生成，如非交易日或计划已存在。
func (s *Service) RecordPlanSkip(ctx context.Context, key plan.Key, reason string) {
	s.record(ctx, EventPlanSkip, RunPayload{Key: key, Reason: reason})
}

// RecordPlan 记录生成的计划。
func (s *Service) RecordPlan(ctx context.Context, p *plan.Plan) {
	buys, sells := p.Counts()
	s.record(ctx, EventPlanDone, PlanPayload{
		Key:         p.Key,
		Environment: string(p.Environment),
		Policy:      p.Policy,
		Buys:        buys,
		Sells:       sells,
		Skipped:     len(p.Skipped),
	})
}

// RecordExecStart 记录执行开始。
func (s *Service) RecordExecStart(ctx context.Context, key plan.Key, dryRun bool) {
	s.record(ctx, EventExecStart, RunPayload{Key: key, DryRun: dryRun})
}

// RecordReport 记录执行汇总。
func (s *Service) RecordReport(ctx context.Context, r *execution.Report) {
	counts := make(map[string]int)
	for status, n := range r.Tally() {
		counts[string(status)] = n
	}
	s.record(ctx, EventExecDone, ReportPayload{
		Key:       r.Key,
		AttemptID: r.AttemptID,
		DryRun:    r.DryRun,
		Overall:   r.Overall,
		Counts:    counts,
	})
}

// ItemFinished 实现 execution.Observer。跳过的条目只体现在报告中。
func (s *Service) ItemFinished(ctx context.Context, key plan.Key, attemptID string, item execution.ItemResult) {
	var typ EventType
	switch item.Status {
	case ledger.StatusFilled:
		typ = EventFillDone
	case ledger.StatusSubmitted, ledger.StatusRejected, ledger.StatusError:
		typ = EventOrderSubmit
	default:
		return
	}
	s.record(ctx, typ, OrderPayload{Key: key, AttemptID: attemptID, Item: item})
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{
		Message: msg,
		Context: ctxMap,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	s.record(ctx, EventError, payload)
}

// ListEvents 按类型检索最近事件。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT event_type, payload, created_at FROM monitor_events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			typ     string
			payload string
			created string
		)
		if scanErr := rows.Scan(&typ, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(store.TimeLayout, created)
		if parseErr != nil {
			s.logger.Warn("事件时间格式异常", zap.String("created_at", created))
		}

		var decoded interface{}
		if err := sonic.UnmarshalString(payload, &decoded); err != nil {
			decoded = payload
		}

		events = append(events, Event{
			Type:      EventType(typ),
			Timestamp: ts,
			Payload:   decoded,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}

var _ execution.Observer = (*Service)(nil)
