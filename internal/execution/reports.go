package execution

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"next-open/internal/broker"
	"next-open/internal/plan"
	"next-open/internal/store"
)

// Attempt 为一次执行尝试的开始记录。
type Attempt struct {
	ID          string
	Key         plan.Key
	Environment broker.Environment
	DryRun      bool
	StartedAt   time.Time
}

// ReportRepository 持久化执行尝试与报告：尝试只追加，每个尝试至多一份报告。
type ReportRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewReportRepository 创建报告仓库并初始化表结构。
func NewReportRepository(ctx context.Context, s *store.Store, logger *zap.Logger) (*ReportRepository, error) {
	if s == nil {
		return nil, errors.New("execution: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &ReportRepository{db: s.DB(), logger: logger}
	if err := store.Migrate(ctx, r.db, "execution", []string{
		`CREATE TABLE IF NOT EXISTS execution_attempts (
			attempt_id TEXT PRIMARY KEY,
			target_date TEXT NOT NULL,
			strategy_id TEXT NOT NULL,
			environment TEXT NOT NULL,
			dry_run INTEGER NOT NULL,
			started_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS execution_reports (
			attempt_id TEXT PRIMARY KEY REFERENCES execution_attempts(attempt_id),
			target_date TEXT NOT NULL,
			strategy_id TEXT NOT NULL,
			overall_status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			payload TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_execution_reports_plan ON execution_reports(target_date, strategy_id);`,
		`CREATE TRIGGER IF NOT EXISTS execution_attempts_no_update BEFORE UPDATE ON execution_attempts
			BEGIN SELECT RAISE(ABORT, 'execution_attempts is append-only'); END;`,
		`CREATE TRIGGER IF NOT EXISTS execution_reports_no_update BEFORE UPDATE ON execution_reports
			BEGIN SELECT RAISE(ABORT, 'execution_reports is write-once'); END;`,
	}); err != nil {
		return nil, err
	}
	return r, nil
}

// Begin 登记一次新的执行尝试。
func (r *ReportRepository) Begin(ctx context.Context, key plan.Key, env broker.Environment, dryRun bool, startedAt time.Time) (Attempt, error) {
	a := Attempt{
		ID:          uuid.NewString(),
		Key:         key,
		Environment: env,
		DryRun:      dryRun,
		StartedAt:   startedAt.UTC(),
	}
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO execution_attempts (attempt_id, target_date, strategy_id, environment, dry_run, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, key.TargetDate, key.StrategyID, string(env), boolInt(dryRun), a.StartedAt.Format(store.TimeLayout),
	); err != nil {
		return Attempt{}, fmt.Errorf("execution: 登记执行尝试失败: %w", err)
	}
	return a, nil
}

// Finish 写入报告，同一尝试重复写入会失败。
func (r *ReportRepository) Finish(ctx context.Context, report *Report) error {
	payload, err := sonic.Marshal(report)
	if err != nil {
		return fmt.Errorf("execution: 序列化报告失败: %w", err)
	}
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO execution_reports (attempt_id, target_date, strategy_id, overall_status, started_at, finished_at, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		report.AttemptID, report.Key.TargetDate, report.Key.StrategyID, string(report.Overall),
		report.StartedAt.UTC().Format(store.TimeLayout), report.FinishedAt.UTC().Format(store.TimeLayout), string(payload),
	); err != nil {
		return fmt.Errorf("execution: 写入报告失败: %w", err)
	}
	return nil
}

// Unfinished 返回计划下没有报告的尝试，即上次执行被中断。
func (r *ReportRepository) Unfinished(ctx context.Context, key plan.Key) ([]Attempt, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT a.attempt_id, a.environment, a.dry_run, a.started_at
			FROM execution_attempts a
			LEFT JOIN execution_reports r ON r.attempt_id = a.attempt_id
			WHERE a.target_date = ? AND a.strategy_id = ? AND r.attempt_id IS NULL
			ORDER BY a.started_at ASC`,
		key.TargetDate, key.StrategyID,
	)
	if err != nil {
		return nil, fmt.Errorf("execution: 查询未完成尝试失败: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var (
			a       Attempt
			env     string
			dryRun  int
			started string
		)
		if err := rows.Scan(&a.ID, &env, &dryRun, &started); err != nil {
			return nil, fmt.Errorf("execution: 解析尝试失败: %w", err)
		}
		a.Key = key
		a.Environment = broker.Environment(env)
		a.DryRun = dryRun == 1
		a.StartedAt, _ = time.Parse(store.TimeLayout, started)
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("execution: 读取尝试失败: %w", err)
	}
	return attempts, nil
}

// ForPlan 返回计划的全部报告，按开始时间排序。
func (r *ReportRepository) ForPlan(ctx context.Context, key plan.Key) ([]*Report, error) {
	return r.query(ctx,
		`SELECT payload FROM execution_reports WHERE target_date = ? AND strategy_id = ? ORDER BY started_at ASC`,
		key.TargetDate, key.StrategyID,
	)
}

// List 返回最近的报告。
func (r *ReportRepository) List(ctx context.Context, limit int) ([]*Report, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.query(ctx, `SELECT payload FROM execution_reports ORDER BY finished_at DESC LIMIT ?`, limit)
}

func (r *ReportRepository) query(ctx context.Context, query string, args ...interface{}) ([]*Report, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("execution: 查询报告失败: %w", err)
	}
	defer rows.Close()

	var reports []*Report
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("execution: 解析报告失败: %w", err)
		}
		var report Report
		if err := sonic.UnmarshalString(payload, &report); err != nil {
			return nil, fmt.Errorf("execution: 反序列化报告失败: %w", err)
		}
		reports = append(reports, &report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("execution: 读取报告失败: %w", err)
	}
	return reports, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
