package plan

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"next-open/internal/store"
)

// Repository 以 SQLite 持久化计划，每个 Key 只写一次；显式覆盖时旧版本写入 plan_revisions。
type Repository struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewRepository 创建计划仓库并初始化表结构。
func NewRepository(ctx context.Context, s *store.Store, logger *zap.Logger) (*Repository, error) {
	if s == nil {
		return nil, errors.New("plan: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Repository{db: s.DB(), logger: logger, now: func() time.Time { return time.Now().UTC() }}
	if err := store.Migrate(ctx, r.db, "plan", []string{
		`CREATE TABLE IF NOT EXISTS plans (
			target_date TEXT NOT NULL,
			strategy_id TEXT NOT NULL,
			environment TEXT NOT NULL,
			created_at TEXT NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (target_date, strategy_id)
		);`,
		`CREATE TABLE IF NOT EXISTS plan_revisions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			target_date TEXT NOT NULL,
			strategy_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			replaced_at TEXT NOT NULL
		);`,
	}); err != nil {
		return nil, err
	}
	return r, nil
}

// Exists 判断计划是否存在。
func (r *Repository) Exists(ctx context.Context, key Key) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM plans WHERE target_date = ? AND strategy_id = ?`,
		key.TargetDate, key.StrategyID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("plan: 查询计划失败: %w", err)
	}
	return n > 0, nil
}

// Save 写入计划。overwrite=false 且已存在时返回 ErrPlanAlreadyExists。
func (r *Repository) Save(ctx context.Context, p *Plan, overwrite bool) (err error) {
	if err = p.Validate(); err != nil {
		return err
	}
	payload, err := sonic.Marshal(p)
	if err != nil {
		return fmt.Errorf("plan: 序列化计划失败: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("plan: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var previous string
	scanErr := tx.QueryRowContext(ctx,
		`SELECT payload FROM plans WHERE target_date = ? AND strategy_id = ?`,
		p.Key.TargetDate, p.Key.StrategyID,
	).Scan(&previous)

	switch {
	case errors.Is(scanErr, sql.ErrNoRows):
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO plans (target_date, strategy_id, environment, created_at, payload) VALUES (?, ?, ?, ?, ?)`,
			p.Key.TargetDate, p.Key.StrategyID, string(p.Environment), p.CreatedAt.UTC().Format(store.TimeLayout), string(payload),
		); err != nil {
			return fmt.Errorf("plan: 写入计划失败: %w", err)
		}
	case scanErr != nil:
		err = scanErr
		return fmt.Errorf("plan: 查询计划失败: %w", scanErr)
	case !overwrite:
		err = fmt.Errorf("%w: %s", ErrPlanAlreadyExists, p.Key)
		return err
	default:
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO plan_revisions (target_date, strategy_id, payload, replaced_at) VALUES (?, ?, ?, ?)`,
			p.Key.TargetDate, p.Key.StrategyID, previous, r.now().Format(store.TimeLayout),
		); err != nil {
			return fmt.Errorf("plan: 归档旧计划失败: %w", err)
		}
		if _, err = tx.ExecContext(ctx,
			`UPDATE plans SET environment = ?, created_at = ?, payload = ? WHERE target_date = ? AND strategy_id = ?`,
			string(p.Environment), p.CreatedAt.UTC().Format(store.TimeLayout), string(payload), p.Key.TargetDate, p.Key.StrategyID,
		); err != nil {
			return fmt.Errorf("plan: 覆盖计划失败: %w", err)
		}
		r.logger.Warn("计划被显式覆盖", zap.String("plan", p.Key.String()))
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("plan: 提交事务失败: %w", err)
	}
	return nil
}

// Load 读取计划。
func (r *Repository) Load(ctx context.Context, key Key) (*Plan, error) {
	var payload string
	err := r.db.QueryRowContext(ctx,
		`SELECT payload FROM plans WHERE target_date = ? AND strategy_id = ?`,
		key.TargetDate, key.StrategyID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("plan: 读取计划失败: %w", err)
	}
	return decode(payload)
}

// List 按目标日期倒序返回最近的计划。
func (r *Repository) List(ctx context.Context, limit int) ([]*Plan, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT payload FROM plans ORDER BY target_date DESC, strategy_id ASC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("plan: 查询计划失败: %w", err)
	}
	defer rows.Close()

	plans := make([]*Plan, 0, limit)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("plan: 解析计划失败: %w", err)
		}
		p, err := decode(payload)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("plan: 读取计划失败: %w", err)
	}
	return plans, nil
}

// Revisions 返回被覆盖的历史版本数量。
func (r *Repository) Revisions(ctx context.Context, key Key) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM plan_revisions WHERE target_date = ? AND strategy_id = ?`,
		key.TargetDate, key.StrategyID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("plan: 查询历史版本失败: %w", err)
	}
	return n, nil
}

func decode(payload string) (*Plan, error) {
	var p Plan
	if err := sonic.UnmarshalString(payload, &p); err != nil {
		return nil, fmt.Errorf("plan: 反序列化计划失败: %w", err)
	}
	return &p, nil
}
