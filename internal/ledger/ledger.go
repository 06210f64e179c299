package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"next-open/internal/plan"
	"next-open/internal/store"
)

// Ledger 为执行账本，只有插入路径；每个条目至多一条终态记录。
type Ledger struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// New 创建账本并初始化表结构。
func New(ctx context.Context, s *store.Store, logger *zap.Logger) (*Ledger, error) {
	if s == nil {
		return nil, errors.New("ledger: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{db: s.DB(), logger: logger, now: func() time.Time { return time.Now().UTC() }}
	if err := store.Migrate(ctx, l.db, "ledger", []string{
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			target_date TEXT NOT NULL,
			strategy_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			action TEXT NOT NULL,
			status TEXT NOT NULL,
			terminal INTEGER NOT NULL,
			order_id TEXT NOT NULL DEFAULT '',
			filled_qty INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			attempt_id TEXT NOT NULL DEFAULT '',
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_plan ON ledger_entries(target_date, strategy_id);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_ledger_terminal
			ON ledger_entries(target_date, strategy_id, symbol, action) WHERE terminal = 1;`,
		`CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update BEFORE UPDATE ON ledger_entries
			BEGIN SELECT RAISE(ABORT, 'ledger is append-only'); END;`,
		`CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete BEFORE DELETE ON ledger_entries
			BEGIN SELECT RAISE(ABORT, 'ledger is append-only'); END;`,
	}); err != nil {
		return nil, err
	}
	return l, nil
}

// Append 追加一条记录并立即提交。
func (l *Ledger) Append(ctx context.Context, e Entry) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = l.now()
	}
	terminal := 0
	if e.Terminal {
		terminal = 1
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO ledger_entries
			(target_date, strategy_id, symbol, action, status, terminal, order_id, filled_qty, reason, attempt_id, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Key.TargetDate, e.Key.StrategyID, e.Item.Symbol, string(e.Item.Action), string(e.Status), terminal,
		e.OrderID, e.FilledQty, e.Reason, e.AttemptID, e.RecordedAt.UTC().Format(store.TimeLayout),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("%w: %s %s", ErrAlreadyTerminal, e.Key, e.Item)
		}
		return fmt.Errorf("ledger: 写入账本失败: %w", err)
	}

	l.logger.Debug("账本记录",
		zap.String("plan", e.Key.String()),
		zap.String("item", e.Item.String()),
		zap.String("status", string(e.Status)),
		zap.Bool("terminal", e.Terminal),
		zap.String("order_id", e.OrderID),
	)
	return nil
}

// State 返回每个条目的当前状态：有终态记录时取终态，否则取最新记录。
func (l *Ledger) State(ctx context.Context, key plan.Key) (map[ItemKey]Entry, error) {
	entries, err := l.Entries(ctx, key)
	if err != nil {
		return nil, err
	}
	state := make(map[ItemKey]Entry, len(entries))
	for _, e := range entries {
		if prev, ok := state[e.Item]; ok && prev.Terminal {
			continue
		}
		state[e.Item] = e
	}
	return state, nil
}

// Entries 按写入顺序返回计划的全部记录。
func (l *Ledger) Entries(ctx context.Context, key plan.Key) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT symbol, action, status, terminal, order_id, filled_qty, reason, attempt_id, recorded_at
			FROM ledger_entries WHERE target_date = ? AND strategy_id = ? ORDER BY id ASC`,
		key.TargetDate, key.StrategyID,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: 查询账本失败: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			action   string
			status   string
			terminal int
			recorded string
		)
		if err := rows.Scan(&e.Item.Symbol, &action, &status, &terminal, &e.OrderID, &e.FilledQty, &e.Reason, &e.AttemptID, &recorded); err != nil {
			return nil, fmt.Errorf("ledger: 解析账本失败: %w", err)
		}
		e.Key = key
		e.Item.Action = plan.Action(action)
		e.Status = Status(status)
		e.Terminal = terminal == 1
		if ts, parseErr := time.Parse(store.TimeLayout, recorded); parseErr == nil {
			e.RecordedAt = ts
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: 读取账本失败: %w", err)
	}
	return entries, nil
}
