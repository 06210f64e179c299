package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrLocked 表示同一计划已有其他进程持有执行锁。
var ErrLocked = errors.New("store: execution lock held by another owner")

// Lease 为一次成功获取的执行锁。
type Lease struct {
	Name      string
	Owner     string
	ExpiresAt time.Time
}

// Locker 基于 SQLite 记录实现跨进程互斥。
type Locker struct {
	db     *sql.DB
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewLocker 创建记录锁并初始化表结构。
func NewLocker(ctx context.Context, s *Store, ttl time.Duration, logger *zap.Logger) (*Locker, error) {
	if s == nil {
		return nil, errors.New("store: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}

	l := &Locker{db: s.DB(), ttl: ttl, logger: logger, now: func() time.Time { return time.Now().UTC() }}
	if err := Migrate(ctx, l.db, "store", []string{
		`CREATE TABLE IF NOT EXISTS execution_locks (
			name TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			acquired_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		);`,
	}); err != nil {
		return nil, err
	}
	return l, nil
}

// Acquire 获取名为 name 的锁；过期的锁会被接管。
func (l *Locker) Acquire(ctx context.Context, name string) (Lease, error) {
	now := l.now()
	lease := Lease{
		Name:      name,
		Owner:     uuid.NewString(),
		ExpiresAt: now.Add(l.ttl),
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Lease{}, fmt.Errorf("store: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var (
		owner   string
		expires string
	)
	row := tx.QueryRowContext(ctx, `SELECT owner, expires_at FROM execution_locks WHERE name = ?`, name)
	switch scanErr := row.Scan(&owner, &expires); {
	case scanErr == nil:
		expiresAt, parseErr := time.Parse(TimeLayout, expires)
		if parseErr == nil && expiresAt.After(now) {
			err = fmt.Errorf("%w: name=%s owner=%s expires_at=%s", ErrLocked, name, owner, expires)
			return Lease{}, err
		}
		l.logger.Warn("接管已过期的执行锁", zap.String("name", name), zap.String("stale_owner", owner))
		if _, execErr := tx.ExecContext(ctx, `DELETE FROM execution_locks WHERE name = ? AND owner = ?`, name, owner); execErr != nil {
			err = fmt.Errorf("store: 清理过期锁失败: %w", execErr)
			return Lease{}, err
		}
	case errors.Is(scanErr, sql.ErrNoRows):
	default:
		err = fmt.Errorf("store: 查询执行锁失败: %w", scanErr)
		return Lease{}, err
	}

	if _, execErr := tx.ExecContext(ctx,
		`INSERT INTO execution_locks (name, owner, acquired_at, expires_at) VALUES (?, ?, ?, ?)`,
		name, lease.Owner, now.Format(TimeLayout), lease.ExpiresAt.Format(TimeLayout),
	); execErr != nil {
		err = fmt.Errorf("%w: %v", ErrLocked, execErr)
		return Lease{}, err
	}

	if commitErr := tx.Commit(); commitErr != nil {
		err = commitErr
		return Lease{}, fmt.Errorf("store: 提交事务失败: %w", commitErr)
	}

	return lease, nil
}

// Renew 延长自己持有的锁；锁已被他人接管时返回 ErrLocked。
func (l *Locker) Renew(ctx context.Context, lease Lease) (Lease, error) {
	expires := l.now().Add(l.ttl)
	res, err := l.db.ExecContext(ctx,
		`UPDATE execution_locks SET expires_at = ? WHERE name = ? AND owner = ?`,
		expires.Format(TimeLayout), lease.Name, lease.Owner,
	)
	if err != nil {
		return lease, fmt.Errorf("store: 续期执行锁失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return lease, fmt.Errorf("store: 续期执行锁失败: %w", err)
	}
	if n == 0 {
		return lease, fmt.Errorf("%w: name=%s owner=%s 已失去锁", ErrLocked, lease.Name, lease.Owner)
	}
	lease.ExpiresAt = expires
	return lease, nil
}

// Release 释放锁，只删除自己持有的记录。
func (l *Locker) Release(ctx context.Context, lease Lease) error {
	if _, err := l.db.ExecContext(ctx,
		`DELETE FROM execution_locks WHERE name = ? AND owner = ?`, lease.Name, lease.Owner,
	); err != nil {
		return fmt.Errorf("store: 释放执行锁失败: %w", err)
	}
	return nil
}
