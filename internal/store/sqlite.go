package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"next-open/internal/config"
)

// TimeLayout 为库内时间戳格式，定宽 UTC，字符串顺序即时间顺序。
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store 封装 SQLite 连接，计划、账本、报告与锁共享同一个库文件。
type Store struct {
	db *sql.DB
}

// NewSQLite 根据配置初始化 SQLite 存储。
func NewSQLite(cfg config.DatabaseConfig) (*Store, error) {
	dsn := cfg.Path
	if cfg.InMemory {
		// 共享缓存保证多个连接看到同一个内存库。
		dsn = "file::memory:?cache=shared"
	} else {
		if err := ensureDir(filepath.Dir(cfg.Path)); err != nil {
			return nil, err
		}
		dsn = "file:" + dsn
	}

	sep := "?"
	if cfg.InMemory {
		sep = "&"
	}
	conn, err := sql.Open("sqlite3", fmt.Sprintf("%s%s_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", dsn, sep))
	if err != nil {
		return nil, fmt.Errorf("store: 打开 SQLite 数据库失败: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 1
	}
	conn.SetMaxOpenConns(maxOpen)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if !cfg.InMemory {
		if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("store: 设置 SQLite WAL 模式失败: %w", err)
		}
	}

	// 账本逐条落盘，崩溃后必须仍然可见。
	if _, err := conn.Exec("PRAGMA synchronous=FULL;"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("store: 设置 SQLite 同步级别失败: %w", err)
	}

	return &Store{db: conn}, nil
}

// Open 打开指定路径的数据库，测试与工具脚本使用。
func Open(path string) (*Store, error) {
	return NewSQLite(config.DatabaseConfig{
		Path:         path,
		MaxOpenConns: 4,
		MaxIdleConns: 4,
	})
}

// DB 返回底层 *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping 检查连接可用。
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: 数据库不可用: %w", err)
	}
	return nil
}

// Close 关闭数据库连接。
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate 依次执行建表语句。
func Migrate(ctx context.Context, db *sql.DB, owner string, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: 初始化表结构失败: %w", owner, err)
		}
	}
	return nil
}

func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("store: 创建目录 %q 失败: %w", path, err)
	}
	return nil
}
