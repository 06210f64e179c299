package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// ErrConfig 标识配置缺失或非法，调用方据此在任何券商调用之前终止。
var ErrConfig = errors.New("config error")

const (
	ProviderPaper = "paper"
	ProviderKIS   = "kis"

	EnvironmentPaper   = "paper"
	EnvironmentVirtual = "virtual"
	EnvironmentReal    = "real"

	QuantityFixed     = "fixed"
	QuantityCashRatio = "cash_ratio"

	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Plan      PlanConfig      `mapstructure:"plan"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	StrategyID string `mapstructure:"strategy_id"`
	Timezone   string `mapstructure:"timezone"`
}

// BrokerConfig 描述券商连接信息。
type BrokerConfig struct {
	Provider       string        `mapstructure:"provider"`
	Environment    string        `mapstructure:"environment"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Retry          RetryConfig   `mapstructure:"retry"`
	Paper          PaperConfig   `mapstructure:"paper"`
	KIS            KISConfig     `mapstructure:"kis"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// PaperConfig 控制模拟券商的初始状态。
type PaperConfig struct {
	InitialCash string           `mapstructure:"initial_cash"`
	Holdings    map[string]int64 `mapstructure:"holdings"`
}

// KISConfig 为韩国投资证券 OpenAPI 的账户凭证。
type KISConfig struct {
	BaseURL            string `mapstructure:"base_url"`
	AppKey             string `mapstructure:"app_key"`
	AppSecret          string `mapstructure:"app_secret"`
	AccountNo          string `mapstructure:"account_no"`
	AccountProductCode string `mapstructure:"account_product_code"`
}

// PlanConfig 控制计划生成。
type PlanConfig struct {
	MaxPositions  int            `mapstructure:"max_positions"`
	Quantity      QuantityConfig `mapstructure:"quantity"`
	UniverseLimit int            `mapstructure:"universe_limit"`
	UniversePath  string         `mapstructure:"universe_path"`
	SignalsDir    string         `mapstructure:"signals_dir"`
}

// QuantityConfig 选择下单数量策略。
type QuantityConfig struct {
	Mode  string  `mapstructure:"mode"`
	Qty   int64   `mapstructure:"qty"`
	Ratio float64 `mapstructure:"ratio"`
}

// ExecutionConfig 控制下单行为。
type ExecutionConfig struct {
	OrderType    string        `mapstructure:"order_type"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	LockTTL      time.Duration `mapstructure:"lock_ttl"`
	DryRun       bool          `mapstructure:"dry_run"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// NotifyConfig 控制 Telegram 通知。
type NotifyConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Token   string        `mapstructure:"token"`
	ChatID  int64         `mapstructure:"chat_id"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SchedulerConfig 控制定时任务。
type SchedulerConfig struct {
	PlanCron    string   `mapstructure:"plan_cron"`
	ExecuteCron string   `mapstructure:"execute_cron"`
	Holidays    []string `mapstructure:"holidays"`
}

// MonitorConfig 控制只读监控接口。
type MonitorConfig struct {
	Addr string `mapstructure:"addr"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.StrategyID == "" {
		err = multierr.Append(err, errors.New("app.strategy_id 不能为空"))
	}
	if c.App.Timezone != "" {
		if _, locErr := time.LoadLocation(c.App.Timezone); locErr != nil {
			err = multierr.Append(err, fmt.Errorf("app.timezone 无效: %w", locErr))
		}
	}

	switch c.Broker.Provider {
	case ProviderPaper:
		if c.Broker.Environment != EnvironmentPaper {
			err = multierr.Append(err, errors.New("broker.provider=paper 时 broker.environment 必须为 paper"))
		}
	case ProviderKIS:
		if c.Broker.Environment != EnvironmentVirtual && c.Broker.Environment != EnvironmentReal {
			err = multierr.Append(err, errors.New("broker.provider=kis 时 broker.environment 必须为 virtual 或 real"))
		}
		if c.Broker.KIS.BaseURL == "" {
			err = multierr.Append(err, errors.New("broker.kis.base_url 不能为空"))
		}
		if c.Broker.KIS.AppKey == "" || c.Broker.KIS.AppSecret == "" {
			err = multierr.Append(err, errors.New("broker.kis 需要配置 app_key 与 app_secret"))
		}
		if c.Broker.KIS.AccountNo == "" {
			err = multierr.Append(err, errors.New("broker.kis.account_no 不能为空"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("broker.provider 不支持: %q", c.Broker.Provider))
	}
	if c.Broker.RequestTimeout <= 0 {
		err = multierr.Append(err, errors.New("broker.request_timeout 必须大于0"))
	}
	if c.Broker.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("broker.retry.max_attempts 必须大于0"))
	}
	if c.Broker.Retry.MinDelay <= 0 || c.Broker.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("broker.retry.delay 必须为正"))
	}
	if c.Broker.Retry.MinDelay > c.Broker.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("broker.retry.min_delay 不能大于 max_delay"))
	}

	if c.Plan.MaxPositions <= 0 {
		err = multierr.Append(err, errors.New("plan.max_positions 必须大于0"))
	}
	switch strings.ToLower(c.Plan.Quantity.Mode) {
	case QuantityFixed:
		if c.Plan.Quantity.Qty <= 0 {
			err = multierr.Append(err, errors.New("plan.quantity.qty 必须大于0"))
		}
	case QuantityCashRatio:
		if c.Plan.Quantity.Ratio <= 0 || c.Plan.Quantity.Ratio > 1 {
			err = multierr.Append(err, errors.New("plan.quantity.ratio 必须位于(0,1]"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("plan.quantity.mode 不支持: %q", c.Plan.Quantity.Mode))
	}
	if c.Plan.UniverseLimit <= 0 {
		err = multierr.Append(err, errors.New("plan.universe_limit 必须大于0"))
	}

	switch c.Execution.OrderType {
	case OrderTypeMarket, OrderTypeLimit:
	default:
		err = multierr.Append(err, fmt.Errorf("execution.order_type 不支持: %q", c.Execution.OrderType))
	}
	if c.Execution.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("execution.poll_interval 必须大于0"))
	}
	if c.Execution.PollTimeout < 0 {
		err = multierr.Append(err, errors.New("execution.poll_timeout 不能为负"))
	}
	if c.Execution.LockTTL <= 0 {
		err = multierr.Append(err, errors.New("execution.lock_ttl 必须大于0"))
	}

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}

	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}

	if c.Notify.Enabled {
		if c.Notify.Token == "" || c.Notify.ChatID == 0 {
			err = multierr.Append(err, errors.New("notify 启用时需要配置 token 与 chat_id"))
		}
		if c.Notify.Timeout <= 0 {
			err = multierr.Append(err, errors.New("notify.timeout 必须大于0"))
		}
	}

	for _, day := range c.Scheduler.Holidays {
		if _, parseErr := time.Parse("2006-01-02", day); parseErr != nil {
			err = multierr.Append(err, fmt.Errorf("scheduler.holidays 日期格式错误 %q", day))
		}
	}

	if err != nil {
		return fmt.Errorf("%w: 配置校验失败: %w", ErrConfig, err)
	}

	return nil
}

// Location 返回交易所时区，未配置时为 UTC。
func (c *Config) Location() *time.Location {
	if c.App.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
