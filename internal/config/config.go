package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "nextopen"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: 未找到配置文件 %q: %w", ErrConfig, path, err)
		}
		return nil, fmt.Errorf("%w: 读取配置文件失败: %w", ErrConfig, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("%w: 解析配置失败: %w", ErrConfig, err)
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.strategy_id", "hsms2_next_open")
	v.SetDefault("app.timezone", "Asia/Seoul")

	v.SetDefault("broker.provider", ProviderPaper)
	v.SetDefault("broker.environment", EnvironmentPaper)
	v.SetDefault("broker.request_timeout", "10s")
	v.SetDefault("broker.retry.max_attempts", 3)
	v.SetDefault("broker.retry.min_delay", "500ms")
	v.SetDefault("broker.retry.max_delay", "5s")
	v.SetDefault("broker.paper.initial_cash", "100000000")
	v.SetDefault("broker.kis.base_url", "https://openapivts.koreainvestment.com:29443")
	v.SetDefault("broker.kis.account_product_code", "01")

	v.SetDefault("plan.max_positions", 10)
	v.SetDefault("plan.quantity.mode", QuantityFixed)
	v.SetDefault("plan.quantity.qty", 1)
	v.SetDefault("plan.quantity.ratio", 0.1)
	v.SetDefault("plan.universe_limit", 200)
	v.SetDefault("plan.universe_path", "data/universe/kosdaq.csv")
	v.SetDefault("plan.signals_dir", "data/signals")

	v.SetDefault("execution.order_type", OrderTypeMarket)
	v.SetDefault("execution.poll_timeout", "15s")
	v.SetDefault("execution.poll_interval", "3s")
	v.SetDefault("execution.lock_ttl", "30m")
	v.SetDefault("execution.dry_run", false)

	v.SetDefault("database.path", "data/next_open.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.timeout", "5s")

	v.SetDefault("scheduler.plan_cron", "0 40 15 * * MON-FRI")
	v.SetDefault("scheduler.execute_cron", "0 1 9 * * MON-FRI")

	v.SetDefault("monitor.addr", ":8090")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

func (c *Config) normalize() {
	c.Broker.Provider = strings.ToLower(strings.TrimSpace(c.Broker.Provider))
	c.Broker.Environment = strings.ToLower(strings.TrimSpace(c.Broker.Environment))
	c.Plan.Quantity.Mode = strings.ToLower(strings.TrimSpace(c.Plan.Quantity.Mode))
	c.Execution.OrderType = strings.ToLower(strings.TrimSpace(c.Execution.OrderType))
}
