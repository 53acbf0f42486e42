// Package config 提供 TOML 配置加载、环境变量覆盖与校验
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/wyfcoding/perpetual/pkg/cache"
	"github.com/wyfcoding/perpetual/pkg/db"
	"github.com/wyfcoding/perpetual/pkg/logger"
	"github.com/wyfcoding/perpetual/pkg/metrics"
	"github.com/wyfcoding/perpetual/pkg/middleware"
	"github.com/wyfcoding/perpetual/pkg/mq"
)

// Config 引擎进程配置
type Config struct {
	// 服务名称
	ServiceName string `mapstructure:"service_name"`
	// 环境：dev, staging, prod
	Environment string `mapstructure:"environment"`
	// 实例标识，用于市场租约
	InstanceID string `mapstructure:"instance_id"`

	Market   MarketConfig   `mapstructure:"market"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Funding  FundingConfig  `mapstructure:"funding"`
	Keeper   KeeperConfig   `mapstructure:"keeper"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Database db.Config      `mapstructure:"database"`
	Redis    cache.Config   `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Logger   logger.Config  `mapstructure:"logger"`
	Metrics  metrics.Config `mapstructure:"metrics"`
	// 开发环境进程内托管的初始余额，account -> amount
	DevFunding map[string]string `mapstructure:"dev_funding"`
}

// MarketConfig 市场与虚拟做市商初始储备，金额均为十进制字符串
type MarketConfig struct {
	Symbol            string `mapstructure:"symbol"`
	BaseReserve       string `mapstructure:"base_reserve"`
	QuoteReserve      string `mapstructure:"quote_reserve"`
	MaxPriceImpactBps int64  `mapstructure:"max_price_impact_bps"`
}

// RiskConfig 风控参数
type RiskConfig struct {
	MaxLeverage          int64  `mapstructure:"max_leverage"`
	MaintenanceMarginBps int64  `mapstructure:"maintenance_margin_bps"`
	TradingFeeBps        int64  `mapstructure:"trading_fee_bps"`
	LiquidationFeeBps    int64  `mapstructure:"liquidation_fee_bps"`
	MinCollateral        string `mapstructure:"min_collateral"`
	MaxPositionSize      string `mapstructure:"max_position_size"`
	MaxPositionsPerUser  int    `mapstructure:"max_positions_per_user"`
	FeeRecipient         string `mapstructure:"fee_recipient"`
}

// FundingConfig 资金费率参数
type FundingConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	Coefficient  string        `mapstructure:"coefficient"`
	MinRate      string        `mapstructure:"min_rate"`
	MaxRate      string        `mapstructure:"max_rate"`
	MaxStaleness time.Duration `mapstructure:"max_staleness"`
}

// KeeperConfig 后台任务
type KeeperConfig struct {
	Liquidator          string        `mapstructure:"liquidator"`
	LiquidationInterval time.Duration `mapstructure:"liquidation_interval"`
	LiquidationBatch    int           `mapstructure:"liquidation_batch"`
	FundingInterval     time.Duration `mapstructure:"funding_interval"`
	CheckpointInterval  time.Duration `mapstructure:"checkpoint_interval"`
	SnapshotRetention   int           `mapstructure:"snapshot_retention"`
	OutboxInterval      time.Duration `mapstructure:"outbox_interval"`
	OutboxBatch         int           `mapstructure:"outbox_batch"`
	OutboxRetention     time.Duration `mapstructure:"outbox_retention"`
	LeaseTTL            time.Duration `mapstructure:"lease_ttl"`
}

// HTTPConfig 运维 HTTP 服务
type HTTPConfig struct {
	Host      string                     `mapstructure:"host"`
	Port      int                        `mapstructure:"port"`
	RateLimit middleware.RateLimitConfig `mapstructure:"rate_limit"`
}

// Addr 监听地址
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// KafkaConfig Kafka 连接与主题
type KafkaConfig struct {
	mq.KafkaConfig `mapstructure:",squash"`
	EventsTopic    string `mapstructure:"events_topic"`
	PriceTopic     string `mapstructure:"price_topic"`
	DeadLetter     string `mapstructure:"dead_letter_topic"`
}

// Enabled 是否配置了 broker
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

// Load 从 TOML 文件加载配置，缺省项使用默认值，APP_ 前缀环境变量覆盖
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate 验证配置的有效性；领域参数的完整校验由引擎负责
func (c *Config) Validate() error {
	var errs []error
	if c.ServiceName == "" {
		errs = append(errs, errors.New("service_name is required"))
	}
	if c.Market.Symbol == "" {
		errs = append(errs, errors.New("market.symbol is required"))
	}
	for key, value := range map[string]string{
		"market.base_reserve":    c.Market.BaseReserve,
		"market.quote_reserve":   c.Market.QuoteReserve,
		"risk.min_collateral":    c.Risk.MinCollateral,
		"risk.max_position_size": c.Risk.MaxPositionSize,
		"funding.coefficient":    c.Funding.Coefficient,
		"funding.min_rate":       c.Funding.MinRate,
		"funding.max_rate":       c.Funding.MaxRate,
	} {
		if _, err := decimal.NewFromString(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid decimal %q", key, value))
		}
	}
	for account, amount := range c.DevFunding {
		if _, err := decimal.NewFromString(amount); err != nil {
			errs = append(errs, fmt.Errorf("dev_funding.%s: invalid decimal %q", account, amount))
		}
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port))
	}
	if c.Database.DSN == "" {
		errs = append(errs, fmt.Errorf("database DSN is required for %s driver", c.Database.Driver))
	}
	if c.Keeper.Liquidator == "" {
		errs = append(errs, errors.New("keeper.liquidator is required"))
	}
	if c.Kafka.Enabled() && c.Kafka.EventsTopic == "" {
		errs = append(errs, errors.New("kafka.events_topic is required when brokers are set"))
	}
	return errors.Join(errs...)
}

// Decimal 解析已校验过的十进制字符串
func Decimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "perpengine")
	v.SetDefault("environment", "dev")
	v.SetDefault("instance_id", "local")

	v.SetDefault("market.symbol", "ETH-USD")
	v.SetDefault("market.base_reserve", "1000000")
	v.SetDefault("market.quote_reserve", "2000000")
	v.SetDefault("market.max_price_impact_bps", 500)

	v.SetDefault("risk.max_leverage", 20)
	v.SetDefault("risk.maintenance_margin_bps", 250)
	v.SetDefault("risk.trading_fee_bps", 10)
	v.SetDefault("risk.liquidation_fee_bps", 500)
	v.SetDefault("risk.min_collateral", "10")
	v.SetDefault("risk.max_position_size", "1000000")
	v.SetDefault("risk.max_positions_per_user", 10)
	v.SetDefault("risk.fee_recipient", "treasury")

	v.SetDefault("funding.interval", time.Hour)
	v.SetDefault("funding.coefficient", "1")
	v.SetDefault("funding.min_rate", "-0.0075")
	v.SetDefault("funding.max_rate", "0.0075")
	v.SetDefault("funding.max_staleness", 5*time.Minute)

	v.SetDefault("keeper.liquidator", "keeper")
	v.SetDefault("keeper.liquidation_interval", time.Second)
	v.SetDefault("keeper.liquidation_batch", 100)
	v.SetDefault("keeper.funding_interval", time.Minute)
	v.SetDefault("keeper.checkpoint_interval", 30*time.Second)
	v.SetDefault("keeper.snapshot_retention", 100)
	v.SetDefault("keeper.outbox_interval", 200*time.Millisecond)
	v.SetDefault("keeper.outbox_batch", 500)
	v.SetDefault("keeper.outbox_retention", 24*time.Hour)
	v.SetDefault("keeper.lease_ttl", 15*time.Second)

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.rate_limit.enabled", false)
	v.SetDefault("http.rate_limit.rate", 50)
	v.SetDefault("http.rate_limit.period", time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:perpengine.db?_busy_timeout=5000")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("database.log_enabled", false)
	v.SetDefault("database.slow_query_threshold", 200)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.host", "")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_pool_size", 10)
	v.SetDefault("redis.conn_timeout", 5)
	v.SetDefault("redis.read_timeout", 3)
	v.SetDefault("redis.write_timeout", 3)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.group_id", "perpengine")
	v.SetDefault("kafka.session_timeout", 10)
	v.SetDefault("kafka.max_retries", 3)
	v.SetDefault("kafka.retry_backoff", 100)
	v.SetDefault("kafka.start_offset", "latest")
	v.SetDefault("kafka.events_topic", "perp.events")
	v.SetDefault("kafka.price_topic", "market.price")
	v.SetDefault("kafka.dead_letter_topic", "market.price.dlq")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.file_path", "logs/perpengine.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 10)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}
