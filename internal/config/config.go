package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"cometwatch/internal/alerting"
	"cometwatch/internal/logging"
	"cometwatch/internal/market"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig           `mapstructure:"app"`
	Logging    logging.Config      `mapstructure:"logging"`
	Database   DatabaseConfig      `mapstructure:"database"`
	Scheduler  SchedulerConfig     `mapstructure:"scheduler"`
	Ethereum   EthereumConfig      `mapstructure:"ethereum"`
	Markets    []MarketConfig      `mapstructure:"markets"`
	Thresholds alerting.Thresholds `mapstructure:"thresholds"`
	Alerting   AlertingConfig      `mapstructure:"alerting"`
	Export     ExportConfig        `mapstructure:"export"`
	HTTP       HTTPConfig          `mapstructure:"http"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs polling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// EthereumConfig covers on-chain data access.
type EthereumConfig struct {
	RPCURL       string        `mapstructure:"rpc_url"`
	CallTimeout  time.Duration `mapstructure:"call_timeout"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	FallbackSeed uint64        `mapstructure:"fallback_seed"`
	MaxRPS       float64       `mapstructure:"max_rps"`
	RPSBurst     int           `mapstructure:"rps_burst"`
}

// MarketConfig describes one Comet deployment.
type MarketConfig struct {
	Symbol        string `mapstructure:"symbol"`
	Address       string `mapstructure:"address"`
	BaseDecimals  int32  `mapstructure:"base_decimals"`
	PriceDecimals int32  `mapstructure:"price_decimals"`
}

// AlertingConfig defines alert history and routing.
type AlertingConfig struct {
	Enabled         bool           `mapstructure:"enabled"`
	Cooldown        time.Duration  `mapstructure:"cooldown"`
	MinSeverity     string         `mapstructure:"min_severity"`
	HistoryCapacity int            `mapstructure:"history_capacity"`
	Retention       time.Duration  `mapstructure:"retention"`
	Channels        []string       `mapstructure:"channels"`
	Telegram        TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// HTTPConfig controls the read API and metrics listener.
type HTTPConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// Watch loads the configuration and calls onChange with every valid
// reload of the file. Invalid reloads are reported through onError.
func Watch(path string, onChange func(*Config), onError func(error)) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if v.ConfigFileUsed() == "" {
		return cfg, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		onChange(next)
	})
	v.WatchConfig()
	return cfg, nil
}

func newViper(path string) (*viper.Viper, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("COMETWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "cometwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_age_days", 7)

	v.SetDefault("scheduler.interval", "30s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x636f6d74))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("ethereum.rpc_url", "https://cloudflare-eth.com")
	v.SetDefault("ethereum.call_timeout", "3s")
	v.SetDefault("ethereum.probe_timeout", "5s")
	v.SetDefault("ethereum.max_rps", 0)
	v.SetDefault("ethereum.rps_burst", 8)

	v.SetDefault("markets", []map[string]any{
		{"symbol": "USDC", "address": "0xc3d688B66703497DAA19211EEdff47f25384cdc3", "base_decimals": 6, "price_decimals": 8},
		{"symbol": "WETH", "address": "0xA17581A9E3356d9A858b789D68B4d866e593aE94", "base_decimals": 18, "price_decimals": 8},
		{"symbol": "USDT", "address": "0x3Afdc9BCA9213A35503b077a6072F3D0d5AB0840", "base_decimals": 6, "price_decimals": 8},
	})

	d := alerting.DefaultThresholds()
	v.SetDefault("thresholds.utilization_high", d.UtilizationHigh)
	v.SetDefault("thresholds.utilization_critical", d.UtilizationCritical)
	v.SetDefault("thresholds.rate_change", d.RateChange)
	v.SetDefault("thresholds.arbitrage_spread", d.ArbitrageSpread)
	v.SetDefault("thresholds.supply_apy", d.SupplyAPY)
	v.SetDefault("thresholds.depletion", d.Depletion)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.min_severity", "high")
	v.SetDefault("alerting.history_capacity", alerting.DefaultCapacity)
	v.SetDefault("alerting.retention", alerting.DefaultRetention.String())
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("http.listen_addr", "")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
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

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Ethereum.CallTimeout <= 0 {
		return fmt.Errorf("ethereum.call_timeout must be greater than zero")
	}
	if c.Ethereum.MaxRPS < 0 {
		return fmt.Errorf("ethereum.max_rps cannot be negative")
	}
	if len(c.Markets) == 0 {
		return fmt.Errorf("markets must list at least one market")
	}
	seen := make(map[string]struct{}, len(c.Markets))
	for i, m := range c.Markets {
		if m.Symbol == "" || m.Address == "" {
			return fmt.Errorf("markets[%d]: symbol and address are required", i)
		}
		if _, dup := seen[m.Symbol]; dup {
			return fmt.Errorf("markets[%d]: duplicate symbol %s", i, m.Symbol)
		}
		seen[m.Symbol] = struct{}{}
	}
	if err := validateThresholds(c.Thresholds); err != nil {
		return err
	}
	if _, err := alerting.ParseSeverity(c.Alerting.MinSeverity); err != nil {
		return fmt.Errorf("alerting.min_severity: %w", err)
	}
	if c.Alerting.HistoryCapacity <= 0 {
		return fmt.Errorf("alerting.history_capacity must be greater than zero")
	}
	if c.Alerting.Retention <= 0 {
		return fmt.Errorf("alerting.retention must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

func validateThresholds(t alerting.Thresholds) error {
	checks := []struct {
		name  string
		value float64
	}{
		{"thresholds.utilization_high", t.UtilizationHigh},
		{"thresholds.utilization_critical", t.UtilizationCritical},
		{"thresholds.rate_change", t.RateChange},
		{"thresholds.arbitrage_spread", t.ArbitrageSpread},
		{"thresholds.supply_apy", t.SupplyAPY},
		{"thresholds.depletion", t.Depletion},
	}
	for _, c := range checks {
		if c.value < 0 {
			return fmt.Errorf("%s cannot be negative", c.name)
		}
	}
	if t.UtilizationCritical < t.UtilizationHigh {
		return fmt.Errorf("thresholds.utilization_critical must not be below utilization_high")
	}
	return nil
}

// Descriptors converts the market list into engine descriptors.
func (c *Config) Descriptors() []market.Descriptor {
	out := make([]market.Descriptor, len(c.Markets))
	for i, m := range c.Markets {
		out[i] = market.Descriptor{
			Symbol:        m.Symbol,
			Address:       m.Address,
			BaseDecimals:  m.BaseDecimals,
			PriceDecimals: m.PriceDecimals,
		}
	}
	return out
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
