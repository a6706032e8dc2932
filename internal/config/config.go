// Package config defines all configuration for the monitor service.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// every key overridable via RMS_* environment variables. A .env file in
// the working directory is loaded first, if present.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Broker  BrokerConfig  `mapstructure:"broker"`
	Monitor MonitorConfig `mapstructure:"monitor"`
	WS      WSConfig      `mapstructure:"ws"`
	Alerts  AlertConfig   `mapstructure:"alerts"`
	Export  ExportConfig  `mapstructure:"export"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// BrokerConfig points the broker client at the Broker Manager gateway.
type BrokerConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// MonitorConfig tunes the polling engine.
//
//   - UpdateInterval: period of the poll scheduler tick.
//   - TradeHistoryDays: closed-trades lookback window.
//   - MaxMonitoredAccounts: advisory registry cap; exceeding it logs a warning.
type MonitorConfig struct {
	UpdateInterval       time.Duration `mapstructure:"update_interval"`
	TradeHistoryDays     int           `mapstructure:"trade_history_days"`
	MaxMonitoredAccounts int           `mapstructure:"max_monitored_accounts"`
}

// WSConfig controls the subscriber push channel bind address.
type WSConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// AlertConfig holds the thresholds consumed by the pure alert helpers.
// Threshold evaluation is offered as helpers only; nothing delivers alerts.
type AlertConfig struct {
	MarginLevelWarning  float64 `mapstructure:"margin_level_warning"`
	MarginLevelCritical float64 `mapstructure:"margin_level_critical"`
	MaxLossThreshold    float64 `mapstructure:"max_loss_threshold"`
}

// ExportConfig sets where CLI exports land when no path is given.
type ExportConfig struct {
	Dir string `mapstructure:"dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with RMS_* env var overrides.
// A missing config file is not an error; defaults plus environment apply.
func Load(path string) (*Config, error) {
	// Best effort: a .env in the working directory populates the process env.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("RMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("broker.base_url", "http://localhost:8080")
	v.SetDefault("broker.timeout", 10*time.Second)
	v.SetDefault("monitor.update_interval", 5*time.Second)
	v.SetDefault("monitor.trade_history_days", 30)
	v.SetDefault("monitor.max_monitored_accounts", 100000)
	v.SetDefault("ws.host", "0.0.0.0")
	v.SetDefault("ws.port", 8765)
	v.SetDefault("alerts.margin_level_warning", 150.0)
	v.SetDefault("alerts.margin_level_critical", 100.0)
	v.SetDefault("alerts.max_loss_threshold", -1000.0)
	v.SetDefault("export.dir", "exports")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url is required")
	}
	if c.Monitor.UpdateInterval < time.Second {
		return fmt.Errorf("monitor.update_interval must be at least 1s")
	}
	if c.Monitor.TradeHistoryDays < 1 {
		return fmt.Errorf("monitor.trade_history_days must be at least 1")
	}
	if c.WS.Port <= 0 || c.WS.Port > 65535 {
		return fmt.Errorf("ws.port must be in 1..65535")
	}
	return nil
}
