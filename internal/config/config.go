// Package config loads service configuration from an optional YAML file with
// environment overrides, and watches the model catalog for hot reloads.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/postpilot/coordinator/internal/tracing"
)

// Config is the full service configuration.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Tracing   tracing.Config  `mapstructure:"tracing"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServiceConfig holds the listener addresses.
type ServiceConfig struct {
	APIAddr   string `mapstructure:"api_addr"`
	AdminAddr string `mapstructure:"admin_addr"`
}

// ProvidersConfig holds vendor credentials and endpoint overrides. Keys come
// from the environment, never from the config file.
type ProvidersConfig struct {
	OpenAIKey        string `mapstructure:"-"`
	AnthropicKey     string `mapstructure:"-"`
	OpenAIBaseURL    string `mapstructure:"openai_base_url"`
	AnthropicBaseURL string `mapstructure:"anthropic_base_url"`
	RequestsPerSec   int    `mapstructure:"requests_per_sec"`
	CatalogPath      string `mapstructure:"catalog_path"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type BudgetConfig struct {
	DefaultMonthlyLimitUSD float64 `mapstructure:"default_monthly_limit_usd"`
}

type CacheConfig struct {
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
}

type SchedulerConfig struct {
	Concurrency   int           `mapstructure:"concurrency"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SweepGrace    time.Duration `mapstructure:"sweep_grace"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("service.api_addr", ":8080")
	v.SetDefault("service.admin_addr", ":9090")
	v.SetDefault("providers.requests_per_sec", 10)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("budget.default_monthly_limit_usd", 100.0)
	v.SetDefault("cache.default_ttl", 24*time.Hour)
	v.SetDefault("scheduler.concurrency", 4)
	v.SetDefault("scheduler.poll_interval", 5*time.Second)
	v.SetDefault("scheduler.sweep_interval", 5*time.Minute)
	v.SetDefault("scheduler.sweep_grace", time.Minute)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "postpilot-coordinator")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads configuration from path (or $CONFIG_PATH when path is empty),
// applies COORDINATOR_* environment overrides, then pulls vendor API keys
// from the standard environment variables. A missing config file falls back
// to defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix("COORDINATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
					return nil, fmt.Errorf("config: read %s: %w", path, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg.Providers.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	cfg.Providers.AnthropicKey = os.Getenv("ANTHROPIC_API_KEY")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Service.APIAddr == "" {
		return fmt.Errorf("config: service.api_addr is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("config: redis.addr is required")
	}
	if c.Budget.DefaultMonthlyLimitUSD < 0 {
		return fmt.Errorf("config: budget.default_monthly_limit_usd must be >= 0")
	}
	if c.Scheduler.Concurrency < 1 {
		return fmt.Errorf("config: scheduler.concurrency must be >= 1")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown logging level %q", c.Logging.Level)
	}
	return nil
}
