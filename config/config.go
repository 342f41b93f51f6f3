// Package config loads the flowpilot configuration from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"flowpilot/connectors"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. FLOWPILOT_SERVER_ADDR.
const EnvPrefix = "FLOWPILOT"

// Config holds the configuration for every flowpilot command.
type Config struct {
	Server struct {
		Addr            string        `mapstructure:"addr"`
		ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	} `mapstructure:"server"`
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
	Store struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"store"`
	Redis struct {
		Enabled  bool          `mapstructure:"enabled"`
		Addr     string        `mapstructure:"addr"`
		Password string        `mapstructure:"password"`
		DB       int           `mapstructure:"db"`
		LockTTL  time.Duration `mapstructure:"lockTTL"`
	} `mapstructure:"redis"`
	Temporal struct {
		Enabled   bool   `mapstructure:"enabled"`
		HostPort  string `mapstructure:"hostPort"`
		Namespace string `mapstructure:"namespace"`
		TaskQueue string `mapstructure:"taskQueue"`
	} `mapstructure:"temporal"`
	Definitions struct {
		Dir   string `mapstructure:"dir"`
		Watch bool   `mapstructure:"watch"`
	} `mapstructure:"definitions"`
	Events struct {
		Buffer int `mapstructure:"buffer"`
	} `mapstructure:"events"`
	Timers struct {
		SweepSchedule string `mapstructure:"sweepSchedule"`
	} `mapstructure:"timers"`
	Notifier struct {
		WebhookURL           string `mapstructure:"webhookURL"`
		connectors.QueueConfig `mapstructure:",squash"`
	} `mapstructure:"notifier"`
	HTTP struct {
		Timeout time.Duration            `mapstructure:"timeout"`
		Breaker connectors.BreakerConfig `mapstructure:"breaker"`
	} `mapstructure:"http"`
	// Groups maps a group id to its member user ids.
	Groups map[string][]string `mapstructure:"groups"`
}

func setDefaults(v *viper.Viper) {
	breaker := connectors.DefaultBreakerConfig()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdownTimeout", 15*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lockTTL", 30*time.Second)
	v.SetDefault("temporal.enabled", false)
	v.SetDefault("temporal.hostPort", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.taskQueue", "flowpilot-timers")
	v.SetDefault("definitions.dir", "definitions")
	v.SetDefault("definitions.watch", false)
	v.SetDefault("events.buffer", 64)
	v.SetDefault("timers.sweepSchedule", "*/30 * * * * *")
	v.SetDefault("notifier.webhookURL", "")
	v.SetDefault("notifier.queueSize", 256)
	v.SetDefault("notifier.ratePerSecond", 10.0)
	v.SetDefault("notifier.burst", 5)
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.breaker.maxRequests", breaker.MaxRequests)
	v.SetDefault("http.breaker.interval", breaker.Interval)
	v.SetDefault("http.breaker.openTimeout", breaker.OpenTimeout)
	v.SetDefault("http.breaker.consecutiveFailures", breaker.ConsecutiveFailures)
	v.SetDefault("groups", map[string][]string{})
}

// Load reads the configuration. An empty path searches for flowpilot.yaml in
// the working directory and ./config; a missing file there is not an error.
// Environment variables override the file, e.g. FLOWPILOT_STORE_DSN.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("flowpilot")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return errors.New("config: store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Events.Buffer <= 0 {
		return errors.New("config: events.buffer must be positive")
	}
	return nil
}
