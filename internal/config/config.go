// Package config loads the service configuration from ./config/config.yaml
// and ALERTSCHED_ environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "ALERTSCHED"

// Config is the full service configuration
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Log       LogConfig       `mapstructure:"log"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Lock      LockConfig      `mapstructure:"lock"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Notify    NotifyConfig    `mapstructure:"notify"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
}

type LogConfig struct {
	Production bool `mapstructure:"production"`
}

type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type StorageConfig struct {
	Path string `mapstructure:"path"`
}

type SchedulerConfig struct {
	Type                 string        `mapstructure:"type"`
	CorePoolSize         int           `mapstructure:"core_pool_size"`
	MaxRetryCount        int           `mapstructure:"max_retry_count"`
	RetryIntervalSeconds int           `mapstructure:"retry_interval_seconds"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	LogRetention         time.Duration `mapstructure:"log_retention"`
}

// RetryInterval returns the delay before a failed attempt is retried
func (c SchedulerConfig) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalSeconds) * time.Second
}

type LockConfig struct {
	Type string        `mapstructure:"type"`
	TTL  time.Duration `mapstructure:"ttl"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MetricsConfig struct {
	Addr           string        `mapstructure:"addr"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

type NotifyConfig struct {
	WebhookTimeout   time.Duration `mapstructure:"webhook_timeout"`
	SMSRatePerSecond float64       `mapstructure:"sms_rate_per_second"`
	SMSGatewayURL    string        `mapstructure:"sms_gateway_url"`
	Email            EmailConfig   `mapstructure:"email"`
}

// EmailConfig holds SMTP settings. An empty Host logs mail instead of sending it.
type EmailConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "alert-scheduler")
	v.SetDefault("log.production", false)

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)

	v.SetDefault("storage.path", "alert_scheduler.db")

	v.SetDefault("scheduler.type", "simple")
	v.SetDefault("scheduler.core_pool_size", 10)
	v.SetDefault("scheduler.max_retry_count", 3)
	v.SetDefault("scheduler.retry_interval_seconds", 60)
	v.SetDefault("scheduler.poll_interval", time.Second)
	v.SetDefault("scheduler.log_retention", 30*24*time.Hour)

	v.SetDefault("lock.type", LockLocal)
	v.SetDefault("lock.ttl", 300*time.Second)

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("metrics.sample_interval", 15*time.Second)

	v.SetDefault("notify.webhook_timeout", 10*time.Second)
	v.SetDefault("notify.sms_rate_per_second", 5)
	v.SetDefault("notify.sms_gateway_url", "")
	v.SetDefault("notify.email.host", "")
	v.SetDefault("notify.email.port", 587)
	v.SetDefault("notify.email.username", "")
	v.SetDefault("notify.email.password", "")
	v.SetDefault("notify.email.from", "alerts@localhost")
}

// Load reads config.yaml from dir, when present, over the defaults and applies
// ALERTSCHED_ environment overrides such as ALERTSCHED_NATS_URL.
func Load(dir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Lock types accepted by lock.type
const (
	LockLocal  = "local"
	LockSQLite = "sqlite"
	LockRedis  = "redis"
)

// Validate checks values that have no usable fallback
func (c *Config) Validate() error {
	switch c.Scheduler.Type {
	case "simple", "persistent":
	default:
		return fmt.Errorf("invalid scheduler.type %q", c.Scheduler.Type)
	}
	switch c.Lock.Type {
	case LockLocal, LockSQLite, LockRedis:
	default:
		return fmt.Errorf("invalid lock.type %q", c.Lock.Type)
	}
	if c.Scheduler.CorePoolSize <= 0 {
		return fmt.Errorf("scheduler.core_pool_size must be positive, got %d", c.Scheduler.CorePoolSize)
	}
	if c.Storage.Path == "" {
		return errors.New("storage.path is required")
	}
	return nil
}
