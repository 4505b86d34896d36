package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	RabbitMQ  RabbitMQConfig  `mapstructure:"rabbitmq"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Bidding   BiddingConfig   `mapstructure:"bidding"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL            string `mapstructure:"url"`
	MigrateOnStart bool   `mapstructure:"migrate_on_start"`
}

type RabbitMQConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// RedisConfig is optional. An empty Addr disables the scheduler lease and notifications.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type BiddingConfig struct {
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
}

type SchedulerConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	BatchSize         int           `mapstructure:"batch_size"`
	LockTimeout       time.Duration `mapstructure:"lock_timeout"`
	LeaseTTL          time.Duration `mapstructure:"lease_ttl"`
	LeaseKey          string        `mapstructure:"lease_key"`
	InstanceID        string        `mapstructure:"instance_id"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`
}

type OutboxConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	Issuer        string `mapstructure:"issuer"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// env names kept from the existing deployment
var envBindings = map[string]string{
	"database.url":          "AUCTION_DB_URL",
	"rabbitmq.url":          "RABBITMQ_URL",
	"redis.addr":            "REDIS_ADDR",
	"redis.password":        "REDIS_PASSWORD",
	"scheduler.interval":    "SCHEDULER_INTERVAL",
	"scheduler.instance_id": "INSTANCE_ID",
	"auth.public_key_path":  "JWT_PUBLIC_KEY_PATH",
	"log.level":             "LOG_LEVEL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("database.url", "")
	v.SetDefault("database.migrate_on_start", false)
	v.SetDefault("rabbitmq.url", "")
	v.SetDefault("rabbitmq.exchange", "auction.events")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("bidding.lock_timeout", 500*time.Millisecond)
	v.SetDefault("bidding.max_retries", 3)
	v.SetDefault("bidding.retry_delay", 20*time.Millisecond)
	v.SetDefault("scheduler.interval", 30*time.Second)
	v.SetDefault("scheduler.batch_size", 100)
	v.SetDefault("scheduler.lock_timeout", 2*time.Second)
	v.SetDefault("scheduler.lease_ttl", 90*time.Second)
	v.SetDefault("scheduler.lease_key", "auction-scheduler:leader")
	v.SetDefault("scheduler.instance_id", defaultInstanceID())
	v.SetDefault("scheduler.max_reconnect_delay", 30*time.Second)
	v.SetDefault("outbox.batch_size", 10)
	v.SetDefault("outbox.poll_interval", time.Second)
	v.SetDefault("auth.public_key_path", "")
	v.SetDefault("auth.issuer", "gavel-auth-service")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "auction-scheduler"
	}
	return host
}

// Load reads defaults, an optional config.yaml and the environment.
// Any key can be overridden as AUCTION_<SECTION>_<KEY>, e.g. AUCTION_BIDDING_MAX_RETRIES.
func Load() (*Config, error) {
	return load("")
}

// LoadFromFile is Load with an explicit config file that must exist.
func LoadFromFile(path string) (*Config, error) {
	return load(path)
}

func load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AUCTION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, "AUCTION_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings every binary needs.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url (AUCTION_DB_URL) is not set"))
	}
	if c.Bidding.LockTimeout <= 0 {
		errs = append(errs, errors.New("bidding.lock_timeout must be positive"))
	}
	if c.Bidding.MaxRetries < 0 {
		errs = append(errs, errors.New("bidding.max_retries must not be negative"))
	}
	if c.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("scheduler.interval must be positive"))
	}
	if c.Scheduler.BatchSize <= 0 {
		errs = append(errs, errors.New("scheduler.batch_size must be positive"))
	}
	if c.Scheduler.LockTimeout <= 0 {
		errs = append(errs, errors.New("scheduler.lock_timeout must be positive"))
	}
	if c.Scheduler.LeaseTTL <= c.Scheduler.Interval {
		errs = append(errs, errors.New("scheduler.lease_ttl must exceed scheduler.interval"))
	}
	if c.Outbox.BatchSize <= 0 || c.Outbox.PollInterval <= 0 {
		errs = append(errs, errors.New("outbox batch_size and poll_interval must be positive"))
	}
	return errors.Join(errs...)
}

// String renders the non-secret settings for the startup log line.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Server: %s, RabbitMQ exchange: %s, Redis: %s, Scheduler: every %s (instance %s)",
		c.Server.Addr,
		c.RabbitMQ.Exchange,
		c.Redis.Addr,
		c.Scheduler.Interval,
		c.Scheduler.InstanceID,
	)
}
