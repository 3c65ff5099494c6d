// Package config provides YAML-based configuration loading for Roundhouse.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v8"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/zulandar/roundhouse/internal/db"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. RH_NLU_URL.
const EnvPrefix = "RH_"

// Config is the top-level Roundhouse configuration, loaded from roundhouse.yaml.
type Config struct {
	InstanceID  string            `yaml:"instance_id" env:"INSTANCE_ID"`
	Database    DatabaseConfig    `yaml:"database" envPrefix:"DB_"`
	NLU         NLUConfig         `yaml:"nlu" envPrefix:"NLU_"`
	Auth        AuthConfig        `yaml:"auth" envPrefix:"AUTH_"`
	Cache       CacheConfig       `yaml:"cache" envPrefix:"CACHE_"`
	Notify      NotifyConfig      `yaml:"notify" envPrefix:"NOTIFY_"`
	Server      ServerConfig      `yaml:"server" envPrefix:"SERVER_"`
	Reconcile   ReconcileConfig   `yaml:"reconcile" envPrefix:"RECONCILE_"`
	Definitions DefinitionsConfig `yaml:"definitions" envPrefix:"DEFINITIONS_"`
	Log         LogConfig         `yaml:"log" envPrefix:"LOG_"`
}

// DatabaseConfig holds connection settings for the model-entry store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver" env:"DRIVER"`
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	Database string `yaml:"database" env:"DATABASE"`
	Path     string `yaml:"path" env:"PATH"`
	DSN      string `yaml:"dsn" env:"DSN"`
}

// Options converts the section to db connection options.
func (d DatabaseConfig) Options() db.Options {
	return db.Options{
		Driver:   d.Driver,
		Host:     d.Host,
		Port:     d.Port,
		User:     d.User,
		Password: d.Password,
		Database: d.Database,
		Path:     d.Path,
		DSN:      d.DSN,
	}
}

// NLUConfig locates the remote training and prediction service.
type NLUConfig struct {
	URL             string        `yaml:"url" env:"URL"`
	Timeout         time.Duration `yaml:"timeout" env:"TIMEOUT"`
	PollInterval    time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	TrainingTimeout time.Duration `yaml:"training_timeout" env:"TRAINING_TIMEOUT"`
	Retry           RetryConfig   `yaml:"retry" envPrefix:"RETRY_"`
}

// RetryConfig bounds retries of unreachable-service failures.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
}

// AuthConfig selects how per-model tokens are produced. TokenSecret signs
// scoped tokens; StaticToken is sent as is when no secret is set.
type AuthConfig struct {
	TokenSecret string        `yaml:"token_secret" env:"TOKEN_SECRET"`
	StaticToken string        `yaml:"static_token" env:"STATIC_TOKEN"`
	TokenTTL    time.Duration `yaml:"token_ttl" env:"TOKEN_TTL"`
}

// CacheConfig sizes the prediction cache. An empty RedisAddr keeps it in process.
type CacheConfig struct {
	Size          int           `yaml:"size" env:"SIZE"`
	RedisAddr     string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisPrefix   string        `yaml:"redis_prefix" env:"REDIS_PREFIX"`
	TTL           time.Duration `yaml:"ttl" env:"TTL"`
}

// NotifyConfig holds chat destinations for lifecycle events.
type NotifyConfig struct {
	Slack   ChatConfig `yaml:"slack" envPrefix:"SLACK_"`
	Discord ChatConfig `yaml:"discord" envPrefix:"DISCORD_"`
}

// ChatConfig is one chat destination. It is enabled when both fields are set.
type ChatConfig struct {
	BotToken  string `yaml:"bot_token" env:"BOT_TOKEN"`
	ChannelID string `yaml:"channel_id" env:"CHANNEL_ID"`
}

// Enabled reports whether the destination is configured.
func (c ChatConfig) Enabled() bool {
	return c.BotToken != "" && c.ChannelID != ""
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" env:"PORT"`
}

// ReconcileConfig schedules stale-entry cleanup.
type ReconcileConfig struct {
	Schedule string `yaml:"schedule" env:"SCHEDULE"`
}

// DefinitionsConfig points at bot definition files.
type DefinitionsConfig struct {
	Dir   string `yaml:"dir" env:"DIR"`
	Watch bool   `yaml:"watch" env:"WATCH"`
}

// LogConfig selects the log level and encoding.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes, applies RH_* environment overrides, and
// returns a validated Config.
func Parse(data []byte) (*Config, error) {
	return parse(data, nil)
}

// parse uses environ instead of the process environment when non-nil.
func parse(data []byte, environ map[string]string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	opts := env.Options{Prefix: EnvPrefix, Environment: environ}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}

	if c.Database.Driver == "" {
		c.Database.Driver = db.DriverSQLite
	}
	switch c.Database.Driver {
	case db.DriverSQLite:
		if c.Database.Path == "" && c.Database.DSN == "" {
			c.Database.Path = "roundhouse.db"
		}
	case db.DriverMySQL:
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
	case db.DriverPostgres:
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 5432
		}
	}
	if c.Database.Database == "" {
		c.Database.Database = "roundhouse"
	}

	if c.NLU.URL == "" {
		c.NLU.URL = "http://localhost:3200"
	}
	if c.NLU.Timeout == 0 {
		c.NLU.Timeout = 30 * time.Second
	}
	if c.NLU.PollInterval == 0 {
		c.NLU.PollInterval = 500 * time.Millisecond
	}
	if c.NLU.Retry.MaxAttempts == 0 {
		c.NLU.Retry.MaxAttempts = 4
	}
	if c.NLU.Retry.InitialDelay == 0 {
		c.NLU.Retry.InitialDelay = 200 * time.Millisecond
	}
	if c.NLU.Retry.MaxDelay == 0 {
		c.NLU.Retry.MaxDelay = 5 * time.Second
	}

	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = time.Hour
	}
	if c.Cache.Size == 0 {
		c.Cache.Size = 4096
	}
	if c.Cache.RedisPrefix == "" {
		c.Cache.RedisPrefix = "rh:pred:"
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 24 * time.Hour
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8380
	}
	if c.Reconcile.Schedule == "" {
		c.Reconcile.Schedule = "*/10 * * * *"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "auto"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case db.DriverMySQL, db.DriverPostgres, db.DriverSQLite:
	default:
		errs = append(errs, fmt.Sprintf("database.driver must be one of mysql, postgres, sqlite (got %q)", c.Database.Driver))
	}
	if c.Database.Port < 0 || c.Database.Port > 65535 {
		errs = append(errs, "database.port must be between 0 and 65535")
	}
	if !strings.HasPrefix(c.NLU.URL, "http://") && !strings.HasPrefix(c.NLU.URL, "https://") {
		errs = append(errs, fmt.Sprintf("nlu.url must be an http(s) URL (got %q)", c.NLU.URL))
	}
	if c.NLU.Timeout < 0 || c.NLU.PollInterval < 0 || c.NLU.TrainingTimeout < 0 {
		errs = append(errs, "nlu durations must not be negative")
	}
	if c.NLU.Retry.MaxAttempts < 1 {
		errs = append(errs, "nlu.retry.max_attempts must be at least 1")
	}
	if c.Auth.TokenSecret != "" && len(c.Auth.TokenSecret) < 16 {
		errs = append(errs, "auth.token_secret must be at least 16 characters")
	}
	if c.Cache.Size < 0 {
		errs = append(errs, "cache.size must not be negative")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if _, err := cron.ParseStandard(c.Reconcile.Schedule); err != nil {
		errs = append(errs, fmt.Sprintf("reconcile.schedule is invalid: %v", err))
	}
	if c.Definitions.Watch && c.Definitions.Dir == "" {
		errs = append(errs, "definitions.dir is required when definitions.watch is set")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level must be one of debug, info, warn, error (got %q)", c.Log.Level))
	}
	switch c.Log.Format {
	case "auto", "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("log.format must be one of auto, json, console (got %q)", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
