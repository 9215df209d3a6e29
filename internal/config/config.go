package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"medstaff/pkg/logger"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MEDSTAFF_"

// Config is the full server configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server" envPrefix:"SERVER_"`
	Log       logger.Config   `json:"log" yaml:"log" envPrefix:"LOG_"`
	Tenant    TenantConfig    `json:"tenant" yaml:"tenant" envPrefix:"TENANT_"`
	Auth      AuthConfig      `json:"auth" yaml:"auth" envPrefix:"AUTH_"`
	Storage   StorageConfig   `json:"storage" yaml:"storage" envPrefix:"STORAGE_"`
	Redis     RedisConfig     `json:"redis" yaml:"redis" envPrefix:"REDIS_"`
	Cache     CacheConfig     `json:"cache" yaml:"cache" envPrefix:"CACHE_"`
	Queue     QueueConfig     `json:"queue" yaml:"queue" envPrefix:"QUEUE_"`
	Notify    NotifyConfig    `json:"notify" yaml:"notify" envPrefix:"NOTIFY_"`
	Chat      ChatConfig      `json:"chat" yaml:"chat" envPrefix:"CHAT_"`
	Timetrack TimetrackConfig `json:"timetrack" yaml:"timetrack" envPrefix:"TIMETRACK_"`
	Dashboard DashboardConfig `json:"dashboard" yaml:"dashboard" envPrefix:"DASHBOARD_"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics" envPrefix:"METRICS_"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Address                string   `json:"address" yaml:"address" env:"ADDRESS"`
	ReadTimeoutSeconds     int      `json:"read_timeout_seconds" yaml:"read_timeout_seconds" env:"READ_TIMEOUT_SECONDS"`
	WriteTimeoutSeconds    int      `json:"write_timeout_seconds" yaml:"write_timeout_seconds" env:"WRITE_TIMEOUT_SECONDS"`
	ShutdownTimeoutSeconds int      `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds" env:"SHUTDOWN_TIMEOUT_SECONDS"`
	AllowedOrigins         []string `json:"allowed_origins" yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

// TenantConfig names the tenant seeded at startup and used in disabled auth mode.
type TenantConfig struct {
	DefaultID   string `json:"default_id" yaml:"default_id" env:"DEFAULT_ID"`
	DefaultName string `json:"default_name" yaml:"default_name" env:"DEFAULT_NAME"`
}

// AuthConfig controls authentication.
type AuthConfig struct {
	Mode                   string `json:"mode" yaml:"mode" env:"MODE"`
	Secret                 string `json:"secret" yaml:"secret" env:"SECRET"`
	Issuer                 string `json:"issuer" yaml:"issuer" env:"ISSUER"`
	Audience               string `json:"audience" yaml:"audience" env:"AUDIENCE"`
	AccessTokenTTLSeconds  int    `json:"access_token_ttl_seconds" yaml:"access_token_ttl_seconds" env:"ACCESS_TOKEN_TTL_SECONDS"`
	RefreshTokenTTLSeconds int    `json:"refresh_token_ttl_seconds" yaml:"refresh_token_ttl_seconds" env:"REFRESH_TOKEN_TTL_SECONDS"`
	AdminUsername          string `json:"admin_username" yaml:"admin_username" env:"ADMIN_USERNAME"`
	AdminPassword          string `json:"admin_password" yaml:"admin_password" env:"ADMIN_PASSWORD"`
}

// StorageConfig selects the relational backend.
type StorageConfig struct {
	Driver                 string `json:"driver" yaml:"driver" env:"DRIVER"`
	DSN                    string `json:"dsn" yaml:"dsn" env:"DSN"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds" env:"CONN_MAX_LIFETIME_SECONDS"`
	SkipMigrations         bool   `json:"skip_migrations" yaml:"skip_migrations" env:"SKIP_MIGRATIONS"`
}

// RedisConfig is shared by every Redis-backed component.
type RedisConfig struct {
	Address  string `json:"address" yaml:"address" env:"ADDRESS"`
	Password string `json:"password" yaml:"password" env:"PASSWORD"`
	DB       int    `json:"db" yaml:"db" env:"DB"`
}

// CacheConfig selects the dashboard cache.
type CacheConfig struct {
	Driver    string `json:"driver" yaml:"driver" env:"DRIVER"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix" env:"KEY_PREFIX"`
}

// QueueConfig selects the notification queue.
type QueueConfig struct {
	Driver      string `json:"driver" yaml:"driver" env:"DRIVER"`
	Name        string `json:"name" yaml:"name" env:"NAME"`
	Buffer      int    `json:"buffer" yaml:"buffer" env:"BUFFER"`
	RabbitMQURL string `json:"rabbitmq_url" yaml:"rabbitmq_url" env:"RABBITMQ_URL"`
}

// NotifyConfig controls notification delivery.
type NotifyConfig struct {
	Workers    int `json:"workers" yaml:"workers" env:"WORKERS"`
	MaxRetries int `json:"max_retries" yaml:"max_retries" env:"MAX_RETRIES"`
	// LeaseSeconds is how long a sending notification stays with its worker
	// before another run may take it over.
	LeaseSeconds int           `json:"lease_seconds" yaml:"lease_seconds" env:"LEASE_SECONDS"`
	Webhook      WebhookConfig `json:"webhook" yaml:"webhook" envPrefix:"WEBHOOK_"`
	SMTP         SMTPConfig    `json:"smtp" yaml:"smtp" envPrefix:"SMTP_"`
}

// WebhookConfig enables the webhook channel when URL is set.
type WebhookConfig struct {
	URL            string `json:"url" yaml:"url" env:"URL"`
	Attempts       uint   `json:"attempts" yaml:"attempts" env:"ATTEMPTS"`
	DelayMillis    int    `json:"delay_millis" yaml:"delay_millis" env:"DELAY_MILLIS"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds" env:"TIMEOUT_SECONDS"`
}

// SMTPConfig enables the e-mail channel when Host is set.
type SMTPConfig struct {
	Host     string `json:"host" yaml:"host" env:"HOST"`
	Port     int    `json:"port" yaml:"port" env:"PORT"`
	Username string `json:"username" yaml:"username" env:"USERNAME"`
	Password string `json:"password" yaml:"password" env:"PASSWORD"`
	From     string `json:"from" yaml:"from" env:"FROM"`
}

// ChatConfig selects the realtime broker.
type ChatConfig struct {
	Broker  string `json:"broker" yaml:"broker" env:"BROKER"`
	Channel string `json:"channel" yaml:"channel" env:"CHANNEL"`
}

// TimetrackConfig holds the irregularity detector thresholds.
type TimetrackConfig struct {
	LateToleranceMinutes  int `json:"late_tolerance_minutes" yaml:"late_tolerance_minutes" env:"LATE_TOLERANCE_MINUTES"`
	EarlyToleranceMinutes int `json:"early_tolerance_minutes" yaml:"early_tolerance_minutes" env:"EARLY_TOLERANCE_MINUTES"`
	LunchToleranceMinutes int `json:"lunch_tolerance_minutes" yaml:"lunch_tolerance_minutes" env:"LUNCH_TOLERANCE_MINUTES"`
	MaxOvertimeMinutes    int `json:"max_overtime_minutes" yaml:"max_overtime_minutes" env:"MAX_OVERTIME_MINUTES"`
	LunchRequiredAfterMin int `json:"lunch_required_after_minutes" yaml:"lunch_required_after_minutes" env:"LUNCH_REQUIRED_AFTER_MINUTES"`
	MinRestMinutes        int `json:"min_rest_minutes" yaml:"min_rest_minutes" env:"MIN_REST_MINUTES"`
}

// DashboardConfig controls the overview cache.
type DashboardConfig struct {
	CacheTTLSeconds    int `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds" env:"CACHE_TTL_SECONDS"`
	ExpiringWithinDays int `json:"expiring_within_days" yaml:"expiring_within_days" env:"EXPIRING_WITHIN_DAYS"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Address string `json:"address" yaml:"address" env:"ADDRESS"`
}

// Load reads path (JSON or YAML by extension), applies environment overrides
// and defaults. An empty path loads from the environment only.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := decode(path, content, &cfg); err != nil {
			return nil, err
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	baseDir := "."
	if path != "" {
		baseDir = filepath.Dir(path)
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(path string, content []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return fmt.Errorf("parse yaml config: %w", err)
		}
	case ".json", "":
		if err := json.Unmarshal(content, cfg); err != nil {
			return fmt.Errorf("parse json config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	return nil
}

func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 15
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 30
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 10
	}

	if c.Log.Audit.Enabled && c.Log.Audit.Path == "" {
		c.Log.Audit.Path = filepath.Join(baseDir, "logs", "audit.log")
	}

	if c.Tenant.DefaultID == "" {
		c.Tenant.DefaultID = "default"
	}
	if c.Tenant.DefaultName == "" {
		c.Tenant.DefaultName = "MedStaff"
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "medstaff"
	}
	if c.Auth.Audience == "" {
		c.Auth.Audience = "medstaff-api"
	}
	if c.Auth.AccessTokenTTLSeconds <= 0 {
		c.Auth.AccessTokenTTLSeconds = 900
	}
	if c.Auth.RefreshTokenTTLSeconds <= 0 {
		c.Auth.RefreshTokenTTLSeconds = 7 * 24 * 3600
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Driver == "sqlite" && c.Storage.DSN == "" {
		c.Storage.DSN = filepath.Join(baseDir, "data", "medstaff.db")
	}

	if c.Redis.Address == "" {
		c.Redis.Address = "127.0.0.1:6379"
	}
	if c.Cache.Driver == "" {
		c.Cache.Driver = "memory"
	}
	if c.Cache.KeyPrefix == "" {
		c.Cache.KeyPrefix = "medstaff:"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Name == "" {
		c.Queue.Name = "medstaff.notifications"
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 256
	}

	if c.Notify.Workers <= 0 {
		c.Notify.Workers = 2
	}
	if c.Notify.MaxRetries <= 0 {
		c.Notify.MaxRetries = 3
	}
	if c.Notify.LeaseSeconds <= 0 {
		c.Notify.LeaseSeconds = 120
	}
	if c.Notify.Webhook.Attempts == 0 {
		c.Notify.Webhook.Attempts = 3
	}
	if c.Notify.Webhook.DelayMillis <= 0 {
		c.Notify.Webhook.DelayMillis = 200
	}
	if c.Notify.Webhook.TimeoutSeconds <= 0 {
		c.Notify.Webhook.TimeoutSeconds = 5
	}
	if c.Notify.SMTP.Port == 0 {
		c.Notify.SMTP.Port = 587
	}

	if c.Chat.Broker == "" {
		c.Chat.Broker = "local"
	}
	if c.Chat.Channel == "" {
		c.Chat.Channel = "medstaff:chat"
	}

	if c.Timetrack.LateToleranceMinutes <= 0 {
		c.Timetrack.LateToleranceMinutes = 10
	}
	if c.Timetrack.EarlyToleranceMinutes <= 0 {
		c.Timetrack.EarlyToleranceMinutes = 10
	}
	if c.Timetrack.LunchToleranceMinutes <= 0 {
		c.Timetrack.LunchToleranceMinutes = 10
	}
	if c.Timetrack.MaxOvertimeMinutes <= 0 {
		c.Timetrack.MaxOvertimeMinutes = 120
	}
	if c.Timetrack.LunchRequiredAfterMin <= 0 {
		c.Timetrack.LunchRequiredAfterMin = 360
	}
	if c.Timetrack.MinRestMinutes <= 0 {
		c.Timetrack.MinRestMinutes = 660
	}

	if c.Dashboard.CacheTTLSeconds <= 0 {
		c.Dashboard.CacheTTLSeconds = 60
	}
	if c.Dashboard.ExpiringWithinDays <= 0 {
		c.Dashboard.ExpiringWithinDays = 30
	}
}

// Validate rejects combinations that cannot start.
func (c *Config) Validate() error {
	var errs []error
	switch c.Auth.Mode {
	case "disabled":
	case "jwt":
		if len(c.Auth.Secret) < 16 {
			errs = append(errs, errors.New("auth.secret must be at least 16 bytes in jwt mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown auth.mode %q", c.Auth.Mode))
	}
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres", "postgresql", "supabase", "mysql":
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}
	if c.Storage.Driver != "memory" && c.Storage.DSN == "" {
		errs = append(errs, errors.New("storage.dsn is required"))
	}
	switch c.Cache.Driver {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown cache.driver %q", c.Cache.Driver))
	}
	switch c.Queue.Driver {
	case "memory", "redis":
	case "rabbitmq":
		if c.Queue.RabbitMQURL == "" {
			errs = append(errs, errors.New("queue.rabbitmq_url is required for the rabbitmq driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown queue.driver %q", c.Queue.Driver))
	}
	switch c.Chat.Broker {
	case "local", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown chat.broker %q", c.Chat.Broker))
	}
	return errors.Join(errs...)
}

// Duration helpers.

func (s ServerConfig) ReadTimeout() time.Duration  { return seconds(s.ReadTimeoutSeconds) }
func (s ServerConfig) WriteTimeout() time.Duration { return seconds(s.WriteTimeoutSeconds) }
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return seconds(s.ShutdownTimeoutSeconds)
}
func (a AuthConfig) AccessTokenTTL() time.Duration  { return seconds(a.AccessTokenTTLSeconds) }
func (a AuthConfig) RefreshTokenTTL() time.Duration { return seconds(a.RefreshTokenTTLSeconds) }
func (s StorageConfig) ConnMaxLifetime() time.Duration {
	return seconds(s.ConnMaxLifetimeSeconds)
}
func (d DashboardConfig) CacheTTL() time.Duration { return seconds(d.CacheTTLSeconds) }
func (w WebhookConfig) Delay() time.Duration {
	return time.Duration(w.DelayMillis) * time.Millisecond
}
func (w WebhookConfig) Timeout() time.Duration { return seconds(w.TimeoutSeconds) }

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
