package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Logging      LoggingConfig      `yaml:"logging"`
	Mail         MailConfig         `yaml:"mail"`
	Snowflake    SnowflakeConfig    `yaml:"snowflake"`
	Segmentation SegmentationConfig `yaml:"segmentation"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Notify       NotifyConfig       `yaml:"notify"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// Addr is host:port for http.Server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// DatabaseConfig holds the Postgres connection settings
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// Lifetime returns the connection max lifetime.
func (c DatabaseConfig) Lifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetime) * time.Minute
}

// RedisConfig holds the Redis used for run locks. Empty URL falls back to
// Postgres advisory locks.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// LoggingConfig controls the structured logger
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Redact reports whether email addresses are masked in logs. Defaults to true.
func (c LoggingConfig) Redact() bool {
	return c.RedactPII == nil || *c.RedactPII
}

// MailConfig selects and configures the transactional mail provider.
// Provider is one of "log", "resend" or "ses".
type MailConfig struct {
	Provider  string       `yaml:"provider"`
	FromName  string       `yaml:"from_name"`
	FromEmail string       `yaml:"from_email"`
	Resend    ResendConfig `yaml:"resend"`
	SES       SESConfig    `yaml:"ses"`
}

// ResendConfig holds Resend API configuration
type ResendConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the HTTP timeout for Resend calls.
func (c ResendConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SESConfig holds AWS SES v2 configuration
type SESConfig struct {
	Region           string `yaml:"region"`
	AccessKey        string `yaml:"access_key"`
	SecretKey        string `yaml:"secret_key"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// SnowflakeConfig holds the warehouse feature source. When Enabled, segment
// evaluation reads features from Snowflake instead of Postgres.
type SnowflakeConfig struct {
	Account   string `yaml:"account"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	Database  string `yaml:"database"`
	Schema    string `yaml:"schema"`
	Warehouse string `yaml:"warehouse"`
	Table     string `yaml:"table"`
	Enabled   bool   `yaml:"enabled"`
}

// SegmentationConfig holds segment evaluation settings
type SegmentationConfig struct {
	Enabled                 bool   `yaml:"enabled"`
	IntervalSeconds         int    `yaml:"interval_seconds"`
	PageSize                int    `yaml:"page_size"`
	PredicateTimeoutSeconds int    `yaml:"predicate_timeout_seconds"`
	PredicateRole           string `yaml:"predicate_role"`
}

// Interval returns the evaluation tick interval.
func (c SegmentationConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// PredicateTimeout returns the statement timeout for SQL segments.
func (c SegmentationConfig) PredicateTimeout() time.Duration {
	return time.Duration(c.PredicateTimeoutSeconds) * time.Second
}

// SchedulerConfig holds automation step scheduler settings
type SchedulerConfig struct {
	Enabled            bool `yaml:"enabled"`
	IntervalSeconds    int  `yaml:"interval_seconds"`
	BatchSize          int  `yaml:"batch_size"`
	SendTimeoutSeconds int  `yaml:"send_timeout_seconds"`
	LeaseSeconds       int  `yaml:"lease_seconds"`
}

// Interval returns the scheduler tick interval.
func (c SchedulerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// SendTimeout returns the per-send delivery timeout.
func (c SchedulerConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

// Lease returns how long a claimed enrollment stays locked.
func (c SchedulerConfig) Lease() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// NotifyConfig holds bridge notifier settings
type NotifyConfig struct {
	MetaAccessToken string `yaml:"meta_access_token"`
	MetaBaseURL     string `yaml:"meta_base_url"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
}

// Timeout returns the HTTP timeout for notifier calls.
func (c NotifyConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that only make sense together.
func (cfg *Config) Validate() error {
	if cfg.Scheduler.LeaseSeconds < 2*cfg.Scheduler.SendTimeoutSeconds {
		return fmt.Errorf("scheduler.lease_seconds (%d) must be at least twice scheduler.send_timeout_seconds (%d)",
			cfg.Scheduler.LeaseSeconds, cfg.Scheduler.SendTimeoutSeconds)
	}
	return nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 30
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Mail.Provider == "" {
		cfg.Mail.Provider = "log"
	}
	if cfg.Mail.FromName == "" {
		cfg.Mail.FromName = "Portal28 Academy"
	}
	if cfg.Mail.Resend.TimeoutSeconds == 0 {
		cfg.Mail.Resend.TimeoutSeconds = 30
	}
	if cfg.Mail.SES.Region == "" {
		cfg.Mail.SES.Region = "us-east-1"
	}
	if cfg.Snowflake.Table == "" {
		cfg.Snowflake.Table = "PERSON_FEATURES"
	}
	if cfg.Segmentation.IntervalSeconds == 0 {
		cfg.Segmentation.IntervalSeconds = 900
	}
	if cfg.Segmentation.PageSize == 0 {
		cfg.Segmentation.PageSize = 500
	}
	if cfg.Segmentation.PredicateTimeoutSeconds == 0 {
		cfg.Segmentation.PredicateTimeoutSeconds = 5
	}
	if cfg.Scheduler.IntervalSeconds == 0 {
		cfg.Scheduler.IntervalSeconds = 60
	}
	if cfg.Scheduler.BatchSize == 0 {
		cfg.Scheduler.BatchSize = 100
	}
	if cfg.Scheduler.SendTimeoutSeconds == 0 {
		cfg.Scheduler.SendTimeoutSeconds = 30
	}
	if cfg.Scheduler.LeaseSeconds == 0 {
		cfg.Scheduler.LeaseSeconds = 300
	}
	if cfg.Notify.TimeoutSeconds == 0 {
		cfg.Notify.TimeoutSeconds = 10
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) before reading env vars, so secrets can
// live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	// no error if missing
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

func (cfg *Config) applyEnv() {
	setString(&cfg.Database.URL, "DATABASE_URL")
	setString(&cfg.Redis.URL, "REDIS_URL")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	setString(&cfg.Mail.Provider, "MAIL_PROVIDER")
	setString(&cfg.Mail.FromEmail, "MAIL_FROM_EMAIL")
	setString(&cfg.Mail.Resend.APIKey, "RESEND_API_KEY")
	setString(&cfg.Mail.SES.AccessKey, "AWS_SES_ACCESS_KEY")
	setString(&cfg.Mail.SES.SecretKey, "AWS_SES_SECRET_KEY")
	setString(&cfg.Mail.SES.Region, "AWS_SES_REGION")
	setString(&cfg.Mail.SES.ConfigurationSet, "AWS_SES_CONFIGURATION_SET")

	setString(&cfg.Snowflake.Account, "SNOWFLAKE_ACCOUNT")
	setString(&cfg.Snowflake.User, "SNOWFLAKE_USER")
	setString(&cfg.Snowflake.Password, "SNOWFLAKE_PASSWORD")
	setString(&cfg.Snowflake.Warehouse, "SNOWFLAKE_WAREHOUSE")
	if cfg.Snowflake.Account != "" && os.Getenv("SNOWFLAKE_ACCOUNT") != "" {
		cfg.Snowflake.Enabled = true
	}

	setString(&cfg.Notify.MetaAccessToken, "META_ACCESS_TOKEN")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
