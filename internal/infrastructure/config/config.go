package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Record failure policies for the pipeline.
const (
	FailurePolicySkip = "skip"
	FailurePolicyFail = "fail"
)

// MaxPageSize is the largest page the upstream accepts.
const MaxPageSize = 100

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Log       LogConfig
	HTTP      HTTPConfig
	Upstream  UpstreamConfig
	Retry     RetryConfig
	Pipeline  PipelineConfig
	Scheduler SchedulerConfig
	Storage   StorageConfig
	Trigger   TriggerConfig
	Telemetry TelemetryConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name     string
	Env      string
	Port     string
	Timezone string // location used to compute "today" for extraction windows
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// RedisConfig holds Redis connection settings for the distributed run lock
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	LockTTL  time.Duration
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int
	MaxBodySize    int64
	TrustedProxies []string
}

// UpstreamConfig holds the ERP API and OAuth endpoints and client credentials
type UpstreamConfig struct {
	BaseURL       string
	TokenURL      string
	AuthorizeURL  string
	ClientID      string
	ClientSecret  string
	AuthState     string
	RateDelay     time.Duration // minimum delay between consecutive calls
	PageSize      int
	Timeout       time.Duration
	InvoiceStatus int // situacao filter, 5 = authorized
	DocumentType  int // tipo filter, 1 = outgoing
	MaxPages      int
}

// RetryConfig holds the backoff policy used for every upstream call
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// PipelineConfig holds extraction run settings
type PipelineConfig struct {
	LookbackDays        int
	CheckpointInterval  int
	RefreshWindow       time.Duration
	StaleRunAfter       time.Duration
	RunTimeout          time.Duration
	RecordFailurePolicy string // skip or fail
	ArchivePayloads     bool
}

// SchedulerConfig holds the in-process daily trigger configuration
type SchedulerConfig struct {
	Enabled       bool
	DailyHour     int
	DailyMinute   int
	CheckInterval time.Duration
}

// StorageConfig holds S3-compatible object storage settings for payload archiving
type StorageConfig struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	KeyPrefix       string
}

// TriggerConfig holds the bearer token settings protecting the run endpoints.
// An empty secret disables the check.
type TriggerConfig struct {
	Secret string
	Issuer string
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool    // Whether to enable OpenTelemetry
	CollectorEndpoint string  // OTEL Collector endpoint (e.g., "localhost:4317")
	SamplingRatio     float64 // Sampling ratio (0.0-1.0, 1.0 = 100%)
	ServiceName       string  // Service name for traces
	Insecure          bool    // Use insecure (non-TLS) connection (development only)
	DBTraceEnabled    bool
	DBLogFullSQL      bool
	DBSlowQueryThresh time.Duration
	LogsEnabled       bool   // Bridge zap logs to the OTLP log exporter
	ProfilingEnabled  bool   // Continuous profiling via Pyroscope
	ProfilingEndpoint string // Pyroscope server address
}

// Load loads configuration from .env, TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with COLLECTOR_ prefix (e.g., COLLECTOR_UPSTREAM_CLIENT_ID)
// 2. .env file entries (never override the real environment)
// 3. config.toml
// 4. Built-in defaults
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env file: %w", err)
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetDefault("scheduler.daily_hour", 6)

	v.SetEnvPrefix("COLLECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name:     v.GetString("app.name"),
			Env:      v.GetString("app.env"),
			Port:     v.GetString("app.port"),
			Timezone: v.GetString("app.timezone"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			LockTTL:  v.GetDuration("redis.lock_ttl"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:    v.GetDuration("http.read_timeout"),
			WriteTimeout:   v.GetDuration("http.write_timeout"),
			IdleTimeout:    v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes: v.GetInt("http.max_header_bytes"),
			MaxBodySize:    v.GetInt64("http.max_body_size"),
			TrustedProxies: v.GetStringSlice("http.trusted_proxies"),
		},
		Upstream: UpstreamConfig{
			BaseURL:       v.GetString("upstream.base_url"),
			TokenURL:      v.GetString("upstream.token_url"),
			AuthorizeURL:  v.GetString("upstream.authorize_url"),
			ClientID:      v.GetString("upstream.client_id"),
			ClientSecret:  v.GetString("upstream.client_secret"),
			AuthState:     v.GetString("upstream.auth_state"),
			RateDelay:     v.GetDuration("upstream.rate_delay"),
			PageSize:      v.GetInt("upstream.page_size"),
			Timeout:       v.GetDuration("upstream.timeout"),
			InvoiceStatus: v.GetInt("upstream.invoice_status"),
			DocumentType:  v.GetInt("upstream.document_type"),
			MaxPages:      v.GetInt("upstream.max_pages"),
		},
		Retry: RetryConfig{
			MaxAttempts: v.GetInt("retry.max_attempts"),
			BaseDelay:   v.GetDuration("retry.base_delay"),
			Multiplier:  v.GetFloat64("retry.multiplier"),
			MaxDelay:    v.GetDuration("retry.max_delay"),
		},
		Pipeline: PipelineConfig{
			LookbackDays:        v.GetInt("pipeline.lookback_days"),
			CheckpointInterval:  v.GetInt("pipeline.checkpoint_interval"),
			RefreshWindow:       v.GetDuration("pipeline.refresh_window"),
			StaleRunAfter:       v.GetDuration("pipeline.stale_run_after"),
			RunTimeout:          v.GetDuration("pipeline.run_timeout"),
			RecordFailurePolicy: v.GetString("pipeline.record_failure_policy"),
			ArchivePayloads:     v.GetBool("pipeline.archive_payloads"),
		},
		Scheduler: SchedulerConfig{
			Enabled:       v.GetBool("scheduler.enabled"),
			DailyHour:     v.GetInt("scheduler.daily_hour"),
			DailyMinute:   v.GetInt("scheduler.daily_minute"),
			CheckInterval: v.GetDuration("scheduler.check_interval"),
		},
		Storage: StorageConfig{
			Endpoint:        v.GetString("storage.endpoint"),
			Region:          v.GetString("storage.region"),
			Bucket:          v.GetString("storage.bucket"),
			AccessKeyID:     v.GetString("storage.access_key_id"),
			SecretAccessKey: v.GetString("storage.secret_access_key"),
			UsePathStyle:    v.GetBool("storage.use_path_style"),
			KeyPrefix:       v.GetString("storage.key_prefix"),
		},
		Trigger: TriggerConfig{
			Secret: v.GetString("trigger.secret"),
			Issuer: v.GetString("trigger.issuer"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			DBTraceEnabled:    v.GetBool("telemetry.db_trace_enabled"),
			DBLogFullSQL:      v.GetBool("telemetry.db_log_full_sql"),
			DBSlowQueryThresh: v.GetDuration("telemetry.db_slow_query_threshold"),
			LogsEnabled:       v.GetBool("telemetry.logs_enabled"),
			ProfilingEnabled:  v.GetBool("telemetry.profiling_enabled"),
			ProfilingEndpoint: v.GetString("telemetry.profiling_endpoint"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "erp-collector"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.App.Timezone == "" {
		cfg.App.Timezone = "America/Sao_Paulo"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "collector"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.LockTTL == 0 {
		cfg.Redis.LockTTL = 3 * time.Hour
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	// Runs are synchronous, so the write timeout has to cover a whole run.
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 2 * time.Hour
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 1 << 20 // 1MB
	}
	if cfg.Upstream.BaseURL == "" {
		cfg.Upstream.BaseURL = "https://api.bling.com.br/Api/v3"
	}
	if cfg.Upstream.TokenURL == "" {
		cfg.Upstream.TokenURL = "https://api.bling.com.br/Api/v3/oauth/token"
	}
	if cfg.Upstream.AuthorizeURL == "" {
		cfg.Upstream.AuthorizeURL = "https://api.bling.com.br/Api/v3/oauth/authorize"
	}
	if cfg.Upstream.AuthState == "" {
		cfg.Upstream.AuthState = "collector"
	}
	if cfg.Upstream.RateDelay == 0 {
		cfg.Upstream.RateDelay = 350 * time.Millisecond
	}
	if cfg.Upstream.PageSize == 0 {
		cfg.Upstream.PageSize = MaxPageSize
	}
	if cfg.Upstream.Timeout == 0 {
		cfg.Upstream.Timeout = 30 * time.Second
	}
	if cfg.Upstream.InvoiceStatus == 0 {
		cfg.Upstream.InvoiceStatus = 5
	}
	if cfg.Upstream.DocumentType == 0 {
		cfg.Upstream.DocumentType = 1
	}
	if cfg.Upstream.MaxPages == 0 {
		cfg.Upstream.MaxPages = 10000
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 5
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = 2 * time.Second
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = 2
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = 30 * time.Second
	}
	if cfg.Pipeline.LookbackDays == 0 {
		cfg.Pipeline.LookbackDays = 1
	}
	if cfg.Pipeline.CheckpointInterval == 0 {
		cfg.Pipeline.CheckpointInterval = 50
	}
	if cfg.Pipeline.RefreshWindow == 0 {
		cfg.Pipeline.RefreshWindow = 10 * time.Minute
	}
	if cfg.Pipeline.StaleRunAfter == 0 {
		cfg.Pipeline.StaleRunAfter = 6 * time.Hour
	}
	if cfg.Pipeline.RunTimeout == 0 {
		cfg.Pipeline.RunTimeout = 2 * time.Hour
	}
	if cfg.Pipeline.RecordFailurePolicy == "" {
		cfg.Pipeline.RecordFailurePolicy = FailurePolicySkip
	}
	if cfg.Scheduler.CheckInterval == 0 {
		cfg.Scheduler.CheckInterval = time.Minute
	}
	if cfg.Storage.Region == "" {
		cfg.Storage.Region = "us-east-1"
	}
	if cfg.Storage.KeyPrefix == "" {
		cfg.Storage.KeyPrefix = "raw"
	}
	if cfg.Trigger.Issuer == "" {
		cfg.Trigger.Issuer = "erp-collector"
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "erp-collector"
	}
	if cfg.Telemetry.DBSlowQueryThresh == 0 {
		cfg.Telemetry.DBSlowQueryThresh = 200 * time.Millisecond
	}
	if cfg.Telemetry.ProfilingEndpoint == "" {
		cfg.Telemetry.ProfilingEndpoint = "http://localhost:4040"
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}
	if _, err := time.LoadLocation(c.App.Timezone); err != nil {
		return fmt.Errorf("app.timezone %q is not a known location: %w", c.App.Timezone, err)
	}

	if c.Upstream.PageSize < 1 || c.Upstream.PageSize > MaxPageSize {
		return fmt.Errorf("upstream.page_size must be between 1 and %d, got %d", MaxPageSize, c.Upstream.PageSize)
	}
	if c.Upstream.RateDelay < 0 {
		return fmt.Errorf("upstream.rate_delay cannot be negative")
	}
	if c.Upstream.MaxPages < 1 {
		return fmt.Errorf("upstream.max_pages must be positive")
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1, got %f", c.Retry.Multiplier)
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay (%s) cannot be lower than retry.base_delay (%s)",
			c.Retry.MaxDelay, c.Retry.BaseDelay)
	}

	if c.Pipeline.LookbackDays < 0 {
		return fmt.Errorf("pipeline.lookback_days cannot be negative")
	}
	if c.Pipeline.CheckpointInterval < 1 {
		return fmt.Errorf("pipeline.checkpoint_interval must be positive")
	}
	switch c.Pipeline.RecordFailurePolicy {
	case FailurePolicySkip, FailurePolicyFail:
	default:
		return fmt.Errorf("pipeline.record_failure_policy must be %q or %q, got %q",
			FailurePolicySkip, FailurePolicyFail, c.Pipeline.RecordFailurePolicy)
	}
	if c.Pipeline.ArchivePayloads && c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required when pipeline.archive_payloads is enabled")
	}

	if c.Scheduler.DailyHour < 0 || c.Scheduler.DailyHour > 23 {
		return fmt.Errorf("scheduler.daily_hour must be between 0 and 23")
	}
	if c.Scheduler.DailyMinute < 0 || c.Scheduler.DailyMinute > 59 {
		return fmt.Errorf("scheduler.daily_minute must be between 0 and 59")
	}

	if c.App.Env == "production" {
		if c.Upstream.ClientID == "" || c.Upstream.ClientSecret == "" {
			return fmt.Errorf("upstream.client_id and upstream.client_secret are required in production")
		}
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
		if c.Trigger.Secret != "" && len(c.Trigger.Secret) < 32 {
			return fmt.Errorf("trigger.secret must be at least 32 characters in production")
		}
		if c.Telemetry.DBLogFullSQL {
			return fmt.Errorf("telemetry.db_log_full_sql must be false in production to prevent sensitive data exposure in traces")
		}
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}

	return nil
}

// Location returns the configured timezone, falling back to UTC.
func (a *AppConfig) Location() *time.Location {
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// Addr returns the host:port address of the Redis server
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
