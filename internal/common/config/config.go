package config

import (
	"fmt"
	"time"
)

// Config is the main application configuration struct.
type Config struct {
	App           AppConfig               `mapstructure:"app"`
	Camunda       CamundaConfig           `mapstructure:"camunda"`
	Database      DatabaseConfig          `mapstructure:"database"`
	Workers       map[string]WorkerConfig `mapstructure:"workers"`
	Delivery      DeliveryConfig          `mapstructure:"delivery"`
	Ledger        LedgerConfig            `mapstructure:"ledger"`
	Sequence      SequenceConfig          `mapstructure:"sequence"`
	Events        EventsConfig            `mapstructure:"events"`
	Analytics     AnalyticsConfig         `mapstructure:"analytics"`
	Alerts        AlertsConfig            `mapstructure:"alerts"`
	Observability ObservabilityConfig     `mapstructure:"observability"`
	Logging       LoggingConfig           `mapstructure:"logging"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	HTTPAddr    string `mapstructure:"http_addr"`
}

type CamundaConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	BrokerAddress  string `mapstructure:"broker_address" validate:"required_if=Enabled true"`
	UseTLS         bool   `mapstructure:"use_tls"`
	MaxJobsActive  int    `mapstructure:"max_jobs_active"`
	Timeout        int    `mapstructure:"timeout"`         // milliseconds
	RequestTimeout int    `mapstructure:"request_timeout"` // milliseconds
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Redis         RedisConfig         `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host" validate:"required"`
	Port           int    `mapstructure:"port" validate:"gt=0"`
	Database       string `mapstructure:"database" validate:"required"`
	User           string `mapstructure:"user" validate:"required"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
}

// RedisConfig is optional: with no address the process falls back to
// in-process locks, which is only safe for a single replica.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// WorkerConfig holds the settings applicable to every Zeebe job worker.
type WorkerConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxJobsActive int  `mapstructure:"max_jobs_active"`
	Timeout       int  `mapstructure:"timeout"` // milliseconds
	MaxRetries    int  `mapstructure:"max_retries"`
}

// DeliveryConfig drives the Delivery Engine and its Retry Executor.
type DeliveryConfig struct {
	MaxAttempts      int      `mapstructure:"max_attempts" validate:"gte=1"`
	BaseDelayMs      int      `mapstructure:"base_delay_ms" validate:"gte=0"`
	MaxDelayMs       int      `mapstructure:"max_delay_ms" validate:"gtefield=BaseDelayMs"`
	SendTimeoutMs    int      `mapstructure:"send_timeout_ms" validate:"gt=0"`
	LockTTLMs        int      `mapstructure:"lock_ttl_ms" validate:"gt=0"`
	BatchConcurrency int      `mapstructure:"batch_concurrency" validate:"gte=1"`
	Providers        []string `mapstructure:"providers" validate:"dive,oneof=smtp ses"`
}

// LedgerConfig tunes the per-account circuit breaker.
type LedgerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold" validate:"gte=1"`
	CooldownMinutes  int `mapstructure:"cooldown_minutes" validate:"gte=1"`
}

// SequenceConfig drives the tick scheduler.
type SequenceConfig struct {
	TickIntervalMs int `mapstructure:"tick_interval_ms" validate:"gt=0"`
	Workers        int `mapstructure:"workers" validate:"gte=1"`
	BatchSize      int `mapstructure:"batch_size" validate:"gte=1"`
	LockTTLMs      int `mapstructure:"lock_ttl_ms" validate:"gt=0"`
}

type EventsConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers" validate:"required_if=Enabled true"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

type AnalyticsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Index   string `mapstructure:"index"`
}

type AlertsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Region   string `mapstructure:"region"`
	TopicARN string `mapstructure:"topic_arn" validate:"required_if=Enabled true"`
}

type ObservabilityConfig struct {
	ServiceName    string  `mapstructure:"service_name"`
	SentryDSN      string  `mapstructure:"sentry_dsn"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint" validate:"omitempty,url"`
	SampleRate     float64 `mapstructure:"trace_sample_rate" validate:"gte=0,lte=1"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=json console"`
	Output string `mapstructure:"output"`
}

func (d DeliveryConfig) BaseDelay() time.Duration   { return GetDuration(d.BaseDelayMs) }
func (d DeliveryConfig) MaxDelay() time.Duration    { return GetDuration(d.MaxDelayMs) }
func (d DeliveryConfig) SendTimeout() time.Duration { return GetDuration(d.SendTimeoutMs) }
func (d DeliveryConfig) LockTTL() time.Duration     { return GetDuration(d.LockTTLMs) }

func (l LedgerConfig) Cooldown() time.Duration { return time.Duration(l.CooldownMinutes) * time.Minute }

func (s SequenceConfig) TickInterval() time.Duration { return GetDuration(s.TickIntervalMs) }
func (s SequenceConfig) LockTTL() time.Duration      { return GetDuration(s.LockTTLMs) }
