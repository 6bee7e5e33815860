package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var validate = validator.New()

// Load reads config.yaml (plus config.<APP_ENVIRONMENT>.yaml when present)
// from the usual search paths, applies env overrides and defaults, and
// validates the result.
func Load() (*Config, error) {
	loadEnvFile()

	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}
	v.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = v.MergeInConfig()

	return finish(v)
}

// LoadFromFile loads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	loadEnvFile()

	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return finish(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)
	return v
}

// bindEnvKeys registers keys that are commonly supplied only through the
// environment so AutomaticEnv can see them during Unmarshal.
func bindEnvKeys(v *viper.Viper) {
	for key, env := range map[string]string{
		"database.postgres.host":          "DB_HOST",
		"database.postgres.port":          "DB_PORT",
		"database.postgres.database":      "DB_NAME",
		"database.postgres.user":          "DB_USER",
		"database.postgres.password":      "DB_PASSWORD",
		"database.redis.address":          "REDIS_ADDRESS",
		"database.redis.password":         "REDIS_PASSWORD",
		"observability.sentry_dsn":        "SENTRY_DSN",
		"alerts.topic_arn":                "ALERTS_TOPIC_ARN",
		"camunda.broker_address":          "ZEEBE_ADDRESS",
		"database.elasticsearch.username": "ELASTICSEARCH_USERNAME",
		"database.elasticsearch.password": "ELASTICSEARCH_PASSWORD",
	} {
		_ = v.BindEnv(key, strings.ToUpper(strings.NewReplacer(".", "_").Replace(key)), env)
	}
}

func finish(v *viper.Viper) (*Config, error) {
	expandEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func loadEnvFile() {
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env",
		"../../../.env",
	}
	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

// findProjectRoot walks up from the working directory looking for go.mod.
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// expandEnvVars resolves ${VAR} placeholders left in string values.
func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		strVal, ok := v.Get(key).(string)
		if !ok {
			continue
		}
		if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
			if expanded := os.ExpandEnv(strVal); expanded != strVal && expanded != "" {
				v.Set(key, expanded)
			}
		}
	}
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "mailer-dispatcher"
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = ":8080"
	}

	if cfg.Camunda.MaxJobsActive == 0 {
		cfg.Camunda.MaxJobsActive = 10
	}
	if cfg.Camunda.Timeout == 0 {
		cfg.Camunda.Timeout = 30000
	}
	if cfg.Camunda.RequestTimeout == 0 {
		cfg.Camunda.RequestTimeout = 30000
	}

	if cfg.Database.Postgres.Port == 0 {
		cfg.Database.Postgres.Port = 5432
	}
	if cfg.Database.Postgres.MaxConnections == 0 {
		cfg.Database.Postgres.MaxConnections = 25
	}
	if cfg.Database.Postgres.MaxIdle == 0 {
		cfg.Database.Postgres.MaxIdle = 5
	}
	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}

	if cfg.Delivery.MaxAttempts == 0 {
		cfg.Delivery.MaxAttempts = 3
	}
	if cfg.Delivery.BaseDelayMs == 0 {
		cfg.Delivery.BaseDelayMs = 1000
	}
	if cfg.Delivery.MaxDelayMs == 0 {
		cfg.Delivery.MaxDelayMs = 10000
	}
	if cfg.Delivery.SendTimeoutMs == 0 {
		cfg.Delivery.SendTimeoutMs = 30000
	}
	if cfg.Delivery.LockTTLMs == 0 {
		cfg.Delivery.LockTTLMs = 120000
	}
	if cfg.Delivery.BatchConcurrency == 0 {
		cfg.Delivery.BatchConcurrency = 8
	}
	if len(cfg.Delivery.Providers) == 0 {
		cfg.Delivery.Providers = []string{"smtp", "ses"}
	}

	if cfg.Ledger.FailureThreshold == 0 {
		cfg.Ledger.FailureThreshold = 5
	}
	if cfg.Ledger.CooldownMinutes == 0 {
		cfg.Ledger.CooldownMinutes = 5
	}

	if cfg.Sequence.TickIntervalMs == 0 {
		cfg.Sequence.TickIntervalMs = 60000
	}
	if cfg.Sequence.Workers == 0 {
		cfg.Sequence.Workers = 10
	}
	if cfg.Sequence.BatchSize == 0 {
		cfg.Sequence.BatchSize = 500
	}
	if cfg.Sequence.LockTTLMs == 0 {
		cfg.Sequence.LockTTLMs = 300000
	}

	if cfg.Events.Topic == "" {
		cfg.Events.Topic = "mailer.engagement"
	}
	if cfg.Events.GroupID == "" {
		cfg.Events.GroupID = "mailer-dispatcher"
	}

	if cfg.Analytics.Index == "" {
		cfg.Analytics.Index = "mailer-send-logs"
	}
	if cfg.Alerts.Region == "" {
		cfg.Alerts.Region = "us-east-1"
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = cfg.App.Name
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Workers == nil {
		cfg.Workers = map[string]WorkerConfig{}
	}
	for key, worker := range cfg.Workers {
		if worker.MaxJobsActive == 0 {
			worker.MaxJobsActive = 5
		}
		if worker.Timeout == 0 {
			worker.Timeout = 30000
		}
		if worker.MaxRetries == 0 {
			worker.MaxRetries = 3
		}
		cfg.Workers[key] = worker
	}
}

// validateConfig runs struct tag validation plus cross-section checks.
func validateConfig(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%s", strings.Join(msgs, "; "))
		}
		return err
	}

	if cfg.Analytics.Enabled && len(cfg.Database.Elasticsearch.Addresses) == 0 {
		return fmt.Errorf("database.elasticsearch.addresses is required when analytics is enabled")
	}
	return nil
}

// GetDuration converts milliseconds from config to time.Duration
func GetDuration(milliseconds int) time.Duration {
	return time.Duration(milliseconds) * time.Millisecond
}

// GetWorkerConfig retrieves worker-specific configuration with fallback to defaults
func GetWorkerConfig(cfg *Config, workerName string) WorkerConfig {
	if worker, exists := cfg.Workers[workerName]; exists {
		return worker
	}
	return WorkerConfig{
		Enabled:       false,
		MaxJobsActive: 5,
		Timeout:       30000,
		MaxRetries:    3,
	}
}

// IsWorkerEnabled reports whether a Zeebe worker is switched on. Workers
// are opt-in.
func IsWorkerEnabled(cfg *Config, workerName string) bool {
	return cfg.Camunda.Enabled && GetWorkerConfig(cfg, workerName).Enabled
}
