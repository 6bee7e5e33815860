package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimalConfig = `
database:
  postgres:
    host: localhost
    database: mailer
    user: mailer
`

func TestLoadFromFile_Defaults(t *testing.T) {
	cfg, err := LoadFromFile(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 5432, cfg.Database.Postgres.Port)
	assert.Equal(t, "disable", cfg.Database.Postgres.SSLMode)

	assert.Equal(t, 3, cfg.Delivery.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Delivery.BaseDelay())
	assert.Equal(t, 10*time.Second, cfg.Delivery.MaxDelay())

	assert.Equal(t, 5, cfg.Ledger.FailureThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Ledger.Cooldown())

	assert.Equal(t, time.Minute, cfg.Sequence.TickInterval())
	assert.Equal(t, 10, cfg.Sequence.Workers)
	assert.Equal(t, "mailer-send-logs", cfg.Analytics.Index)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadFromFile_EnvOverrides(t *testing.T) {
	t.Setenv("DB_PASSWORD", "s3cret")
	t.Setenv("LEDGER_FAILURE_THRESHOLD", "7")
	t.Setenv("SMTP_RELAY", "relay.internal")

	cfg, err := LoadFromFile(writeConfig(t, minimalConfig+`
ledger:
  failure_threshold: 5
app:
  name: ${SMTP_RELAY}
`))
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.Database.Postgres.Password)
	assert.Equal(t, 7, cfg.Ledger.FailureThreshold)
	assert.Equal(t, "relay.internal", cfg.App.Name)
}

func TestLoadFromFile_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "missing postgres host",
			body: "database:\n  postgres:\n    database: mailer\n    user: mailer\n",
		},
		{
			name: "max delay below base delay",
			body: minimalConfig + "delivery:\n  base_delay_ms: 5000\n  max_delay_ms: 1000\n",
		},
		{
			name: "unknown provider",
			body: minimalConfig + "delivery:\n  providers: [smtp, pigeon]\n",
		},
		{
			name: "alerts enabled without topic",
			body: minimalConfig + "alerts:\n  enabled: true\n",
		},
		{
			name: "analytics enabled without elasticsearch",
			body: minimalConfig + "analytics:\n  enabled: true\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromFile(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestIsWorkerEnabled(t *testing.T) {
	cfg := &Config{
		Camunda: CamundaConfig{Enabled: true},
		Workers: map[string]WorkerConfig{"deliver-message": {Enabled: true}},
	}

	assert.True(t, IsWorkerEnabled(cfg, "deliver-message"))
	assert.False(t, IsWorkerEnabled(cfg, "enroll-recipient"))

	cfg.Camunda.Enabled = false
	assert.False(t, IsWorkerEnabled(cfg, "deliver-message"))
}
