package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("DB_PASSWORD", "pw")
	t.Setenv("JWT_SECRET", "jwt")
	t.Setenv("CRON_SECRET", "cron")
	t.Setenv("STRIPE_SECRET_KEY", "")
	t.Setenv("EXECUTOR_TIMEOUT", "")
	t.Setenv("SUBJECT_TIMEOUT", "")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	t.Setenv("EXECUTOR_TIMEOUT", "")
	t.Setenv("CRON_INPROCESS", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.ExecutorTimeout)
	assert.False(t, cfg.Cron.InProcess)
	assert.Equal(t, "cron", cfg.CronSecret)
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("EXECUTOR_TIMEOUT", "3s")
	t.Setenv("EXECUTOR_CONCURRENCY", "8")
	t.Setenv("CRON_INPROCESS", "true")
	t.Setenv("CRON_RETENTION", "")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example.com, https://admin.example.com")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.ExecutorTimeout)
	assert.Equal(t, 8, cfg.ExecutorConcurrency)
	assert.True(t, cfg.Cron.InProcess)
	assert.Empty(t, cfg.Cron.Retention)
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.AllowedOrigins)
}

func TestLoadRequiresSecrets(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"database password", "DB_PASSWORD"},
		{"jwt secret", "JWT_SECRET"},
		{"cron secret", "CRON_SECRET"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, "")
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestLoadRequiresStripeInProduction(t *testing.T) {
	setRequired(t)
	t.Setenv("ENVIRONMENT", "production")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_SECRET_KEY")

	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
	_, err = Load()
	require.NoError(t, err)
}

func TestLoadRejectsSubjectTimeoutWithinExecutorTimeout(t *testing.T) {
	setRequired(t)
	t.Setenv("EXECUTOR_TIMEOUT", "20s")
	t.Setenv("SUBJECT_TIMEOUT", "20s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SUBJECT_TIMEOUT")

	t.Setenv("SUBJECT_TIMEOUT", "45s")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.SubjectTimeout)
}

func TestMaskPassword(t *testing.T) {
	cfg := &Config{DBHost: "db", DBPort: "5432", DBUser: "u", DBPassword: "hunter2", DBName: "n", DBSSLMode: "disable"}
	masked := maskPassword(cfg.DSN())
	assert.NotContains(t, masked, "hunter2")
	assert.Contains(t, masked, "password=***** dbname=n")
}
