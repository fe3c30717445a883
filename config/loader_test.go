// 配置加载器与默认配置测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- 默认配置测试 ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "parallel", cfg.Guardrails.Mode)
	assert.Equal(t, 10, cfg.Guardrails.MaxTurns)
	assert.Equal(t, time.Duration(0), cfg.Guardrails.StageTimeout)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "guardflow", cfg.Telemetry.ServiceName)
	assert.Equal(t, 30*time.Second, cfg.Telemetry.MetricInterval)

	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "memory", cfg.Audit.Backend)
	assert.Equal(t, "guardflow:audit", cfg.Audit.Redis.KeyPrefix)

	require.NoError(t, cfg.Validate())
}

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "parallel", cfg.Guardrails.Mode)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "guardflow.yaml")

	yamlContent := `
guardrails:
  mode: sequential
  max_concurrency: 4
  stage_timeout: 2s
  max_turns: 3

log:
  level: "debug"
  format: "console"

audit:
  backend: redis
  redis:
    addr: "redis.example.com:6379"
    db: 2
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, "sequential", cfg.Guardrails.Mode)
	assert.Equal(t, 4, cfg.Guardrails.MaxConcurrency)
	assert.Equal(t, 2*time.Second, cfg.Guardrails.StageTimeout)
	assert.Equal(t, 3, cfg.Guardrails.MaxTurns)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)

	assert.Equal(t, "redis", cfg.Audit.Backend)
	assert.Equal(t, "redis.example.com:6379", cfg.Audit.Redis.Addr)
	assert.Equal(t, 2, cfg.Audit.Redis.DB)
	// 未覆盖的字段保留默认值
	assert.Equal(t, "guardflow:audit", cfg.Audit.Redis.KeyPrefix)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath(filepath.Join(t.TempDir(), "missing.yaml")).Load()
	require.NoError(t, err)
	assert.Equal(t, "parallel", cfg.Guardrails.Mode)
}

func TestLoader_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("guardrails: [unclosed"), 0644))

	_, err := NewLoader().WithConfigPath(configPath).Load()
	assert.Error(t, err)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "guardflow.yaml")
	yamlContent := `
guardrails:
  mode: sequential
  max_turns: 3
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	t.Setenv("GUARDFLOW_GUARDRAILS_MODE", "parallel")
	t.Setenv("GUARDFLOW_GUARDRAILS_STAGE_TIMEOUT", "500ms")
	t.Setenv("GUARDFLOW_LOG_OUTPUT_PATHS", "stdout, /tmp/guardflow.log")
	t.Setenv("GUARDFLOW_TELEMETRY_SAMPLE_RATE", "0.5")
	t.Setenv("GUARDFLOW_METRICS_ENABLED", "false")

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, "parallel", cfg.Guardrails.Mode)
	assert.Equal(t, 500*time.Millisecond, cfg.Guardrails.StageTimeout)
	assert.Equal(t, 3, cfg.Guardrails.MaxTurns)
	assert.Equal(t, []string{"stdout", "/tmp/guardflow.log"}, cfg.Log.OutputPaths)
	assert.Equal(t, 0.5, cfg.Telemetry.SampleRate)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_GUARDRAILS_MAX_TURNS", "7")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Guardrails.MaxTurns)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("GUARDFLOW_GUARDRAILS_MAX_TURNS", "many")

	_, err := NewLoader().Load()
	assert.Error(t, err)
}

func TestLoader_WithValidator(t *testing.T) {
	t.Setenv("GUARDFLOW_GUARDRAILS_MODE", "bogus")

	_, err := NewLoader().WithValidator(func(c *Config) error { return c.Validate() }).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown guardrails mode")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad mode", func(c *Config) { c.Guardrails.Mode = "fast" }, "unknown guardrails mode"},
		{"zero turns", func(c *Config) { c.Guardrails.MaxTurns = 0 }, "max_turns"},
		{"negative timeout", func(c *Config) { c.Guardrails.StageTimeout = -time.Second }, "stage_timeout"},
		{"bad backend", func(c *Config) { c.Audit.Backend = "s3" }, "unknown audit backend"},
		{"bad driver", func(c *Config) {
			c.Audit.Backend = "database"
			c.Audit.Database.Driver = "oracle"
		}, "unsupported audit database driver"},
		{"bad sample rate", func(c *Config) { c.Telemetry.SampleRate = 2 }, "sample_rate"},
		{"negative metric interval", func(c *Config) { c.Telemetry.MetricInterval = -time.Second }, "metric_interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	pg := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "n", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=n sslmode=disable", pg.DSN())

	my := DatabaseConfig{Driver: "mysql", Host: "db", Port: 3306, User: "u", Password: "p", Name: "n"}
	assert.Equal(t, "u:p@tcp(db:3306)/n?parseTime=true", my.DSN())

	lite := DatabaseConfig{Driver: "sqlite", Name: "audit.db"}
	assert.Equal(t, "audit.db", lite.DSN())

	assert.Empty(t, (&DatabaseConfig{Driver: "oracle"}).DSN())
}
