// 配置加载器与默认配置测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/researchflow/store"
)

// --- 默认配置测试 ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// 验证服务器默认值
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)

	// 验证存储默认值
	assert.Equal(t, store.StoreTypeMemory, cfg.Store.Type)

	// 验证 LLM 默认值
	assert.Equal(t, "http://localhost:11434/v1", cfg.LLM.BaseURL)
	assert.Equal(t, "llama3", cfg.LLM.Model)

	// 验证策略默认值
	assert.Equal(t, 3, cfg.Policy.MaxRetries)
	assert.Equal(t, 5, cfg.Policy.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Policy.Cooldown)
	assert.True(t, cfg.Policy.Jitter)

	// 验证编排器默认值
	assert.Equal(t, 10*time.Minute, cfg.Orchestrator.Deadline)

	// 验证阶段默认值
	assert.False(t, cfg.Research.AllowPartial)
	assert.Equal(t, 5, cfg.Synthesis.MaxRecommendations)

	// 验证 Log 默认值
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	require.NoError(t, cfg.Validate())
}

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	// 不指定配置文件，应该返回默认值
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, store.StoreTypeMemory, cfg.Store.Type)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  http_port: 8888
  read_timeout: 60s
  rate_limit: 50

store:
  type: "sql"
  sql:
    driver: "sqlite"
    dsn: "./research.db"

llm:
  base_url: "https://api.example.com/v1"
  model: "gpt-4o-mini"
  api_key: "sk-test"

policy:
  max_retries: 5
  initial_delay: 500ms
  failure_threshold: 10

orchestrator:
  deadline: 5m

research:
  sources:
    - "https://example.com/policies"
  allow_partial: true

log:
  level: "debug"
  format: "console"
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	// 验证 YAML 值覆盖了默认值
	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 50.0, cfg.Server.RateLimit)

	assert.Equal(t, store.StoreTypeSQL, cfg.Store.Type)
	assert.Equal(t, "sqlite", cfg.Store.SQL.Driver)
	assert.Equal(t, "./research.db", cfg.Store.SQL.DSN)

	assert.Equal(t, "https://api.example.com/v1", cfg.LLM.BaseURL)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)

	assert.Equal(t, 5, cfg.Policy.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Policy.InitialDelay)
	assert.Equal(t, 10, cfg.Policy.FailureThreshold)

	assert.Equal(t, 5*time.Minute, cfg.Orchestrator.Deadline)

	assert.Equal(t, []string{"https://example.com/policies"}, cfg.Research.Sources)
	assert.True(t, cfg.Research.AllowPartial)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)

	// 未覆盖的字段保留默认值
	assert.Equal(t, 5, cfg.Synthesis.MaxRecommendations)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().
		WithConfigPath("/nonexistent/config.yaml").
		Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("{{not yaml"), 0644))

	_, err := NewLoader().WithConfigPath(configPath).Load()
	assert.Error(t, err)
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("RESEARCHFLOW_SERVER_HTTP_PORT", "9999")
	t.Setenv("RESEARCHFLOW_POLICY_MAX_RETRIES", "7")
	t.Setenv("RESEARCHFLOW_POLICY_INITIAL_DELAY", "250ms")
	t.Setenv("RESEARCHFLOW_POLICY_JITTER", "false")
	t.Setenv("RESEARCHFLOW_ORCHESTRATOR_DEADLINE", "2m")
	t.Setenv("RESEARCHFLOW_LOG_OUTPUT_PATHS", "stdout, /var/log/researchflow.log")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, 7, cfg.Policy.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Policy.InitialDelay)
	assert.False(t, cfg.Policy.Jitter)
	assert.Equal(t, 2*time.Minute, cfg.Orchestrator.Deadline)
	assert.Equal(t, []string{"stdout", "/var/log/researchflow.log"}, cfg.Log.OutputPaths)
}

func TestLoader_EnvOverridesBeatYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  http_port: 8888\n"), 0644))

	t.Setenv("RESEARCHFLOW_SERVER_HTTP_PORT", "7777")

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Server.HTTPPort)
}

func TestLoader_WithValidator(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  http_port: -1\n"), 0644))

	_, err := NewLoader().
		WithConfigPath(configPath).
		WithValidator((*Config).Validate).
		Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid HTTP port")
}

// --- Validate 测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(c *Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.HTTPPort = 0 }, "invalid HTTP port"},
		{"bad retries", func(c *Config) { c.Policy.MaxRetries = 0 }, "max_retries"},
		{"bad threshold", func(c *Config) { c.Policy.FailureThreshold = 0 }, "failure_threshold"},
		{"bad multiplier", func(c *Config) { c.Policy.Multiplier = 0.5 }, "multiplier"},
		{"bad deadline", func(c *Config) { c.Orchestrator.Deadline = 0 }, "deadline"},
		{"bad store type", func(c *Config) { c.Store.Type = "cassandra" }, "unknown store type"},
		{"bad recommendations", func(c *Config) { c.Synthesis.MaxRecommendations = 0 }, "max_recommendations"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
