package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rosfleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalConfig = `
inventory_path: /etc/rosfleet/inventory.yaml
signing_key: 0123456789abcdef0123456789abcdef
transport:
  username: orchestrator
  password: hunter22-hunter22
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "rosfleet.db", cfg.Store.Path)
	assert.Equal(t, 15*time.Minute, cfg.ApprovalTTL)
	assert.Equal(t, 8, cfg.Executor.GlobalConcurrency)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Worker.LeaseTTL)
	assert.Equal(t, "rosfleet", cfg.Telemetry.ServiceName)
}

func TestLoadOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
executor:
  global_concurrency: 2
  degraded_threshold: 0.5
breaker:
  failure_threshold: 5
  base_interval: 30s
  max_interval: 10m
`))
	require.NoError(t, err)

	executor := cfg.EngineExecutorConfig()
	assert.Equal(t, 2, executor.GlobalConcurrency)
	assert.Equal(t, 0.5, executor.DegradedThreshold)

	breaker := cfg.EngineBreakerConfig()
	assert.Equal(t, 5, breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, breaker.BaseInterval)
	assert.Equal(t, 10*time.Minute, breaker.MaxInterval)
}

func TestLoadRejectsIncompleteConfig(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing inventory", `
signing_key: 0123456789abcdef0123456789abcdef
transport:
  username: orchestrator
  password: hunter22-hunter22
`},
		{"short signing key", `
inventory_path: /etc/rosfleet/inventory.yaml
signing_key: short
transport:
  username: orchestrator
  password: hunter22-hunter22
`},
		{"missing credentials", `
inventory_path: /etc/rosfleet/inventory.yaml
signing_key: 0123456789abcdef0123456789abcdef
`},
		{"not yaml", `{{{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			assert.Error(t, err)
		})
	}
}

func TestSecretsFallBackToEnvironment(t *testing.T) {
	t.Setenv("ROSFLEET_SIGNING_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("ROSFLEET_DEVICE_PASSWORD", "from-the-environment")

	cfg, err := Load(writeConfig(t, `
inventory_path: /etc/rosfleet/inventory.yaml
transport:
  username: orchestrator
`))
	require.NoError(t, err)

	assert.Equal(t, "0123456789abcdef0123456789abcdef", cfg.SigningKey)
	assert.Equal(t, "from-the-environment", cfg.RESTClientConfig().Password)
}
