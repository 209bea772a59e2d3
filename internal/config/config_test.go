package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agentblob.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
memory:
  dir: /tmp/mem
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/mem", cfg.Memory.Dir)
	assert.Equal(t, 8, cfg.Memory.Retrieval.TopK)
	assert.Equal(t, 32, cfg.Gateway.SessionQueueCap)
}

func TestLoadExpandsEnvForSecrets(t *testing.T) {
	t.Setenv("AGENTBLOB_MCP_TOKEN", "s3cr3t")
	path := writeConfig(t, `
mcp:
  servers:
    - name: example
      command: "run --token=${AGENTBLOB_MCP_TOKEN}"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.MCP.Servers, 1)
	assert.Contains(t, cfg.MCP.Servers[0].Command, "s3cr3t")
}

func TestValidateRejectsBadAlpha(t *testing.T) {
	cfg := Default()
	cfg.Memory.Retrieval.Alpha = 1.5
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidateRejectsBadTimezone(t *testing.T) {
	cfg := Default()
	cfg.Scheduler.Timezone = "Not/A/Zone"
	err := cfg.Validate()
	require.Error(t, err)
}

func TestLoadRejectsZeroQueueCap(t *testing.T) {
	path := writeConfig(t, `
gateway:
  session_queue_cap: 0
`)
	_, err := Load(path)
	require.Error(t, err)
}
