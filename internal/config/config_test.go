package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
tiers:
  small:
    max_files: 3
    max_lines: 50
    agents: ["dev"]
  medium:
    max_files: 10
    max_lines: 300
    agents: ["dev", "qa"]
  large:
    agents: ["dev", "qa", "security"]
branch:
  pipeline_prefix: "pipeline/"
  integration_prefix: "integration/"
  main: "main"
forge:
  repo_owner: acme
  repo_name: widgets
events:
  path: ".pipeline/events.ndjson"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conveyor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadValidConfigAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.AutoCorrection.MaxAttempts)
	assert.Equal(t, true, cfg.Resilience.DLQ.Enabled)
	assert.Equal(t, ".pipeline/dlq", cfg.Resilience.DLQ.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "acme", cfg.Forge.RepoOwner)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	body := validYAML + "\nlogging:\n  level: debug\nauto_correction:\n  max_attempts: 7\n"
	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 7, cfg.AutoCorrection.MaxAttempts)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsMissingRequiredTiers(t *testing.T) {
	body := `
branch:
  pipeline_prefix: "pipeline/"
  integration_prefix: "integration/"
  main: "main"
forge:
  repo_owner: acme
  repo_name: widgets
events:
  path: ".pipeline/events.ndjson"
`
	_, err := Load(writeConfig(t, body))
	assert.Error(t, err)
}

func TestLoadRejectsBranchPrefixMissingTrailingSlash(t *testing.T) {
	body := `
tiers:
  small: {max_files: 3, max_lines: 50, agents: ["dev"]}
  medium: {max_files: 10, max_lines: 300, agents: ["dev"]}
  large: {agents: ["dev"]}
branch:
  pipeline_prefix: "pipeline"
  integration_prefix: "integration/"
  main: "main"
forge:
  repo_owner: acme
  repo_name: widgets
events:
  path: ".pipeline/events.ndjson"
`
	_, err := Load(writeConfig(t, body))
	assert.Error(t, err)
}

func TestLoadRejectsInvalidLoggingLevel(t *testing.T) {
	body := validYAML + "\nlogging:\n  level: verbose\n"
	_, err := Load(writeConfig(t, body))
	assert.Error(t, err)
}

func TestLoadRejectsDLQEnabledWithoutPath(t *testing.T) {
	body := validYAML + "\nresilience:\n  dlq:\n    enabled: true\n    path: \"\"\n    max_retries: 5\n    base_delay_ms: 1000\n    backoff_factor: 2\n"
	_, err := Load(writeConfig(t, body))
	assert.Error(t, err)
}

func TestLoadRejectsWebhookWithInvalidURL(t *testing.T) {
	body := validYAML + "\nadapters:\n  retry_interval_ms: 1000\n  webhooks:\n    - url: \"not-a-url\"\n"
	_, err := Load(writeConfig(t, body))
	assert.Error(t, err)
}

func TestLoadAcceptsRAGDisabledWithoutStoreDir(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)
	assert.False(t, cfg.RAG.Enabled)
}

func TestLoadRejectsRAGEnabledWithoutStoreDir(t *testing.T) {
	body := validYAML + "\nrag:\n  enabled: true\n"
	_, err := Load(writeConfig(t, body))
	assert.Error(t, err)
}
