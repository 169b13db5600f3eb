// Package config loads and validates the core's configuration from a
// YAML file into a single concrete record — never a dynamic bag, per
// the re-architecture guidance against "dynamic config objects".
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// TierThresholds is one tier's configured thresholds and agent roster.
type TierThresholds struct {
	MaxFiles int      `yaml:"max_files" validate:"min=0"`
	MaxLines int      `yaml:"max_lines" validate:"min=0"`
	Agents   []string `yaml:"agents" validate:"required,min=1"`
}

// Tiers is tiers.{small,medium,large}.
type Tiers struct {
	Small  TierThresholds `yaml:"small" validate:"required"`
	Medium TierThresholds `yaml:"medium" validate:"required"`
	Large  TierThresholds `yaml:"large" validate:"required"`
}

// Branch is branch.{pipeline_prefix,integration_prefix,main}.
type Branch struct {
	PipelinePrefix    string `yaml:"pipeline_prefix" validate:"required,endswith=/"`
	IntegrationPrefix string `yaml:"integration_prefix" validate:"required,endswith=/"`
	Main              string `yaml:"main" validate:"required"`
}

// AgentSettings is agents.{pipeline,conflict}.
type AgentSettings struct {
	Mode           string `yaml:"mode" validate:"omitempty,oneof=cli api auto"`
	Model          string `yaml:"model"`
	PermissionMode string `yaml:"permissionMode"`
	MaxTurns       int    `yaml:"maxTurns" validate:"min=0"`
}

// Agents is agents.{pipeline,conflict}.
type Agents struct {
	Pipeline AgentSettings `yaml:"pipeline"`
	Conflict AgentSettings `yaml:"conflict"`
}

// AutoCorrection is auto_correction.max_attempts.
type AutoCorrection struct {
	MaxAttempts int `yaml:"max_attempts" validate:"min=0"`
}

// BreakerSettings is resilience.circuit_breaker.{agent,forge}.
type BreakerSettings struct {
	FailureThreshold uint          `yaml:"failure_threshold" validate:"min=1"`
	ResetTimeoutMS   int           `yaml:"reset_timeout_ms" validate:"min=1"`
}

// ResetTimeout converts ResetTimeoutMS to a time.Duration.
func (b BreakerSettings) ResetTimeout() time.Duration {
	return time.Duration(b.ResetTimeoutMS) * time.Millisecond
}

// CircuitBreaker is resilience.circuit_breaker.
type CircuitBreaker struct {
	Agent BreakerSettings `yaml:"agent"`
	Forge BreakerSettings `yaml:"forge"`
}

// DLQSettings is resilience.dlq.
type DLQSettings struct {
	Enabled       bool    `yaml:"enabled"`
	Path          string  `yaml:"path" validate:"required_if=Enabled true"`
	MaxRetries    int     `yaml:"max_retries" validate:"min=1"`
	BaseDelayMS   int     `yaml:"base_delay_ms" validate:"min=1"`
	BackoffFactor float64 `yaml:"backoff_factor" validate:"min=1"`
}

// Resilience is resilience.{circuit_breaker,dlq}.
type Resilience struct {
	CircuitBreaker CircuitBreaker `yaml:"circuit_breaker"`
	DLQ            DLQSettings    `yaml:"dlq"`
}

// Director is director.{auto_trigger_delay_ms,default_priority,schedule_interval_ms}.
type Director struct {
	AutoTriggerDelayMS int `yaml:"auto_trigger_delay_ms" validate:"min=0"`
	DefaultPriority    int `yaml:"default_priority"`
	ScheduleIntervalMS int `yaml:"schedule_interval_ms" validate:"min=0"` // 0 disables scheduling
}

// Cleanup is cleanup.{keep_on_failure,stale_branch_days}.
type Cleanup struct {
	KeepOnFailure   bool `yaml:"keep_on_failure"`
	StaleBranchDays int  `yaml:"stale_branch_days" validate:"min=0"`
}

// WebhookTarget is one entry of adapters.webhooks.
type WebhookTarget struct {
	URL       string   `yaml:"url" validate:"required,url"`
	Secret    string   `yaml:"secret"`
	Events    []string `yaml:"events"`
	TimeoutMS int      `yaml:"timeout_ms" validate:"min=0"`
}

// Adapters is adapters.{retry_interval_ms,webhooks}.
type Adapters struct {
	RetryIntervalMS int             `yaml:"retry_interval_ms" validate:"min=1"`
	Webhooks        []WebhookTarget `yaml:"webhooks"`
}

// RAG is the supplemented prompt-enrichment feature's config (not part
// of the closed set in §6, additive per SPEC_FULL.md).
type RAG struct {
	Enabled  bool   `yaml:"enabled"`
	StoreDir string `yaml:"store_dir" validate:"required_if=Enabled true"`
}

// Events is events.path.
type Events struct {
	Path string `yaml:"path" validate:"required"`
}

// Logging is logging.level.
type Logging struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
}

// Forge configures the PR/branch-delete target repository and the
// inbound webhook shared secret — ambient wiring not named by §6's
// recognised-key list but required for the forge client to function.
type Forge struct {
	RepoOwner     string `yaml:"repo_owner" validate:"required"`
	RepoName      string `yaml:"repo_name" validate:"required"`
	GitHubToken   string `yaml:"github_token"`
	InboundSecret string `yaml:"inbound_secret"`
	ListenAddr    string `yaml:"listen_addr"`
}

// Config is the top-level, validated configuration record.
type Config struct {
	Tiers          Tiers          `yaml:"tiers" validate:"required"`
	Branch         Branch         `yaml:"branch" validate:"required"`
	Agents         Agents         `yaml:"agents"`
	AutoCorrection AutoCorrection `yaml:"auto_correction"`
	Resilience     Resilience     `yaml:"resilience"`
	Director       Director       `yaml:"director"`
	Cleanup        Cleanup        `yaml:"cleanup"`
	Adapters       Adapters       `yaml:"adapters"`
	RAG            RAG            `yaml:"rag"`
	Events         Events         `yaml:"events" validate:"required"`
	Logging        Logging        `yaml:"logging"`
	Forge          Forge          `yaml:"forge" validate:"required"`
}

// defaults returns a Config with every field set to the documented
// default, applied before the file's values are merged in and before
// validation runs.
func defaults() Config {
	return Config{
		Branch: Branch{
			PipelinePrefix:    "pipeline/",
			IntegrationPrefix: "integration/",
			Main:              "main", // the literal default; see DESIGN.md's Open Question decision
		},
		Agents:         Agents{Pipeline: AgentSettings{Mode: "auto"}},
		AutoCorrection: AutoCorrection{MaxAttempts: 3},
		Resilience: Resilience{
			CircuitBreaker: CircuitBreaker{
				Agent: BreakerSettings{FailureThreshold: 3, ResetTimeoutMS: 30_000},
				Forge: BreakerSettings{FailureThreshold: 3, ResetTimeoutMS: 30_000},
			},
			DLQ: DLQSettings{
				Enabled: true, Path: ".pipeline/dlq", MaxRetries: 5, BaseDelayMS: 1_000, BackoffFactor: 2,
			},
		},
		Director: Director{AutoTriggerDelayMS: 5_000, DefaultPriority: 0, ScheduleIntervalMS: 60_000},
		Cleanup:  Cleanup{KeepOnFailure: true, StaleBranchDays: 3},
		Adapters: Adapters{RetryIntervalMS: 30_000},
		Events:   Events{Path: ".pipeline/events.ndjson"},
		Logging:  Logging{Level: "info"},
	}
}

// Load reads path as YAML, merges it over the documented defaults, and
// validates the result.
func Load(path string) (Config, error) {
	cfg := defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}
