// Package conveyor assembles the core's components into a running
// system: it owns the reactive wiring between the event bus and the
// manifest, idempotency guard, cleaner, and director, per the
// subscriber graph the orchestrator otherwise hand-rolled with direct
// method calls.
package conveyor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"

	"github.com/dockhand-dev/conveyor/internal/agentclient"
	"github.com/dockhand-dev/conveyor/internal/cleanup"
	"github.com/dockhand-dev/conveyor/internal/config"
	"github.com/dockhand-dev/conveyor/internal/director"
	"github.com/dockhand-dev/conveyor/internal/dlq"
	"github.com/dockhand-dev/conveyor/internal/eventbus"
	"github.com/dockhand-dev/conveyor/internal/forge"
	"github.com/dockhand-dev/conveyor/internal/gitwt"
	"github.com/dockhand-dev/conveyor/internal/idempotency"
	"github.com/dockhand-dev/conveyor/internal/integrator"
	"github.com/dockhand-dev/conveyor/internal/manifest"
	"github.com/dockhand-dev/conveyor/internal/pipeline"
	"github.com/dockhand-dev/conveyor/internal/ragretrieval"
	"github.com/dockhand-dev/conveyor/internal/resilience"
	"github.com/dockhand-dev/conveyor/internal/telemetry"
	"github.com/dockhand-dev/conveyor/internal/webhook"
)

// App is the fully wired system: every long-lived component plus the
// subscriptions connecting them, per §4.9.
type App struct {
	Config    config.Config
	Bus       *eventbus.Bus
	Breakers  *resilience.Breakers
	Git       *gitwt.Driver
	Manifest  *manifest.Manager
	Idem      *idempotency.Guard
	DLQ       *dlq.Queue
	Runner    *pipeline.Runner
	Integ     *integrator.Integrator
	Director  *director.Director
	Cleaner   *cleanup.Cleaner
	Metrics   *telemetry.Metrics
	Forge     forge.Client
	Webhooks  []*webhook.Adapter

	log *slog.Logger
}

// Build wires every component from cfg and repoRoot, the checkout the
// core operates against.
func Build(cfg config.Config, repoRoot string, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}

	bus, err := eventbus.New(cfg.Events.Path, log)
	if err != nil {
		return nil, fmt.Errorf("conveyor: open event bus: %w", err)
	}

	metrics := telemetry.NewDefault()

	breakers := resilience.New(
		resilience.Settings{FailureThreshold: cfg.Resilience.CircuitBreaker.Agent.FailureThreshold, ResetTimeout: cfg.Resilience.CircuitBreaker.Agent.ResetTimeout()},
		resilience.Settings{FailureThreshold: cfg.Resilience.CircuitBreaker.Forge.FailureThreshold, ResetTimeout: cfg.Resilience.CircuitBreaker.Forge.ResetTimeout()},
		log,
		func(name string, open bool) {
			v := 0.0
			if open {
				v = 1.0
			}
			metrics.CircuitBreakerOpen.WithLabelValues(name).Set(v)
		},
	)

	worktreeDir := filepath.Join(repoRoot, ".pipeline", "worktrees")
	git := gitwt.New(repoRoot, worktreeDir)

	manifestPath := filepath.Join(repoRoot, ".pipeline", "manifest.json")
	mgr, err := manifest.NewManager(manifestPath, cfg.Branch.Main)
	if err != nil {
		return nil, fmt.Errorf("conveyor: open manifest: %w", err)
	}

	idemPath := filepath.Join(repoRoot, ".pipeline", "idempotency.json")
	idem := idempotency.New(idemPath, 2*time.Second)
	if err := idem.LoadFromDisk(); err != nil {
		return nil, fmt.Errorf("conveyor: load idempotency guard: %w", err)
	}

	var dlqQueue *dlq.Queue
	if cfg.Resilience.DLQ.Enabled {
		dlqQueue = dlq.New(filepath.Join(repoRoot, cfg.Resilience.DLQ.Path), dlq.Settings{
			MaxRetries:    cfg.Resilience.DLQ.MaxRetries,
			BaseDelay:     time.Duration(cfg.Resilience.DLQ.BaseDelayMS) * time.Millisecond,
			BackoffFactor: cfg.Resilience.DLQ.BackoffFactor,
			RetryInterval: time.Duration(cfg.Adapters.RetryIntervalMS) * time.Millisecond,
		}, log)
	}

	var webhooks []*webhook.Adapter
	for _, wt := range cfg.Adapters.Webhooks {
		kinds := make([]eventbus.Kind, 0, len(wt.Events))
		for _, e := range wt.Events {
			kinds = append(kinds, eventbus.Kind(e))
		}
		adapter := webhook.NewAdapter(webhook.Target{
			Name: wt.URL, URL: wt.URL, Secret: wt.Secret, Events: kinds,
			Timeout: time.Duration(wt.TimeoutMS) * time.Millisecond,
		})
		webhooks = append(webhooks, adapter)
		if dlqQueue != nil {
			dlqQueue.RegisterAdapter(adapter.AdapterName(), adapter.Deliver)
		}
	}
	if dlqQueue != nil {
		dlqQueue.Start()
	}

	var promptBuilder pipeline.PromptBuilder
	if cfg.RAG.Enabled {
		store, err := ragretrieval.Open(filepath.Join(repoRoot, cfg.RAG.StoreDir))
		if err != nil {
			return nil, fmt.Errorf("conveyor: open rag store: %w", err)
		}
		retriever := ragretrieval.NewRetriever(store, ragretrieval.NewEmbedder())
		promptBuilder = ragretrieval.WrapPromptBuilder(retriever, pipeline.DefaultPromptBuilder)
	}

	runner := pipeline.New(pipeline.Config{
		PipelinePrefix: cfg.Branch.PipelinePrefix,
		Tiers: pipeline.TierConfig{
			Small:  pipeline.TierThresholds{MaxFiles: cfg.Tiers.Small.MaxFiles, MaxLines: cfg.Tiers.Small.MaxLines, Agents: cfg.Tiers.Small.Agents},
			Medium: pipeline.TierThresholds{MaxFiles: cfg.Tiers.Medium.MaxFiles, MaxLines: cfg.Tiers.Medium.MaxLines, Agents: cfg.Tiers.Medium.Agents},
			Large:  pipeline.TierThresholds{MaxFiles: cfg.Tiers.Large.MaxFiles, MaxLines: cfg.Tiers.Large.MaxLines, Agents: cfg.Tiers.Large.Agents},
		},
		MaxCorrections: cfg.AutoCorrection.MaxAttempts,
		AgentMode:      agentclient.Mode(cfg.Agents.Pipeline.Mode),
		AgentModel:     cfg.Agents.Pipeline.Model,
		ClaudePath:     "claude",
		StopGrace:      10 * time.Second,
	}, bus, breakers, git, promptBuilder, log)

	var ghClient *github.Client
	if cfg.Forge.GitHubToken != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Forge.GitHubToken})
		ghClient = github.NewClient(oauth2.NewClient(context.Background(), ts))
	} else {
		ghClient = github.NewClient(&http.Client{})
	}
	forgeClient := forge.New(ghClient)

	conflictAgent := integrator.NewSubprocessConflictAgent(git, "claude", cfg.Agents.Conflict.Model)

	integ := integrator.New(integrator.Config{
		IntegrationPrefix: cfg.Branch.IntegrationPrefix,
		RepoOwner:         cfg.Forge.RepoOwner,
		RepoName:          cfg.Forge.RepoName,
		MainBranch:        cfg.Branch.Main,
	}, git, forgeClient, conflictAgent, breakers, bus, log)

	cleaner := cleanup.New(cleanup.Config{
		KeepOnFailure:   cfg.Cleanup.KeepOnFailure,
		StaleBranchDays: cfg.Cleanup.StaleBranchDays,
	}, git, bus, log)

	app := &App{
		Config: cfg, Bus: bus, Breakers: breakers, Git: git, Manifest: mgr,
		Idem: idem, DLQ: dlqQueue, Runner: runner, Integ: integ, Cleaner: cleaner,
		Metrics: metrics, Forge: forgeClient, Webhooks: webhooks, log: log,
	}

	app.Director = director.New(director.Config{
		ScheduleInterval: time.Duration(cfg.Director.ScheduleIntervalMS) * time.Millisecond,
		AutoTriggerDelay: time.Duration(cfg.Director.AutoTriggerDelayMS) * time.Millisecond,
		DefaultPriority:  cfg.Director.DefaultPriority,
	}, mgr, integ, bus, log)

	app.wire()
	return app, nil
}

// wire subscribes every reactive handler described in §4.9: pipeline
// completion feeds the manifest and idempotency guard and debounces a
// director cycle; pipeline failure optionally cleans up; an external
// merge notification retires both branches from the manifest.
func (a *App) wire() {
	ctx := context.Background()

	a.Bus.On(eventbus.PipelineTierClassified, func(e eventbus.Event) {
		a.Metrics.PipelinesStarted.WithLabelValues(stringData(e, "tier")).Inc()
	})
	a.Bus.On(eventbus.PipelineCompleted, func(e eventbus.Event) {
		a.Metrics.PipelinesCompleted.WithLabelValues(stringData(e, "tier"), "completed").Inc()
		a.handlePipelineCompleted(ctx, e)
		a.Idem.Release(stringData(e, "branch"))
	})
	a.Bus.On(eventbus.PipelineFailed, func(e eventbus.Event) {
		a.Metrics.PipelinesCompleted.WithLabelValues(stringData(e, "tier"), "failed").Inc()
		a.handlePipelineFailed(ctx, e)
		a.Idem.Release(stringData(e, "branch"))
	})
	a.Bus.On(eventbus.PipelineStopped, func(e eventbus.Event) {
		a.Idem.Release(stringData(e, "branch"))
	})
	a.Bus.On(eventbus.PipelineCorrectionDone, func(e eventbus.Event) {
		a.Metrics.CorrectionsApplied.Inc()
	})
	a.Bus.On(eventbus.PipelineAgentStarted, func(e eventbus.Event) {
		a.Metrics.AgentSpawns.WithLabelValues(stringData(e, "agent_name")).Inc()
	})
	a.Bus.On(eventbus.PipelineAgentFailed, func(e eventbus.Event) {
		a.Metrics.AgentSpawnFailures.WithLabelValues(stringData(e, "agent_name")).Inc()
	})
	a.Bus.On(eventbus.IntegrationFailed, func(e eventbus.Event) {
		a.Metrics.SagaStepFailures.WithLabelValues(stringData(e, "step")).Inc()
	})
	a.Bus.On(eventbus.IntegrationPRMerged, func(e eventbus.Event) {
		a.handleIntegrationMerged(ctx, e)
	})
	a.Bus.On(eventbus.DirectorCycleCompleted, func(e eventbus.Event) {
		a.Metrics.DirectorCycles.Inc()
	})

	for _, adapter := range a.Webhooks {
		adapter := adapter
		a.Bus.On(eventbus.All, func(e eventbus.Event) {
			if !adapter.Accepts(e.EventType) {
				return
			}
			if err := adapter.Deliver(e); err != nil {
				a.log.Warn("webhook delivery failed, enqueueing to dlq", "adapter", adapter.AdapterName(), "error", err)
				if a.DLQ != nil {
					_ = a.DLQ.Enqueue(adapter.AdapterName(), e, err)
				}
			}
		})
	}
}

func (a *App) handlePipelineCompleted(ctx context.Context, e eventbus.Event) {
	branch := stringData(e, "branch")
	pipelineBranch := stringData(e, "pipeline_branch")
	worktreePath := stringData(e, "worktree_path")
	baseBranch := stringData(e, "base_branch")
	tier := stringData(e, "tier")

	mainHead, err := a.Git.ResolveRefInRepoRoot(ctx, a.Config.Branch.Main)
	if err != nil {
		a.log.Warn("conveyor: resolve main head failed", "error", err)
	} else {
		_ = a.Manifest.UpdateMainHead(mainHead)
	}

	err = a.Manifest.AddToReady(manifest.ReadyEntry{
		Branch: branch, PipelineBranch: pipelineBranch, WorktreePath: worktreePath,
		RequestID: e.RequestID, Tier: tier, ReadyAt: time.Now(),
		Priority: a.Config.Director.DefaultPriority, BaseMainSHA: mainHead, BaseBranch: baseBranch,
		Metadata: e.Metadata, CorrectionsApplied: stringSliceData(e, "corrections_applied"),
		PipelineResult: pipelineResultData(e),
	})
	if err != nil {
		a.log.Error("conveyor: addToReady failed", "branch", branch, "error", err)
		return
	}
	a.Director.TriggerDebounced(ctx)
}

func (a *App) handlePipelineFailed(ctx context.Context, e eventbus.Event) {
	branch := stringData(e, "branch")
	pipelineBranch := stringData(e, "pipeline_branch")
	worktreePath := stringData(e, "worktree_path")
	a.Cleaner.DeletePipelineBranch(ctx, e.RequestID, worktreePath, pipelineBranch, true)
	_ = branch
}

func (a *App) handleIntegrationMerged(ctx context.Context, e eventbus.Event) {
	branch := stringData(e, "branch")
	pipelineBranch := stringData(e, "pipeline_branch")
	integrationBranch := stringData(e, "integration_branch")
	commitSHA := stringData(e, "commit_sha")

	if commitSHA == "" {
		sha, err := a.Git.ResolveRefInRepoRoot(ctx, "origin/"+integrationBranch)
		if err != nil {
			a.log.Error("conveyor: resolve merge commit failed", "branch", branch, "error", err)
			return
		}
		commitSHA = sha
	}
	if err := a.Manifest.MoveToMergeHistory(branch, commitSHA); err != nil {
		a.log.Error("conveyor: moveToMergeHistory failed", "branch", branch, "error", err)
		return
	}
	a.Cleaner.CleanupAfterMerge(ctx, e.RequestID, pipelineBranch, integrationBranch)
	a.Director.TriggerDebounced(ctx)
}

func stringData(e eventbus.Event, key string) string {
	v, _ := e.Data[key].(string)
	return v
}

// stringSliceData extracts a []string event-data field written by
// enrichTerminal (e.g. "corrections_applied"), returning nil if absent
// or of an unexpected type.
func stringSliceData(e eventbus.Event, key string) []string {
	v, _ := e.Data[key].([]string)
	return v
}

// pipelineResultData builds the ready entry's pipeline_result snapshot
// from the completed event's data, excluding the fields already carried
// as their own ReadyEntry columns.
func pipelineResultData(e eventbus.Event) map[string]any {
	out := make(map[string]any, len(e.Data))
	for k, v := range e.Data {
		switch k {
		case "branch", "pipeline_branch", "worktree_path", "base_branch", "tier", "corrections_applied":
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Start launches every background loop: the director's ticker (if
// configured), its reactive rebase handler, and the DLQ depth gauge
// poller.
func (a *App) Start(ctx context.Context) {
	a.Director.Start(ctx)
	if a.DLQ != nil {
		go a.pollDLQDepth(ctx)
	}
}

// pollDLQDepth keeps the dlq_depth gauge current; the DLQ itself has no
// in-process notion of "depth changed", so this samples on an interval
// instead of reacting to every enqueue/retry.
func (a *App) pollDLQDepth(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if depth, err := a.DLQ.Depth(); err == nil {
				a.Metrics.DLQDepth.Set(float64(depth))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown stops background loops and flushes durable state.
func (a *App) Shutdown() {
	a.Director.Stop()
	if a.DLQ != nil {
		a.DLQ.Stop()
	}
	a.Idem.Flush()
	a.Bus.Close()
}

// EnsureDirs creates the .pipeline/ directories Build's paths assume
// exist.
func EnsureDirs(repoRoot string) error {
	for _, dir := range []string{"worktrees", "dlq"} {
		if err := os.MkdirAll(filepath.Join(repoRoot, ".pipeline", dir), 0o755); err != nil {
			return err
		}
	}
	return nil
}
