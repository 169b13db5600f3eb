// Package integrator implements the saga-driven integration workflow:
// worktree add, merge, conflict-resolve, push, PR create, cleanup, with
// reverse-order compensation on failure, plus an independent rebase
// path for stale PRs.
package integrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dockhand-dev/conveyor/internal/eventbus"
	"github.com/dockhand-dev/conveyor/internal/forge"
	"github.com/dockhand-dev/conveyor/internal/gitwt"
	"github.com/dockhand-dev/conveyor/internal/pipelineerr"
	"github.com/dockhand-dev/conveyor/internal/resilience"
)

// Request describes the branch to integrate.
type Request struct {
	Branch             string
	PipelineBranch     string
	BaseBranch         string // defaults to main if empty
	Tier               string
	RequestID          string
	AgentResults       []AgentResultRow
	CorrectionsApplied []string
}

// Result is the Integrator's successful outcome, matching §4.8.1's
// "On success it returns" shape.
type Result struct {
	PRNumber          int
	PRURL             string
	IntegrationBranch string
	BaseMainSHA       string
	ConflictsResolved bool
}

// Config configures the Integrator.
type Config struct {
	IntegrationPrefix string
	RepoOwner         string
	RepoName          string
	MainBranch        string
}

// Integrator drives the integrate and rebase workflows.
type Integrator struct {
	cfg      Config
	git      *gitwt.Driver
	forge    forge.Client
	conflict ConflictAgent
	breakers *resilience.Breakers
	bus      *eventbus.Bus
	log      *slog.Logger
}

// New creates an Integrator.
func New(cfg Config, git *gitwt.Driver, forgeClient forge.Client, conflictAgent ConflictAgent, breakers *resilience.Breakers, bus *eventbus.Bus, log *slog.Logger) *Integrator {
	if log == nil {
		log = slog.Default()
	}
	return &Integrator{cfg: cfg, git: git, forge: forgeClient, conflict: conflictAgent, breakers: breakers, bus: bus, log: log}
}

// sagaContext is the plain record mutated only by the currently
// executing saga step, per §9's re-architecture guidance.
type sagaContext struct {
	baseRef           string
	baseSHA           string
	integrationBranch string
	worktreeDir       string
	conflictsResolved bool
	prNumber          int
	prURL             string
}

type sagaStep struct {
	name       string
	action     func(ctx context.Context, sc *sagaContext) error
	compensate func(ctx context.Context, sc *sagaContext)
}

// Integrate runs the full saga for req. On any step failure, every
// previously successful step's compensation runs in reverse order, an
// out-of-band worktree/branch cleanup runs as a safety net, and the
// error is returned alongside a published integration.failed event.
func (in *Integrator) Integrate(ctx context.Context, req Request) (Result, error) {
	base := req.BaseBranch
	if base == "" {
		base = in.cfg.MainBranch
	}
	sc := &sagaContext{
		baseRef:           "origin/" + base,
		integrationBranch: in.cfg.IntegrationPrefix + req.Branch,
	}

	in.publish(req.RequestID, eventbus.IntegrationStarted, map[string]any{"branch": req.Branch})

	steps := []sagaStep{
		{
			name: "fetch_main",
			action: func(ctx context.Context, sc *sagaContext) error {
				if err := in.git.Fetch(ctx, base); err != nil {
					return pipelineerr.Wrap("integrator.fetch_main", pipelineerr.ProcessFailure, err)
				}
				sha, err := in.git.ResolveRefInRepoRoot(ctx, sc.baseRef)
				if err != nil {
					return pipelineerr.Wrap("integrator.fetch_main", pipelineerr.ProcessFailure, err)
				}
				sc.baseSHA = sha
				return nil
			},
		},
		{
			name: "create_integration_branch",
			action: func(ctx context.Context, sc *sagaContext) error {
				dir, err := in.git.CreateIntegrationWorktree(ctx, sc.integrationBranch, sc.baseRef)
				if err != nil {
					return pipelineerr.Wrap("integrator.create_integration_branch", pipelineerr.ProcessFailure, err)
				}
				sc.worktreeDir = dir
				return nil
			},
			compensate: func(ctx context.Context, sc *sagaContext) {
				_ = in.git.RemoveWorktree(ctx, sc.worktreeDir, true, sc.integrationBranch)
			},
		},
		{
			name: "merge_pipeline",
			action: func(ctx context.Context, sc *sagaContext) error {
				mergeResult, err := in.git.MergePipelineBranch(ctx, sc.worktreeDir, req.PipelineBranch)
				if err != nil {
					return pipelineerr.Wrap("integrator.merge_pipeline", pipelineerr.ProcessFailure, err)
				}
				if mergeResult.Clean {
					sc.conflictsResolved = false
					return nil
				}
				in.publish(req.RequestID, eventbus.IntegrationConflictDetect, map[string]any{"count": len(mergeResult.ConflictedFiles)})
				resolved, err := in.conflict.Resolve(ctx, ConflictAgentParams{
					IntegrationBranch: sc.integrationBranch,
					PipelineBranch:    req.PipelineBranch,
					ConflictedFiles:   mergeResult.ConflictedFiles,
					WorkDir:           sc.worktreeDir,
				})
				if err != nil {
					return pipelineerr.Wrap("integrator.merge_pipeline", pipelineerr.AgentFailure, err)
				}
				if !resolved {
					return pipelineerr.New("integrator.merge_pipeline", pipelineerr.MergeConflictUnresolved)
				}
				sc.conflictsResolved = true
				in.publish(req.RequestID, eventbus.IntegrationConflictResolve, map[string]any{})
				return nil
			},
			compensate: func(ctx context.Context, sc *sagaContext) {
				_ = in.git.AbortMerge(ctx, sc.worktreeDir)
			},
		},
		{
			name: "push_branch",
			action: func(ctx context.Context, sc *sagaContext) error {
				_, err := resilience.Call(ctx, in.breakers.Forge, "integrator.push_branch", func(ctx context.Context) (any, error) {
					return nil, in.git.PushForceWithLease(ctx, sc.worktreeDir, sc.integrationBranch)
				})
				if err != nil {
					return err
				}
				return nil
			},
			compensate: func(ctx context.Context, sc *sagaContext) {
				_ = in.git.DeleteRemoteBranch(ctx, sc.integrationBranch)
			},
		},
		{
			name: "create_pr",
			action: func(ctx context.Context, sc *sagaContext) error {
				body, err := RenderPRBody(PRBodyParams{
					Tier:               req.Tier,
					RequestID:          req.RequestID,
					AgentResults:       req.AgentResults,
					CorrectionsApplied: req.CorrectionsApplied,
					ConflictsResolved:  sc.conflictsResolved,
				})
				if err != nil {
					return pipelineerr.Wrap("integrator.create_pr", pipelineerr.Validation, err)
				}
				title := fmt.Sprintf("Integrate: %s", req.Branch)
				pr, err := resilience.Call(ctx, in.breakers.Forge, "integrator.create_pr", func(ctx context.Context) (forge.PullRequest, error) {
					return in.forge.CreatePullRequest(ctx, in.cfg.RepoOwner, in.cfg.RepoName, sc.integrationBranch, base, title, body)
				})
				if err != nil {
					return err
				}
				sc.prNumber = pr.Number
				sc.prURL = pr.URL
				in.publish(req.RequestID, eventbus.IntegrationPRCreated, map[string]any{"pr_number": pr.Number, "pr_url": pr.URL})
				return nil
			},
		},
		{
			name: "cleanup_worktree",
			action: func(ctx context.Context, sc *sagaContext) error {
				return in.git.RemoveWorktree(ctx, sc.worktreeDir, false, "")
			},
		},
	}

	completed := -1
	var stepErr error
	var failedStep string
	for i, step := range steps {
		if err := step.action(ctx, sc); err != nil {
			stepErr = fmt.Errorf("integrator: step %q: %w", step.name, err)
			failedStep = step.name
			break
		}
		completed = i
	}

	if stepErr != nil {
		for i := completed; i >= 0; i-- {
			if steps[i].compensate != nil {
				steps[i].compensate(ctx, sc)
			}
		}
		// Safety net: an out-of-band cleanup regardless of which step failed.
		if sc.worktreeDir != "" {
			_ = in.git.RemoveWorktree(ctx, sc.worktreeDir, true, sc.integrationBranch)
		}
		in.publish(req.RequestID, eventbus.IntegrationFailed, map[string]any{"error": stepErr.Error(), "step": failedStep})
		return Result{}, stepErr
	}

	in.publish(req.RequestID, eventbus.IntegrationCompleted, map[string]any{"pr_number": sc.prNumber})
	return Result{
		PRNumber:          sc.prNumber,
		PRURL:             sc.prURL,
		IntegrationBranch: sc.integrationBranch,
		BaseMainSHA:       sc.baseSHA,
		ConflictsResolved: sc.conflictsResolved,
	}, nil
}

func (in *Integrator) publish(requestID string, kind eventbus.Kind, data map[string]any) {
	in.bus.Publish(eventbus.Event{EventType: kind, RequestID: requestID, Data: data})
}
