package integrator

import (
	"context"
	"fmt"

	"github.com/dockhand-dev/conveyor/internal/eventbus"
	"github.com/dockhand-dev/conveyor/internal/pipelineerr"
	"github.com/dockhand-dev/conveyor/internal/resilience"
)

// RebaseRequest describes a pending_merge entry whose base has moved.
type RebaseRequest struct {
	Branch            string
	PipelineBranch    string
	IntegrationBranch string
	BaseBranch        string // defaults to main if empty
	RequestID         string
}

// RebaseResult is the Integrator's rebase outcome.
type RebaseResult struct {
	NewBaseSHA        string
	ConflictsResolved bool
}

// Rebase fetches base, checks out the integration branch in a fresh
// worktree, and rebases it onto the new base head. On conflict it
// invokes the conflict agent; on success it continues the rebase,
// force-with-lease pushes, and removes the worktree. On failure it
// aborts the rebase before removing the worktree, per §4.8.3.
// base_main_sha is only updated by the caller (the reactive-wiring
// handler) after this returns success — see DESIGN.md's Open Question
// decision on partial rebases.
func (in *Integrator) Rebase(ctx context.Context, req RebaseRequest) (RebaseResult, error) {
	base := req.BaseBranch
	if base == "" {
		base = in.cfg.MainBranch
	}
	baseRef := "origin/" + base

	if err := in.git.Fetch(ctx, base); err != nil {
		return RebaseResult{}, pipelineerr.Wrap("integrator.rebase.fetch", pipelineerr.ProcessFailure, err)
	}
	if err := in.git.Fetch(ctx, req.IntegrationBranch); err != nil {
		return RebaseResult{}, pipelineerr.Wrap("integrator.rebase.fetch", pipelineerr.ProcessFailure, err)
	}
	worktreeDir, err := in.git.CreateWorktreeForBranch(ctx, req.IntegrationBranch)
	if err != nil {
		return RebaseResult{}, pipelineerr.Wrap("integrator.rebase.worktree", pipelineerr.ProcessFailure, err)
	}
	defer func() { _ = in.git.RemoveWorktree(ctx, worktreeDir, false, "") }()

	result, err := in.git.Rebase(ctx, worktreeDir, baseRef)
	if err != nil {
		in.abortRebase(ctx, worktreeDir, base)
		return RebaseResult{}, pipelineerr.Wrap("integrator.rebase", pipelineerr.ProcessFailure, err)
	}

	conflictsResolved := false
	if !result.Clean {
		in.publish(req.RequestID, eventbus.IntegrationConflictDetect, map[string]any{"count": len(result.ConflictedFiles)})
		resolved, err := in.conflict.Resolve(ctx, ConflictAgentParams{
			IntegrationBranch: req.IntegrationBranch,
			PipelineBranch:    req.PipelineBranch,
			ConflictedFiles:   result.ConflictedFiles,
			WorkDir:           worktreeDir,
		})
		if err != nil || !resolved {
			in.abortRebase(ctx, worktreeDir, base)
			in.publish(req.RequestID, eventbus.IntegrationPRRebaseFailed, map[string]any{"branch": req.Branch})
			return RebaseResult{}, pipelineerr.New("integrator.rebase", pipelineerr.RebaseFailed)
		}
		if err := in.git.RebaseContinue(ctx, worktreeDir); err != nil {
			in.abortRebase(ctx, worktreeDir, base)
			in.publish(req.RequestID, eventbus.IntegrationPRRebaseFailed, map[string]any{"branch": req.Branch})
			return RebaseResult{}, pipelineerr.Wrap("integrator.rebase.continue", pipelineerr.RebaseFailed, err)
		}
		conflictsResolved = true
		in.publish(req.RequestID, eventbus.IntegrationConflictResolve, map[string]any{})
	}

	if _, err := resilience.Call(ctx, in.breakers.Forge, "integrator.rebase.push", func(ctx context.Context) (any, error) {
		return nil, in.git.PushForceWithLease(ctx, worktreeDir, req.IntegrationBranch)
	}); err != nil {
		in.abortRebase(ctx, worktreeDir, base)
		in.publish(req.RequestID, eventbus.IntegrationPRRebaseFailed, map[string]any{"branch": req.Branch})
		return RebaseResult{}, fmt.Errorf("integrator: rebase push: %w", err)
	}

	newSHA, err := in.git.ResolveRef(ctx, worktreeDir, baseRef)
	if err != nil {
		return RebaseResult{}, pipelineerr.Wrap("integrator.rebase.head", pipelineerr.ProcessFailure, err)
	}
	_ = in.git.Checkout(ctx, worktreeDir, base)

	in.publish(req.RequestID, eventbus.IntegrationPRRebased, map[string]any{
		"new_base_sha":       newSHA,
		"conflicts_resolved": conflictsResolved,
	})
	return RebaseResult{NewBaseSHA: newSHA, ConflictsResolved: conflictsResolved}, nil
}

func (in *Integrator) abortRebase(ctx context.Context, worktreeDir, base string) {
	_ = in.git.AbortRebase(ctx, worktreeDir)
	_ = in.git.Checkout(ctx, worktreeDir, base)
}
