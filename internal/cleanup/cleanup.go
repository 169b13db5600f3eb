// Package cleanup implements post-completion / post-merge branch
// deletion with policy, grounded on the teacher's worktree removal and
// completed-ticket cleanup call sites.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/dockhand-dev/conveyor/internal/eventbus"
	"github.com/dockhand-dev/conveyor/internal/gitwt"
)

// Config configures cleanup policy.
type Config struct {
	KeepOnFailure   bool
	StaleBranchDays int
}

// Cleaner deletes branches and worktrees according to policy.
type Cleaner struct {
	cfg Config
	git *gitwt.Driver
	bus *eventbus.Bus
	log *slog.Logger
}

// New creates a Cleaner.
func New(cfg Config, git *gitwt.Driver, bus *eventbus.Bus, log *slog.Logger) *Cleaner {
	if log == nil {
		log = slog.Default()
	}
	return &Cleaner{cfg: cfg, git: git, bus: bus, log: log}
}

// DeletePipelineBranch removes a pipeline branch's worktree and local
// branch after a terminal pipeline event, honoring the keep-on-failure
// policy: ok indicates whether deletion actually happened.
func (c *Cleaner) DeletePipelineBranch(ctx context.Context, requestID, worktreePath, pipelineBranch string, wasFailure bool) bool {
	if wasFailure && c.cfg.KeepOnFailure {
		return false
	}
	c.publish(requestID, eventbus.CleanupStarted, map[string]any{"branch": pipelineBranch})
	_ = c.git.RemoveWorktree(ctx, worktreePath, true, pipelineBranch)
	c.publish(requestID, eventbus.CleanupCompleted, map[string]any{"branch": pipelineBranch})
	return true
}

// CleanupAfterMerge deletes both the pipeline and integration branches
// once an external merge notification confirms the PR landed.
func (c *Cleaner) CleanupAfterMerge(ctx context.Context, requestID, pipelineBranch, integrationBranch string) {
	c.publish(requestID, eventbus.CleanupStarted, map[string]any{"branch": pipelineBranch, "integration_branch": integrationBranch})
	_ = c.git.DeleteRemoteBranch(ctx, pipelineBranch)
	_ = c.git.DeleteRemoteBranch(ctx, integrationBranch)
	c.publish(requestID, eventbus.CleanupCompleted, map[string]any{"branch": pipelineBranch, "integration_branch": integrationBranch})
}

// IsStale reports whether a ready_at timestamp is older than the
// configured stale-branch threshold.
func (c *Cleaner) IsStale(readyAt time.Time) bool {
	if c.cfg.StaleBranchDays <= 0 {
		return false
	}
	return time.Since(readyAt) > time.Duration(c.cfg.StaleBranchDays)*24*time.Hour
}

func (c *Cleaner) publish(requestID string, kind eventbus.Kind, data map[string]any) {
	c.bus.Publish(eventbus.Event{EventType: kind, RequestID: requestID, Data: data})
}
