// Package gitwt wraps every git subprocess the core issues: worktree
// lifecycle, merge/rebase with conflict detection, and force-with-lease
// push. Every operation shells out to the git CLI, mirroring the
// teacher's worktree manager but generalized to the Integrator's saga
// and the PipelineRunner's tier classification.
package gitwt

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Driver issues git subprocesses rooted at repoRoot, with worktrees
// created under worktreeDir.
type Driver struct {
	repoRoot    string
	worktreeDir string
}

// New creates a Driver.
func New(repoRoot, worktreeDir string) *Driver {
	return &Driver{repoRoot: repoRoot, worktreeDir: worktreeDir}
}

func (d *Driver) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String(), nil
}

// runAllowFail runs a git command and returns its combined stdout and
// whether the command exited non-zero, without treating the non-zero
// exit as a Go error (used for commands like "merge" where conflicts
// are an expected, handled outcome).
func (d *Driver) runAllowFail(ctx context.Context, dir string, args ...string) (string, bool) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err == nil
}

func sanitizeBranchName(branch string) string {
	replacer := strings.NewReplacer("/", "-", "\\", "-")
	safe := replacer.Replace(branch)
	re := regexp.MustCompile(`[^a-zA-Z0-9._-]`)
	return re.ReplaceAllString(safe, "-")
}

// Fetch fetches the named ref from origin.
func (d *Driver) Fetch(ctx context.Context, ref string) error {
	_, err := d.run(ctx, d.repoRoot, "fetch", "origin", ref)
	return err
}

// ResolveRef resolves ref (e.g. "origin/main") to its commit SHA in dir.
func (d *Driver) ResolveRef(ctx context.Context, dir, ref string) (string, error) {
	out, err := d.run(ctx, dir, "rev-parse", ref)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ResolveRefInRepoRoot resolves ref against the main repository root,
// for callers that have not yet created a worktree (e.g. the saga's
// fetch_main step).
func (d *Driver) ResolveRefInRepoRoot(ctx context.Context, ref string) (string, error) {
	return d.ResolveRef(ctx, d.repoRoot, ref)
}

// CreateIntegrationWorktree removes any leftover worktree/branch of the
// same name, then creates a fresh worktree at a temp path checked out
// to a new branch integrationBranch, itself branched from baseRef.
func (d *Driver) CreateIntegrationWorktree(ctx context.Context, integrationBranch, baseRef string) (string, error) {
	path := filepath.Join(d.worktreeDir, sanitizeBranchName(integrationBranch))
	_ = d.RemoveWorktree(ctx, path, true, integrationBranch)
	if _, err := d.run(ctx, d.repoRoot, "worktree", "add", "-B", integrationBranch, path, baseRef); err != nil {
		return "", fmt.Errorf("gitwt: create integration worktree: %w", err)
	}
	return path, nil
}

// CreateWorktreeForBranch checks out the already-pushed branch into a
// fresh worktree at its current remote tip, for callers (such as a
// rebase) that need the branch's existing history rather than a reset
// onto a base ref.
func (d *Driver) CreateWorktreeForBranch(ctx context.Context, branch string) (string, error) {
	path := filepath.Join(d.worktreeDir, sanitizeBranchName(branch))
	_ = d.RemoveWorktree(ctx, path, false, "")
	if _, err := d.run(ctx, d.repoRoot, "worktree", "add", "-B", branch, path, "origin/"+branch); err != nil {
		return "", fmt.Errorf("gitwt: create worktree for branch: %w", err)
	}
	return path, nil
}

// RemoveWorktree removes the worktree at path and, if removeBranch is
// set, deletes the local branch branchName too. Both steps are
// best-effort: a missing worktree/branch is not an error.
func (d *Driver) RemoveWorktree(ctx context.Context, path string, removeBranch bool, branchName string) error {
	_, _ = d.run(ctx, d.repoRoot, "worktree", "remove", "--force", path)
	if removeBranch && branchName != "" {
		_, _ = d.run(ctx, d.repoRoot, "branch", "-D", branchName)
	}
	return nil
}

// MergeResult describes the outcome of a MergePipelineBranch attempt.
type MergeResult struct {
	Clean           bool
	ConflictedFiles []string
}

// MergePipelineBranch attempts a non-fast-forward merge of
// pipelineBranch into the worktree at worktreeDir (the integration
// branch's checkout). On conflict, the conflicted file list is
// returned with Clean=false and the merge left in a conflicted state
// for the caller to resolve or abort.
func (d *Driver) MergePipelineBranch(ctx context.Context, worktreeDir, pipelineBranch string) (MergeResult, error) {
	out, ok := d.runAllowFail(ctx, worktreeDir, "merge", "--no-ff", "--no-edit", pipelineBranch)
	if ok {
		return MergeResult{Clean: true}, nil
	}
	if !strings.Contains(out, "CONFLICT") && !strings.Contains(out, "conflict") {
		return MergeResult{}, fmt.Errorf("gitwt: merge failed (no conflict markers): %s", out)
	}
	files, err := d.conflictedFiles(ctx, worktreeDir)
	if err != nil {
		return MergeResult{}, err
	}
	return MergeResult{Clean: false, ConflictedFiles: files}, nil
}

func (d *Driver) conflictedFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := d.run(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// AbortMerge aborts an in-progress merge.
func (d *Driver) AbortMerge(ctx context.Context, dir string) error {
	_, err := d.run(ctx, dir, "merge", "--abort")
	return err
}

// StageAll stages every change in dir (used after the conflict-resolver
// agent edits files).
func (d *Driver) StageAll(ctx context.Context, dir string) error {
	_, err := d.run(ctx, dir, "add", "-A")
	return err
}

// Commit commits staged changes with message.
func (d *Driver) Commit(ctx context.Context, dir, message string) error {
	_, err := d.run(ctx, dir, "commit", "-m", message)
	return err
}

// IsClean reports whether dir has no uncommitted changes and no merge
// in progress.
func (d *Driver) IsClean(ctx context.Context, dir string) (bool, error) {
	out, err := d.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

// HeadSHA returns the current HEAD commit SHA in dir.
func (d *Driver) HeadSHA(ctx context.Context, dir string) (string, error) {
	out, err := d.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// PushForceWithLease force-with-lease pushes branch from dir to origin.
func (d *Driver) PushForceWithLease(ctx context.Context, dir, branch string) error {
	_, err := d.run(ctx, dir, "push", "--force-with-lease", "-u", "origin", branch)
	return err
}

// DeleteRemoteBranch deletes branch on origin. Best-effort: a
// already-deleted branch is not an error.
func (d *Driver) DeleteRemoteBranch(ctx context.Context, branch string) error {
	_, ok := d.runAllowFail(ctx, d.repoRoot, "push", "origin", "--delete", branch)
	if !ok {
		// Already gone or never pushed; not fatal.
		return nil
	}
	return nil
}

// DeleteLocalBranch deletes a local branch. Best-effort.
func (d *Driver) DeleteLocalBranch(ctx context.Context, dir, branch string) error {
	_, _ = d.run(ctx, dir, "branch", "-D", branch)
	return nil
}

// Checkout checks out ref in dir.
func (d *Driver) Checkout(ctx context.Context, dir, ref string) error {
	_, err := d.run(ctx, dir, "checkout", ref)
	return err
}

// RebaseResult describes the outcome of a rebase attempt.
type RebaseResult struct {
	Clean           bool
	ConflictedFiles []string
}

// Rebase rebases the current branch in dir onto baseRef.
func (d *Driver) Rebase(ctx context.Context, dir, baseRef string) (RebaseResult, error) {
	out, ok := d.runAllowFail(ctx, dir, "rebase", baseRef)
	if ok {
		return RebaseResult{Clean: true}, nil
	}
	if !strings.Contains(out, "CONFLICT") && !strings.Contains(out, "conflict") {
		return RebaseResult{}, fmt.Errorf("gitwt: rebase failed (no conflict markers): %s", out)
	}
	files, err := d.conflictedFiles(ctx, dir)
	if err != nil {
		return RebaseResult{}, err
	}
	return RebaseResult{Clean: false, ConflictedFiles: files}, nil
}

// RebaseContinue resumes a rebase after conflicts have been resolved
// and staged.
func (d *Driver) RebaseContinue(ctx context.Context, dir string) error {
	_, err := d.run(ctx, dir, "rebase", "--continue")
	return err
}

// AbortRebase aborts an in-progress rebase.
func (d *Driver) AbortRebase(ctx context.Context, dir string) error {
	_, err := d.run(ctx, dir, "rebase", "--abort")
	return err
}

// ChangeStats holds the file/line counts used for tier classification.
type ChangeStats struct {
	FilesChanged int
	LinesChanged int
}

// DiffStats computes ChangeStats for worktreeDir relative to baseRef
// (e.g. "origin/main"), used by the PipelineRunner to classify tier.
func (d *Driver) DiffStats(ctx context.Context, worktreeDir, baseRef string) (ChangeStats, error) {
	out, err := d.run(ctx, worktreeDir, "diff", "--numstat", baseRef+"...HEAD")
	if err != nil {
		return ChangeStats{}, err
	}
	var stats ChangeStats
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		stats.FilesChanged++
		added, _ := strconv.Atoi(fields[0])
		removed, _ := strconv.Atoi(fields[1])
		stats.LinesChanged += added + removed
	}
	return stats, nil
}
