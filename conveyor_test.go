package conveyor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockhand-dev/conveyor/internal/cleanup"
	"github.com/dockhand-dev/conveyor/internal/director"
	"github.com/dockhand-dev/conveyor/internal/eventbus"
	"github.com/dockhand-dev/conveyor/internal/forge"
	"github.com/dockhand-dev/conveyor/internal/gitwt"
	"github.com/dockhand-dev/conveyor/internal/integrator"
	"github.com/dockhand-dev/conveyor/internal/manifest"
	"github.com/dockhand-dev/conveyor/internal/resilience"
)

func TestStringDataReturnsEmptyForMissingOrWrongType(t *testing.T) {
	e := eventbus.Event{Data: map[string]any{"branch": "feature/x", "count": 3}}
	assert.Equal(t, "feature/x", stringData(e, "branch"))
	assert.Equal(t, "", stringData(e, "count"))
	assert.Equal(t, "", stringData(e, "missing"))
}

func TestEnsureDirsCreatesPipelineSubdirectories(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, EnsureDirs(root))
	assert.DirExists(t, filepath.Join(root, ".pipeline", "worktrees"))
	assert.DirExists(t, filepath.Join(root, ".pipeline", "dlq"))
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v failed: %s", args, out)
	return string(out)
}

type fakeForge struct{}

func (fakeForge) CreatePullRequest(ctx context.Context, owner, repo, head, base, title, body string) (forge.PullRequest, error) {
	return forge.PullRequest{}, errors.New("not used in this test")
}
func (fakeForge) DeleteBranch(ctx context.Context, owner, repo, branch string) error { return nil }

type fakeConflictAgent struct{}

func (fakeConflictAgent) Resolve(ctx context.Context, params integrator.ConflictAgentParams) (bool, error) {
	return false, errors.New("not used in this test")
}

// newTestApp builds a minimal App over a real local git fixture, bypassing
// Build (which needs real config/network-backed forge credentials).
func newTestApp(t *testing.T) (*App, string) {
	t.Helper()
	root := t.TempDir()
	bare := filepath.Join(root, "origin.git")
	repoRoot := filepath.Join(root, "work")
	wtDir := filepath.Join(root, "worktrees")
	require.NoError(t, os.MkdirAll(wtDir, 0o755))

	runGit(t, root, "init", "--bare", bare)
	runGit(t, root, "clone", bare, repoRoot)
	runGit(t, repoRoot, "config", "user.email", "test@example.com")
	runGit(t, repoRoot, "config", "user.name", "Test")
	runGit(t, repoRoot, "checkout", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(repoRoot, "README.md"), []byte("hello\n"), 0o644))
	runGit(t, repoRoot, "add", ".")
	runGit(t, repoRoot, "commit", "-m", "initial commit")
	runGit(t, repoRoot, "push", "-u", "origin", "main")

	bus, err := eventbus.New("", nil)
	require.NoError(t, err)

	git := gitwt.New(repoRoot, wtDir)
	mgr, err := manifest.NewManager(filepath.Join(root, "manifest.json"), "main")
	require.NoError(t, err)

	breakers := resilience.New(
		resilience.Settings{FailureThreshold: 100, ResetTimeout: time.Minute},
		resilience.Settings{FailureThreshold: 100, ResetTimeout: time.Minute},
		nil, nil,
	)
	integ := integrator.New(integrator.Config{
		IntegrationPrefix: "integration/", RepoOwner: "acme", RepoName: "widgets", MainBranch: "main",
	}, git, fakeForge{}, fakeConflictAgent{}, breakers, bus, nil)

	// A long auto-trigger delay keeps the director's debounced cycle from
	// firing (and hitting the fake forge) during the test.
	dir := director.New(director.Config{AutoTriggerDelay: time.Hour}, mgr, integ, bus, nil)

	cleaner := cleanup.New(cleanup.Config{}, git, bus, nil)

	app := &App{
		Bus: bus, Git: git, Manifest: mgr, Integ: integ, Director: dir, Cleaner: cleaner,
	}
	app.Config.Branch.Main = "main"
	return app, repoRoot
}

func TestHandlePipelineCompletedAddsManifestReadyEntry(t *testing.T) {
	app, _ := newTestApp(t)

	app.handlePipelineCompleted(context.Background(), eventbus.Event{
		RequestID: "req-1",
		Data: map[string]any{
			"branch": "feature/x", "pipeline_branch": "pipeline/feature-x",
			"worktree_path": "/tmp/x", "tier": "small",
			"corrections_applied": []string{"fixed failing lint check"},
			"result":              "done", "num_turns": 4,
		},
	})

	snap := app.Manifest.Snapshot()
	require.Len(t, snap.Ready, 1)
	assert.Equal(t, "feature/x", snap.Ready[0].Branch)
	assert.NotEmpty(t, snap.MainHead)
	assert.Equal(t, []string{"fixed failing lint check"}, snap.Ready[0].CorrectionsApplied)
	require.NotNil(t, snap.Ready[0].PipelineResult)
	assert.Equal(t, "done", snap.Ready[0].PipelineResult["result"])
	assert.Equal(t, 4, snap.Ready[0].PipelineResult["num_turns"])
	assert.NotContains(t, snap.Ready[0].PipelineResult, "branch")
}

func TestHandleIntegrationMergedMovesToMergeHistory(t *testing.T) {
	app, repoRoot := newTestApp(t)

	app.handlePipelineCompleted(context.Background(), eventbus.Event{
		RequestID: "req-1",
		Data: map[string]any{
			"branch": "feature/y", "pipeline_branch": "pipeline/feature-y",
			"worktree_path": "/tmp/y", "tier": "small",
		},
	})
	require.NoError(t, app.Manifest.MoveToPendingMerge("feature/y", manifest.PendingMergeUpdate{
		PRNumber: 1, PRURL: "https://example/pull/1", IntegrationBranch: "integration/feature-y",
	}))

	runGit(t, repoRoot, "checkout", "-b", "integration/feature-y")
	require.NoError(t, os.WriteFile(filepath.Join(repoRoot, "merged.txt"), []byte("x\n"), 0o644))
	runGit(t, repoRoot, "add", ".")
	runGit(t, repoRoot, "commit", "-m", "merge commit")
	runGit(t, repoRoot, "push", "-u", "origin", "integration/feature-y")
	runGit(t, repoRoot, "checkout", "main")

	app.handleIntegrationMerged(context.Background(), eventbus.Event{
		RequestID: "req-1",
		Data: map[string]any{
			"branch": "feature/y", "pipeline_branch": "pipeline/feature-y",
			"integration_branch": "integration/feature-y",
		},
	})

	snap := app.Manifest.Snapshot()
	assert.Empty(t, snap.PendingMerge)
	require.Len(t, snap.MergeHistory, 1)
	assert.Equal(t, "feature/y", snap.MergeHistory[0].Branch)
	assert.NotEmpty(t, snap.MergeHistory[0].CommitSHA)
}
