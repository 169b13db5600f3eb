package integrator

import (
	"context"
	"fmt"

	"github.com/dockhand-dev/conveyor/internal/agentclient"
	"github.com/dockhand-dev/conveyor/internal/gitwt"
)

// ConflictAgentParams names the integration branch, the branch being
// merged in, and the conflicted file paths, per §4.8.2.
type ConflictAgentParams struct {
	IntegrationBranch string
	PipelineBranch    string
	ConflictedFiles   []string
	WorkDir           string
}

// ConflictAgent resolves merge conflicts and reports success.
type ConflictAgent interface {
	Resolve(ctx context.Context, params ConflictAgentParams) (bool, error)
}

const conflictPromptTemplate = `Resolve the merge conflicts in the following files on branch {{.IntegrationBranch}}
while merging {{.PipelineBranch}}:
{{range .ConflictedFiles}}- {{.}}
{{end}}
For each file:
1. Read the file and find the conflict markers.
2. Resolve conflicts semantically, preferring the {{.PipelineBranch}} side when changes are contradictory.
3. Stage the resolved file.
After every file is resolved, commit with the message:
fix(integration): resolve merge conflicts for {{.PipelineBranch}}
Remain on the current branch; do not push or open a pull request.`

// subprocessConflictAgent invokes the code-generation agent to resolve
// conflicts, then verifies (rather than trusts) that it left a clean,
// committed worktree — see DESIGN.md's Open Question decision on a
// missing commit from the conflict-resolver agent.
type subprocessConflictAgent struct {
	git        *gitwt.Driver
	claudePath string
	model      string
}

// NewSubprocessConflictAgent creates the default ConflictAgent, which
// spawns the code-generation agent as a subprocess.
func NewSubprocessConflictAgent(git *gitwt.Driver, claudePath, model string) ConflictAgent {
	return &subprocessConflictAgent{git: git, claudePath: claudePath, model: model}
}

func (a *subprocessConflictAgent) Resolve(ctx context.Context, params ConflictAgentParams) (bool, error) {
	prompt, err := agentclient.RenderPrompt(conflictPromptTemplate, params)
	if err != nil {
		return false, fmt.Errorf("conflictagent: render prompt: %w", err)
	}

	beforeSHA, err := a.git.HeadSHA(ctx, params.WorkDir)
	if err != nil {
		return false, fmt.Errorf("conflictagent: head before: %w", err)
	}

	session, err := agentclient.Start(ctx, agentclient.Config{
		ClaudePath: a.claudePath,
		Model:      a.model,
		WorkDir:    params.WorkDir,
	}, prompt)
	if err != nil {
		return false, fmt.Errorf("conflictagent: start: %w", err)
	}

	agentReportedSuccess := false
	for {
		msg, ok, err := session.Next()
		if err != nil {
			return false, fmt.Errorf("conflictagent: stream: %w", err)
		}
		if !ok {
			break
		}
		if msg.Type == "result" {
			agentReportedSuccess = !msg.IsError
		}
	}
	_ = session.Wait()

	if !agentReportedSuccess {
		return false, nil
	}

	// Verify, don't trust: HEAD must have advanced and the worktree
	// must be clean, or treat the resolution as failed even though the
	// agent claimed success.
	afterSHA, err := a.git.HeadSHA(ctx, params.WorkDir)
	if err != nil {
		return false, fmt.Errorf("conflictagent: head after: %w", err)
	}
	clean, err := a.git.IsClean(ctx, params.WorkDir)
	if err != nil {
		return false, fmt.Errorf("conflictagent: is clean: %w", err)
	}
	if afterSHA == beforeSHA || !clean {
		return false, nil
	}
	return true, nil
}
