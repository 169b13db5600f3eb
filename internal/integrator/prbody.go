package integrator

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
)

// AgentResultRow is one row of the PR body's per-agent results table.
type AgentResultRow struct {
	Agent   string
	Status  string
	Details string
}

// PRBodyParams carries everything the PR body template needs, per §6's
// PR body format.
type PRBodyParams struct {
	Tier               string
	RequestID          string
	AgentResults       []AgentResultRow
	CorrectionsApplied []string
	ConflictsResolved  bool
}

// RenderPRBody builds the markdown PR body: a heading, a per-agent
// results table, an optional corrections list, an optional conflict
// note, and a request-id footer.
func RenderPRBody(p PRBodyParams) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Pipeline Results (Tier: %s)\n\n", p.Tier)
	sb.WriteString("| Agent | Status | Details |\n|---|---|---|\n")
	for _, row := range p.AgentResults {
		fmt.Fprintf(&sb, "| %s | %s | %s |\n", row.Agent, row.Status, row.Details)
	}
	if len(p.CorrectionsApplied) > 0 {
		sb.WriteString("\n### Corrections Applied\n\n")
		for _, c := range p.CorrectionsApplied {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
	}
	if p.ConflictsResolved {
		sb.WriteString("\n### Conflict Resolution\n\nMerge conflicts were automatically resolved.\n")
	}
	fmt.Fprintf(&sb, "\n---\nRequest ID: %s\n", p.RequestID)

	// Lint/normalize through goldmark: parse then re-render is overkill
	// for a fixed template, so instead just validate the markdown parses
	// cleanly, surfacing a malformed body early rather than at the forge.
	if err := goldmark.Convert([]byte(sb.String()), &strings.Builder{}); err != nil {
		return "", fmt.Errorf("integrator: pr body failed markdown validation: %w", err)
	}
	return sb.String(), nil
}
