package integrator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderPRBodyIncludesTierAndAgentTable(t *testing.T) {
	body, err := RenderPRBody(PRBodyParams{
		Tier:      "medium",
		RequestID: "req-123",
		AgentResults: []AgentResultRow{
			{Agent: "dev", Status: "success", Details: "implemented feature"},
			{Agent: "qa", Status: "success", Details: "tests added"},
		},
	})
	require.NoError(t, err)

	assert.Contains(t, body, "Tier: medium")
	assert.Contains(t, body, "| dev | success | implemented feature |")
	assert.Contains(t, body, "| qa | success | tests added |")
	assert.Contains(t, body, "Request ID: req-123")
	assert.NotContains(t, body, "Corrections Applied")
	assert.NotContains(t, body, "Conflict Resolution")
}

func TestRenderPRBodyIncludesCorrectionsWhenPresent(t *testing.T) {
	body, err := RenderPRBody(PRBodyParams{
		Tier:               "small",
		RequestID:          "req-456",
		CorrectionsApplied: []string{"fixed lint error", "addressed review comment"},
	})
	require.NoError(t, err)

	assert.Contains(t, body, "### Corrections Applied")
	assert.Contains(t, body, "- fixed lint error")
	assert.Contains(t, body, "- addressed review comment")
}

func TestRenderPRBodyIncludesConflictNoteWhenResolved(t *testing.T) {
	body, err := RenderPRBody(PRBodyParams{
		Tier:              "large",
		RequestID:         "req-789",
		ConflictsResolved: true,
	})
	require.NoError(t, err)

	assert.Contains(t, body, "### Conflict Resolution")
	assert.Contains(t, body, "automatically resolved")
}

func TestRenderPRBodyProducesValidMarkdownTable(t *testing.T) {
	body, err := RenderPRBody(PRBodyParams{
		Tier:      "small",
		RequestID: "req-1",
		AgentResults: []AgentResultRow{
			{Agent: "dev", Status: "success", Details: "ok"},
		},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(body, "## Pipeline Results"))
}
