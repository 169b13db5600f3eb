package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockhand-dev/conveyor/internal/agentclient"
	"github.com/dockhand-dev/conveyor/internal/eventbus"
)

func newState() *State {
	return &State{
		RequestID: "req-1",
		Status:    StatusRunning,
		Tier:      TierSmall,
		Request:   Request{Branch: "feature/x", WorktreePath: "/tmp/wt", BaseBranch: "main"},
	}
}

func TestTranslateSystemInit(t *testing.T) {
	st := newState()
	out := translate(st, agentclient.Message{Type: "system", Subtype: "init", SessionID: "sess-1", Model: "claude"})

	require.Len(t, out.lifecycle, 1)
	assert.Equal(t, eventbus.PipelineStarted, out.lifecycle[0].EventType)
	assert.Equal(t, "sess-1", out.lifecycle[0].Data["session_id"])
	assert.False(t, out.terminal)
}

func TestTranslateAssistantToolUseStartsAgent(t *testing.T) {
	st := newState()
	msg := agentclient.Message{
		Type: "assistant",
		Message: &agentclient.AssistantMessage{Content: []agentclient.ContentBlock{
			{Type: "tool_use", ID: "tu-1", Name: "Task", Input: json.RawMessage(`{"k":"v"}`)},
		}},
	}
	out := translate(st, msg)

	require.Len(t, out.lifecycle, 1)
	assert.Equal(t, eventbus.PipelineAgentStarted, out.lifecycle[0].EventType)
	assert.Equal(t, "Task", out.lifecycle[0].Data["agent_name"])
	assert.Equal(t, 1, st.agentsStarted)
}

func TestTranslateAssistantNonDispatchToolIgnored(t *testing.T) {
	st := newState()
	msg := agentclient.Message{
		Type: "assistant",
		Message: &agentclient.AssistantMessage{Content: []agentclient.ContentBlock{
			{Type: "tool_use", ID: "tu-1", Name: "Read"},
		}},
	}
	out := translate(st, msg)
	assert.Empty(t, out.lifecycle)
	assert.Equal(t, 0, st.agentsStarted)
}

func TestTranslateAssistantToolUseExitsCorrectionCycle(t *testing.T) {
	st := newState()
	st.agentsStarted = 1
	st.inCorrectionCycle = true
	st.Status = StatusCorrecting

	msg := agentclient.Message{
		Type: "assistant",
		Message: &agentclient.AssistantMessage{Content: []agentclient.ContentBlock{
			{Type: "tool_use", ID: "tu-2", Name: "dispatch_agent"},
		}},
	}
	translate(st, msg)

	assert.False(t, st.inCorrectionCycle)
	assert.Equal(t, StatusRunning, st.Status)
}

func TestTranslateAssistantTextTriggersCorrectionCycle(t *testing.T) {
	st := newState()
	st.agentsStarted = 1

	msg := agentclient.Message{
		Type: "assistant",
		Message: &agentclient.AssistantMessage{Content: []agentclient.ContentBlock{
			{Type: "text", Text: "Starting correction cycle to fix the failing tests"},
		}},
	}
	out := translate(st, msg)

	require.Len(t, out.lifecycle, 1)
	assert.Equal(t, eventbus.PipelineCorrecting, out.lifecycle[0].EventType)
	assert.True(t, st.inCorrectionCycle)
	assert.Equal(t, StatusCorrecting, st.Status)
	assert.Equal(t, 1, st.CorrectionsCount)
	require.Len(t, st.CorrectionsApplied, 1)
	assert.Equal(t, "Starting correction cycle to fix the failing tests", st.CorrectionsApplied[0])
}

func TestTranslateAssistantTextBeforeAnyAgentIsIgnored(t *testing.T) {
	st := newState() // agentsStarted == 0
	msg := agentclient.Message{
		Type: "assistant",
		Message: &agentclient.AssistantMessage{Content: []agentclient.ContentBlock{
			{Type: "text", Text: "Starting correction cycle"},
		}},
	}
	out := translate(st, msg)
	assert.Empty(t, out.lifecycle)
	assert.Equal(t, 0, st.CorrectionsCount)
}

func TestTranslateResultSuccess(t *testing.T) {
	st := newState()
	st.CorrectionsCount = 2
	out := translate(st, agentclient.Message{Type: "result", Subtype: "success", Result: "done", DurationMS: 1000})

	require.Len(t, out.lifecycle, 1)
	assert.Equal(t, eventbus.PipelineCompleted, out.lifecycle[0].EventType)
	assert.Equal(t, 2, out.lifecycle[0].Data["corrections_count"])
	assert.True(t, out.terminal)
	assert.True(t, st.sawResult)
}

func TestTranslateResultFailure(t *testing.T) {
	st := newState()
	out := translate(st, agentclient.Message{Type: "result", IsError: true, Errors: json.RawMessage(`["boom"]`)})

	require.Len(t, out.lifecycle, 1)
	assert.Equal(t, eventbus.PipelineFailed, out.lifecycle[0].EventType)
	assert.True(t, out.terminal)
}

func TestTranslateUserMessageProducesNoLifecycle(t *testing.T) {
	st := newState()
	out := translate(st, agentclient.Message{Type: "user"})
	assert.Empty(t, out.lifecycle)
	assert.False(t, out.terminal)
}

func TestEnrichTerminal(t *testing.T) {
	st := newState()
	st.Tier = TierMedium
	st.PipelineBranch = "pipeline/feature-x"
	st.CorrectionsApplied = []string{"fix-lint"}
	st.Request.Metadata = map[string]any{"source": "webhook"}

	ev := eventbus.Event{EventType: eventbus.PipelineCompleted}
	enrichTerminal(&ev, st)

	assert.Equal(t, "feature/x", ev.Data["branch"])
	assert.Equal(t, "pipeline/feature-x", ev.Data["pipeline_branch"])
	assert.Equal(t, "/tmp/wt", ev.Data["worktree_path"])
	assert.Equal(t, "main", ev.Data["base_branch"])
	assert.Equal(t, "medium", ev.Data["tier"])
	assert.Equal(t, []string{"fix-lint"}, ev.Data["corrections_applied"])
	assert.Equal(t, map[string]any{"source": "webhook"}, ev.Metadata)
}
