package pipeline

import (
	"strings"

	"github.com/dockhand-dev/conveyor/internal/agentclient"
	"github.com/dockhand-dev/conveyor/internal/eventbus"
)

// dispatchToolNames are the tool_use names that count as an agent
// start, per 4.5.3.
var dispatchToolNames = map[string]bool{
	"Task":           true,
	"dispatch_agent": true,
}

// translated is the outcome of translating one incoming message: zero
// or more lifecycle events (in order) and whether one of them is
// terminal. The cli_message mirror is not part of it.
type translated struct {
	lifecycle []eventbus.Event
	terminal  bool // true if this message produced a pipeline.completed/failed
}

// translate consumes one decoded agent message against st (the
// request's owned state, mutated in place) and returns the lifecycle
// events it produces. The cli_message mirror is appended by the caller
// (Runner.consume), since it always fires regardless of what translate
// returns.
func translate(st *State, msg agentclient.Message) translated {
	var out translated

	switch msg.Type {
	case "system":
		if msg.Subtype == "init" {
			out.lifecycle = append(out.lifecycle, eventbus.Event{
				EventType: eventbus.PipelineStarted,
				RequestID: st.RequestID,
				Data: map[string]any{
					"session_id": msg.SessionID,
					"model":      msg.Model,
				},
			})
		}

	case "assistant":
		if msg.Message == nil {
			return out
		}
		var toolUses []agentclient.ContentBlock
		var textBlocks []string
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "tool_use":
				toolUses = append(toolUses, block)
			case "text":
				textBlocks = append(textBlocks, block.Text)
			}
		}
		for _, tu := range toolUses {
			if !dispatchToolNames[tu.Name] {
				continue
			}
			st.agentsStarted++
			wasCorrecting := st.inCorrectionCycle
			out.lifecycle = append(out.lifecycle, eventbus.Event{
				EventType: eventbus.PipelineAgentStarted,
				RequestID: st.RequestID,
				Data: map[string]any{
					"tool_use_id": tu.ID,
					"agent_name":  tu.Name,
					"input":       string(tu.Input),
				},
			})
			if wasCorrecting {
				st.inCorrectionCycle = false
				st.transition(StatusRunning)
			}
		}
		if len(toolUses) == 0 && len(textBlocks) > 0 {
			text := strings.Join(textBlocks, "\n")
			if st.agentsStarted > 0 && !st.inCorrectionCycle && matchesCorrectionPattern(text) {
				st.CorrectionsCount++
				st.inCorrectionCycle = true
				st.CorrectionsApplied = append(st.CorrectionsApplied, text)
				st.transition(StatusCorrecting)
				out.lifecycle = append(out.lifecycle, eventbus.Event{
					EventType: eventbus.PipelineCorrecting,
					RequestID: st.RequestID,
					Data: map[string]any{
						"correction_number": st.CorrectionsCount,
						"text":              text,
					},
				})
			}
		}

	case "result":
		st.sawResult = true
		if !msg.IsError {
			out.lifecycle = append(out.lifecycle, eventbus.Event{
				EventType: eventbus.PipelineCompleted,
				RequestID: st.RequestID,
				Data: map[string]any{
					"subtype":          msg.Subtype,
					"result":           msg.Result,
					"duration_ms":      msg.DurationMS,
					"num_turns":        msg.NumTurns,
					"cost_usd":         msg.CostUSD,
					"corrections_count": st.CorrectionsCount,
				},
			})
			out.terminal = true
		} else {
			out.lifecycle = append(out.lifecycle, eventbus.Event{
				EventType: eventbus.PipelineFailed,
				RequestID: st.RequestID,
				Data: map[string]any{
					"errors":           string(msg.Errors),
					"result":           msg.Result,
					"duration_ms":      msg.DurationMS,
					"cost_usd":         msg.CostUSD,
					"corrections_count": st.CorrectionsCount,
				},
			})
			out.terminal = true
		}
		st.inCorrectionCycle = false

	case "user":
		// Tool results; no lifecycle event.
	}

	return out
}

// enrichTerminal merges the terminal-enrichment fields of 4.5.5 into
// event in place.
func enrichTerminal(event *eventbus.Event, st *State) {
	if event.Data == nil {
		event.Data = map[string]any{}
	}
	event.Data["branch"] = st.Request.Branch
	event.Data["pipeline_branch"] = st.PipelineBranch
	event.Data["worktree_path"] = st.Request.WorktreePath
	event.Data["base_branch"] = st.Request.BaseBranch
	event.Data["tier"] = string(st.Tier)
	event.Data["corrections_applied"] = st.CorrectionsApplied
	if st.Request.Metadata != nil {
		event.Metadata = st.Request.Metadata
	}
}
